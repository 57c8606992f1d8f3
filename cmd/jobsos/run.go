package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ntjobs/jobsos/internal/log"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/orchestrator"
	"github.com/ntjobs/jobsos/internal/status"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var flagOnce bool // value of --once

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the orchestrator and processes submissions until stopped",
	RunE:  doRun,
}

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "run a single cycle and exit")
	_ = viper.BindPFlag("once", runCmd.Flags().Lookup("once"))
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("jobsos",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	loader, err := orchestrator.Load(ctx, orchestrator.Options{
		Root: viper.GetString("root"),
		Unit: viper.GetDuration("unit"),
	})
	if err != nil {
		return exitError{code: exitStartup, err: err}
	}
	defer func() {
		if err := loader.Close(); err != nil {
			slog.WarnContext(ctx, "closing history failed", "error", err)
		}
	}()

	values := loader.Base().Values
	logger, closer, err := log.Open(values.String(model.CfgLog), viper.GetBool("verbose"))
	if err != nil {
		return exitError{code: exitStartup, err: err}
	}
	defer func() {
		_ = closer.Close()
	}()
	slog.SetDefault(logger)

	o, err := loader.Orchestrator()
	if err != nil {
		return exitError{code: exitStartup, err: err}
	}
	o.WithOnce(viper.GetBool("once"))

	addr := values.String(model.CfgStatusAddr)
	var h http.Handler
	if addr != "" {
		h, err = status.New(status.Config{Source: loader, Version: version()})
		if err != nil {
			return exitError{code: exitStartup, err: err}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// the status server lives as long as the orchestrator
		defer cancel()
		return o.Run(runCtx)
	})
	if h != nil {
		g.Go(func() error {
			return status.ListenAndServe(runCtx, addr, h)
		})
	}

	slog.InfoContext(ctx, "orchestrator started",
		"root", values.String(model.CfgPathRoot),
		"inbox", values.String(model.CfgInbox),
		"status", addr,
	)
	if err := g.Wait(); err != nil {
		return exitError{code: exitRuntime, err: err}
	}
	slog.InfoContext(ctx, "orchestrator finished", "cycles", o.Cycles())
	return nil
}
