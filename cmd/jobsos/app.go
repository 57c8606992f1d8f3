package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ntjobs/jobsos/internal/jobapp"
	"github.com/ntjobs/jobsos/internal/log"
)

// appCmd is the job script side. Catalog actions point at the jobsos binary
// with ACT_PARAMS "_app"; the orchestrator appends the parameter file.
var appCmd = &cobra.Command{
	Use:    "_app <paramfile> | _app <command> [key value]...",
	Short:  "internal command",
	Args:   cobra.MinimumNArgs(1),
	RunE:   doApp,
	Hidden: true,
}

func doApp(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("jobsos",
		slog.String("cmd", "_app"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	path := args[0]
	if len(args) != 1 || !strings.EqualFold(filepath.Ext(path), ".ini") {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		if path, err = jobapp.Build(cwd, args); err != nil {
			return err
		}
	}

	app, err := jobapp.Open(path)
	if err == nil {
		err = app.Run(ctx, jobapp.Builtin)
	}
	if code := app.End(err); code != jobapp.ExitOK {
		return exitError{code: code, err: err, quiet: true}
	}
	return nil
}
