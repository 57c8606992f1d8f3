package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ntjobs/jobsos/internal/catalog"
	"github.com/ntjobs/jobsos/internal/config"
	"github.com/ntjobs/jobsos/internal/mail"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/store"
)

var (
	flagLimit int // value of history --limit
	flagPrune int // value of history --prune, -1 keeps everything
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check loads and verifies the configuration and the catalog tables",
	Args:  cobra.NoArgs,
	RunE:  doCheck,
}

var catalogCmd = &cobra.Command{
	Use:       "catalog [users|groups|actions]",
	Short:     "catalog prints the users, groups and actions tables",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"users", "groups", "actions"},
	RunE:      doCatalog,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history lists the most recent batches, --prune N keeps only the N newest finished ones",
	Args:  cobra.NoArgs,
	RunE:  doHistory,
}

func init() {
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of batches to list")
	historyCmd.Flags().IntVar(&flagPrune, "prune", -1, "delete finished batches older than the given number of most recent ones")
}

// loadTables reads and verifies the tables without touching the inbox.
func loadTables() (*config.Base, *catalog.Catalog, error) {
	root := viper.GetString("root")
	base, err := config.Load(root)
	if err != nil {
		return nil, nil, err
	}
	if err := base.Verify(); err != nil {
		return nil, nil, err
	}
	cat, err := catalog.Load(root, base.Values)
	if err != nil {
		return nil, nil, err
	}
	if err := cat.Verify(); err != nil {
		return nil, nil, err
	}
	return base, cat, nil
}

func doCheck(cmd *cobra.Command, _ []string) error {
	base, cat, err := loadTables()
	if err != nil {
		return err
	}
	if _, err := mail.New(base.Values); err != nil {
		return err
	}

	summary := struct {
		Config  string `json:"config"`
		Users   int    `json:"users"`
		Groups  int    `json:"groups"`
		Actions int    `json:"actions"`
		Watched int    `json:"watched"`
	}{
		Config:  base.Path,
		Users:   len(cat.Users()),
		Groups:  len(cat.Groups()),
		Actions: len(cat.Actions()),
		Watched: len(cat.Watched()),
	}
	if viper.GetBool("json") {
		return printJSON(summary)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d users, %d groups, %d actions, %d watched directories\n",
		summary.Config, summary.Users, summary.Groups, summary.Actions, summary.Watched)
	return nil
}

func doCatalog(cmd *cobra.Command, args []string) error {
	_, cat, err := loadTables()
	if err != nil {
		return err
	}
	which := "all"
	if len(args) == 1 {
		which = args[0]
	}

	if viper.GetBool("json") {
		out := map[string]any{}
		if which == "all" || which == "users" {
			out["users"] = cat.Users()
		}
		if which == "all" || which == "groups" {
			out["groups"] = cat.Groups()
		}
		if which == "all" || which == "actions" {
			out["actions"] = cat.Actions()
		}
		return printJSON(out)
	}

	if which == "all" || which == "users" {
		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.SetTitle("Users")
		tw.AppendHeader(table.Row{"ID", "Name", "Groups", "Paths", "Mail"})
		for _, u := range cat.Users() {
			tw.AppendRow(table.Row{u.ID, u.Name, strings.Join(u.Groups, ","), strings.Join(u.Paths, "\n"), u.Mail})
		}
		tw.Render()
	}
	if which == "all" || which == "groups" {
		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.SetTitle("Groups")
		tw.AppendHeader(table.Row{"ID", "Name", "Notes"})
		for _, g := range cat.Groups() {
			tw.AppendRow(table.Row{g.ID, g.Name, g.Notes})
		}
		tw.Render()
	}
	if which == "all" || which == "actions" {
		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.SetTitle("Actions")
		tw.AppendHeader(table.Row{"ID", "Name", "Groups", "Script", "Enabled", "Timeout"})
		for _, a := range cat.Actions() {
			script := a.Script
			if a.Internal() {
				script = "(internal)"
			}
			tw.AppendRow(table.Row{a.ID, a.Name, strings.Join(a.Groups, ","), script, a.Enabled, a.Timeout})
		}
		tw.Render()
	}
	return nil
}

func doHistory(cmd *cobra.Command, _ []string) error {
	base, err := config.Load(viper.GetString("root"))
	if err != nil {
		return err
	}
	path := base.Values.String(model.CfgHistoryDB)
	if path == "" {
		return fmt.Errorf("%s is not configured", model.CfgHistoryDB)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(base.Values.String(model.CfgPathRoot), path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("history: %w", err)
	}

	ctx := cmd.Context()
	s, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	if flagPrune >= 0 {
		n, err := s.Prune(ctx, flagPrune)
		if err != nil {
			return fmt.Errorf("history prune: %w", err)
		}
		slog.InfoContext(ctx, "history pruned", "deleted", n, "kept", flagPrune)
	}
	rows, err := s.List(ctx, flagLimit)
	if err != nil {
		return err
	}

	if viper.GetBool("json") {
		return printJSON(rows)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Slot", "User", "Started", "Status", "OK", "Err", "Reason"})
	for _, r := range rows {
		state := "running"
		if !r.InProgress && r.Success != nil {
			state = "failed"
			if *r.Success {
				state = "ok"
			}
		}
		reason := ""
		if r.FailureReason != nil {
			reason = *r.FailureReason
		}
		tw.AppendRow(table.Row{r.Slot, r.User, r.Started.Local().Format(model.TimestampLayout), state, r.JobsOK, r.JobsErr, reason})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
