package main

import (
	"github.com/spf13/cobra"

	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/render"
)

var flagFormat string // value of show --format

var showCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "show prints a jobs.ini, jobs.end or parameter file as ini, json or yaml",
	Args:  cobra.ExactArgs(1),
	RunE:  doShow,
}

func init() {
	showCmd.Flags().StringVar(&flagFormat, "format", "ini", "output format: ini, json or yaml")
}

func doShow(cmd *cobra.Command, args []string) error {
	f, err := render.ParseFormat(flagFormat)
	if err != nil {
		return err
	}
	b, err := inifile.Read(args[0])
	if err != nil {
		return err
	}
	for _, s := range b.Sections() {
		for _, k := range s.Keys() {
			if model.IsCredential(k) {
				s.Set(k, "***")
			}
		}
	}
	return render.Render(cmd.OutOrStdout(), b, f)
}
