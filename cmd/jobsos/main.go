package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ntjobs/jobsos/internal/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	flagRoot    string        // value of --root
	flagVerbose bool          // value of --verbose
	flagJSON    bool          // value of --json
	flagUnit    time.Duration // value of --unit
)

func main() {
	cobra.OnInitialize(initConfig)

	// root flags
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", ".", "directory holding ntjobs_config.ini and the catalog tables")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON instead of tables")
	rootCmd.PersistentFlags().DurationVar(&flagUnit, "unit", time.Second, "duration of one unit of the configured time values")
	_ = rootCmd.PersistentFlags().MarkHidden("unit")
	for _, name := range []string{"root", "verbose", "json", "unit"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// setup logging
	rootCmd.PersistentPreRunE = initJobsos

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(appCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if !errors.As(err, &ee) || !ee.quiet {
			slog.Error("jobsos failed", "err", err)
		}
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:          "jobsos",
	Short:        "Runs batches of jobs dropped into watched directories",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of jobsos",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("jobsos: version info not available")
			return
		}

		fmt.Printf("jobsos: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	return info.Main.Version
}

func initConfig() {
	viper.SetEnvPrefix("JOBSOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initJobsos(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(log.New(viper.GetBool("verbose")))
	slog.Debug("jobsos started", "cmd", cmd.Name(), "root", viper.GetString("root"))
	return nil
}

// Exit codes of the process.
const (
	exitStartup = 1
	exitRuntime = 2
)

// exitError carries the process exit code of a failed command. quiet errors
// were logged already.
type exitError struct {
	code  int
	err   error
	quiet bool
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitStartup
}
