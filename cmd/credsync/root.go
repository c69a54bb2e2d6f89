package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for credsync commands. Scripts and cron wrappers key off
// these: a non-zero exit from check means the broker and the fleet
// database disagree.
const (
	// ExitCodeSuccess indicates a clean run: no unresolved discrepancies.
	ExitCodeSuccess = 0
	// ExitCodeDrift indicates the run finished but left unresolved issues.
	ExitCodeDrift = 1
	// ExitCodeError indicates the run itself failed (config, database,
	// broker connection).
	ExitCodeError = 2
)

// errDrift signals a completed run whose report is not clean. The report
// and summary have already been printed when this is returned, so Execute
// translates it straight to an exit code without further output.
var errDrift = errors.New("unresolved discrepancies found")

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configPath is bound to the persistent --config flag.
var configPath string

// rootCmd is the base command; credsync always runs a subcommand.
var rootCmd = &cobra.Command{
	Use:   "credsync",
	Short: "Reconcile broker credentials with the fleet database",
	Long: `credsync compares the fleet database's device roster against the
broker's live credential set, reports every discrepancy, and can repair
the fixable ones or rebuild the full credential set after a broker
state loss.

The fleet database is the source of truth. Stale broker credentials are
reported but never deleted.`,
	// Errors from completed runs carry their own reporting; keep Cobra's
	// usage dump for flag mistakes only.
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config.yaml (default: $CREDSYNC_CONFIG or "+defaultConfigPath+")")
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(
		fmt.Sprintf("credsync version {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(rebuildCmd)
}

// Execute runs the root command and maps the outcome to an exit code.
func Execute() {
	rootCmd.SilenceErrors = true

	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if errors.Is(err, errDrift) {
		os.Exit(ExitCodeDrift)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(ExitCodeError)
}

// getConfigPath resolves the configuration file location: the --config
// flag wins, then $CREDSYNC_CONFIG, then the default path.
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("CREDSYNC_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
