package main

import (
	"os"

	"github.com/spf13/cobra"
)

// dryRun is bound to rebuild --dry-run.
var dryRun bool

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recreate every device credential on the broker",
	Long: `rebuild unconditionally re-applies every provisionable device credential
from the fleet database to the broker. It is the disaster-recovery path
after the broker's credential state is lost (a wiped dynamic-security
store, a deleted password file).

Devices without a plaintext password on record are reported as needing
manual recovery; they cannot be rebuilt automatically.

With --dry-run, the devices that would be recreated are listed without
issuing any broker commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		report, err := a.engine.Rebuild(ctx, dryRun)
		if err != nil {
			return err
		}

		report.WriteSummary(os.Stdout)
		if !report.Clean() {
			return errDrift
		}
		return nil
	},
}

func init() {
	rebuildCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"list what would be recreated without issuing broker commands")
}
