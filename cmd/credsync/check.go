package main

import (
	"os"

	"github.com/spf13/cobra"
)

// fix is bound to check --fix.
var fix bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the device roster against the broker's credentials",
	Long: `check lists every claimed device from the fleet database and verifies
its broker credential exists, reporting each discrepancy:

  missing in broker    fixable when the plaintext password is on record
  missing password     credential live, but automated rebuild impossible
  stale in broker      broker credential with no device record (never deleted)

With --fix, fixable missing credentials are recreated from the fleet
database. One device's failure never aborts the batch.

Exit code 0 means no unresolved discrepancies; 1 means drift remains.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		report, err := a.engine.Check(ctx, fix)
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
	checkCmd.Flags().BoolVar(&fix, "fix", false,
		"recreate fixable missing credentials from the fleet database")
}
