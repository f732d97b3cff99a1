package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation sweep",
	Long: `Run a single sweep over the job store:

  - finalize RESTORING jobs whose thaw finished without a notification
  - republish archive requests for ARCHIVING jobs whose lease expired
  - report RESTORING jobs older than reconcile.max_thaw_wait

Long-running processes sweep on reconcile.interval instead.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Bool("json", false, "Output as JSON")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, err := a.Sweeper.Sweep(cmd.Context())
	if err != nil {
		return domainExit("reconcile", err)
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return printJSON(report)
	}
	fmt.Printf("Thaws ready:        %d\n", report.ThawsReady)
	fmt.Printf("Archives requeued:  %d\n", report.ArchivesRequeued)
	fmt.Printf("Stuck restoring:    %d\n", report.StuckRestoring)
	return nil
}
