package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore archived results",
}

var restoreTriggerCmd = &cobra.Command{
	Use:   "trigger <user-id>",
	Short: "Record a user upgrade and request restores for their archived jobs",
	Long: `Mark the user premium in the tier store and publish one restore request
per ARCHIVED or ARCHIVING job. Workers must be running (serve or
"worker restore") to act on the requests.

Use --no-upgrade to publish the requests without changing the user's tier.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestoreTrigger,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.AddCommand(restoreTriggerCmd)
	restoreTriggerCmd.Flags().Bool("no-upgrade", false, "do not record the tier change")
	restoreTriggerCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRestoreTrigger(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	userID := args[0]
	noUpgrade, _ := cmd.Flags().GetBool("no-upgrade")

	var n int
	if noUpgrade {
		n, err = a.Trigger.UserUpgraded(cmd.Context(), userID)
	} else {
		n, err = a.Trigger.Upgrade(cmd.Context(), userID)
	}
	if err != nil {
		return domainExit("trigger restore", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return printJSON(map[string]any{"user_id": userID, "restores_requested": n})
	}
	fmt.Printf("Requested %d restore(s) for %s\n", n, userID)
	return nil
}
