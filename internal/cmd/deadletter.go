package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
)

var deadletterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	Short:   "Inspect messages that will not be retried",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list <queue>",
	Short: "List dead-lettered messages on a queue, newest first",
	Long: fmt.Sprintf(`List dead-lettered messages.

Queues: %s, %s, %s, %s

Only the SQL bus keeps dead letters across processes.`,
		event.QueueArchive, event.QueueNotify, event.QueueRestore, event.QueueRestoreReady),
	Args: cobra.ExactArgs(1),
	RunE: runDeadletterList,
}

func init() {
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterListCmd.Flags().Int("limit", 50, "maximum messages to show")
	deadletterListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	limit, _ := cmd.Flags().GetInt("limit")
	dls, err := a.Bus.DeadLetters(cmd.Context(), args[0], limit)
	if err != nil {
		return domainExit("list dead letters", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		if dls == nil {
			dls = []bus.DeadLetter{}
		}
		return printJSON(dls)
	}
	if len(dls) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No dead letters")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTOPIC\tATTEMPTS\tFAILED\tREASON")
	for _, d := range dls {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.Topic, d.Attempts, d.FailedAt.Local().Format(time.DateTime), truncate(d.Reason, 80))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
