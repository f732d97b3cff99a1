package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/lifecycle"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit, advance and inspect annotation jobs",
	Long: `Runner-side job operations against the configured store.

Examples:
  annovault jobs submit --user u1 --input inputs/u1/abc~sample.vcf
  annovault jobs start <job-id>
  annovault jobs complete <job-id> --result results/abc.annot.vcf
  annovault jobs get <job-id>
  annovault jobs list --user u1 --json`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create a PENDING job",
	Args:  cobra.NoArgs,
	RunE:  runJobsSubmit,
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Mark a PENDING job RUNNING",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStart,
}

var jobsCompleteCmd = &cobra.Command{
	Use:   "complete <job-id>",
	Short: "Record a RUNNING job as COMPLETED and publish job-completed",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsComplete,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsStartCmd, jobsCompleteCmd, jobsGetCmd, jobsListCmd)

	jobsSubmitCmd.Flags().String("id", "", "job id (default: generated)")
	jobsSubmitCmd.Flags().String("user", "", "owning user id (required)")
	jobsSubmitCmd.Flags().String("input", "", "input object key (required)")
	jobsSubmitCmd.Flags().String("file-name", "", "original input file name")
	_ = jobsSubmitCmd.MarkFlagRequired("user")
	_ = jobsSubmitCmd.MarkFlagRequired("input")

	jobsCompleteCmd.Flags().String("result", "", "result object key in hot storage (required)")
	jobsCompleteCmd.Flags().String("log", "", "log object key")
	_ = jobsCompleteCmd.MarkFlagRequired("result")

	jobsListCmd.Flags().String("user", "", "user id (required)")
	_ = jobsListCmd.MarkFlagRequired("user")

	for _, c := range []*cobra.Command{jobsSubmitCmd, jobsStartCmd, jobsCompleteCmd, jobsGetCmd, jobsListCmd} {
		c.Flags().Bool("json", false, "Output as JSON")
	}
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	id, _ := cmd.Flags().GetString("id")
	user, _ := cmd.Flags().GetString("user")
	input, _ := cmd.Flags().GetString("input")
	name, _ := cmd.Flags().GetString("file-name")

	j, err := a.Lifecycle.Submit(cmd.Context(), lifecycle.SubmitRequest{JobID: id, UserID: user, InputKey: input, InputFileName: name})
	if err != nil {
		return domainExit("submit job", err)
	}
	return printJob(cmd, j)
}

func runJobsStart(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	j, err := a.Lifecycle.Start(cmd.Context(), args[0])
	if err != nil {
		return domainExit("start job", err)
	}
	return printJob(cmd, j)
}

func runJobsComplete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	result, _ := cmd.Flags().GetString("result")
	logKey, _ := cmd.Flags().GetString("log")
	j, err := a.Lifecycle.Complete(cmd.Context(), args[0], lifecycle.CompleteRequest{ResultKey: result, LogKey: logKey})
	if err != nil {
		return domainExit("complete job", err)
	}
	return printJob(cmd, j)
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	j, err := a.Lifecycle.Get(cmd.Context(), args[0])
	if err != nil {
		return domainExit("get job", err)
	}
	return printJob(cmd, j)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	user, _ := cmd.Flags().GetString("user")
	jobs, err := a.Lifecycle.ListByUser(cmd.Context(), user)
	if err != nil {
		return domainExit("list jobs", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		if jobs == nil {
			jobs = []job.AnnotationJob{}
		}
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tFILE\tSUBMITTED\tRESTORE TIER")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			j.JobID, j.Status, j.InputFileName, j.SubmitTime.Local().Format(time.DateTime), j.RestoreTier)
	}
	return w.Flush()
}

func printJob(cmd *cobra.Command, j *job.AnnotationJob) error {
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return printJSON(j)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			_, _ = fmt.Fprintf(w, "%s:\t%s\n", k, v)
		}
	}
	row("Job ID", j.JobID)
	row("User", j.UserID)
	row("Status", string(j.Status))
	row("Input", j.InputKey)
	row("File", j.InputFileName)
	row("Result", j.ResultKey)
	row("Log", j.LogKey)
	row("Submitted", j.SubmitTime.Local().Format(time.RFC3339))
	if j.CompleteTime != nil {
		row("Completed", j.CompleteTime.Local().Format(time.RFC3339))
	}
	row("Archive ID", j.ArchiveID)
	row("Thaw job", j.ThawJobID)
	if j.RestoreTier != job.RestoreTierNone {
		row("Restore tier", string(j.RestoreTier))
	}
	return w.Flush()
}
