package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Long: `Ask a job to stop. Documents already being processed finish first,
then the job is marked failed with kind Cancelled.

Examples:
  ingestctl cancel ab12cd34`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.CancelJob(cmd.Context(), args[0])
		if err != nil {
			return apiError("cancel job", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s (%s, %s)\n",
			job.ID, job.Status, progressCounts(job))
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Resubmit a finished job",
	Long: `Create a new job with the configuration of a completed or failed job.
The original job is kept.

Examples:
  ingestctl retry ab12cd34
  ingestctl retry ab12cd34 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.RetryJob(cmd.Context(), args[0])
		if err != nil {
			return apiError("retry job", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s submitted as retry of %s\n", resp.JobID, args[0])
		if retryWait {
			return pollJob(cmd.Context(), cmd, resp.JobID)
		}
		return nil
	},
}

var retryWait bool

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>...",
	Short: "Delete finished jobs",
	Long: `Remove completed or failed jobs from the registry. Running jobs must be
cancelled first.

Examples:
  ingestctl delete ab12cd34
  ingestctl delete ab12cd34 ef56ab78`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := apiClient.DeleteJob(cmd.Context(), id); err != nil {
				return apiError("delete job "+id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", id)
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().BoolVar(&retryWait, "wait", false, "follow the new job until it finishes")
	rootCmd.AddCommand(cancelCmd, retryCmd, deleteCmd)
}
