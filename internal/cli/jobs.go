package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/raphaelgruber/ingestd/internal/client"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/spf13/cobra"
)

var (
	jobsStatus string
	jobsStuck  bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect ingestion jobs",
	Long: `List all ingestion jobs, newest first, or inspect a specific job by ID.

Examples:
  ingestctl jobs                  # List all jobs
  ingestctl jobs --status failed  # Only failed jobs
  ingestctl jobs --stuck          # Running jobs without recent progress
  ingestctl jobs ab12cd34         # Show details for job ab12cd34`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status: pending, running, completed, failed")
	jobsCmd.Flags().BoolVar(&jobsStuck, "stuck", false, "only running jobs that look stuck")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		return showJob(ctx, out, args[0])
	}
	return listJobs(ctx, out)
}

func listJobs(ctx context.Context, out io.Writer) error {
	jobs, err := apiClient.ListJobs(ctx, client.ListJobsOptions{
		Status: models.JobStatus(jobsStatus),
		Stuck:  jobsStuck,
	})
	if err != nil {
		return apiError("list jobs", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSTORE\tINDEX\tSTATUS\tPROGRESS\tCREATED")
	for _, job := range jobs {
		status := string(job.Status)
		if job.PossiblyStuck {
			status += " (stuck?)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.DataSourceID, job.VectorStoreID, job.IndexName, status,
			progressCounts(&job), job.CreatedAt.Local().Format("01-02 15:04:05"))
	}
	return w.Flush()
}

func showJob(ctx context.Context, out io.Writer, id string) error {
	job, err := apiClient.GetJob(ctx, id)
	if err != nil {
		return apiError("get job", err)
	}
	printJob(out, job)
	return nil
}

func printJob(out io.Writer, job *models.Job) {
	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "  Status: %s\n", job.Status)
	if job.PossiblyStuck {
		fmt.Fprintln(out, "  Warning: no progress recently, the job may be stuck")
	}
	fmt.Fprintf(out, "  Source: %s\n", job.DataSourceID)
	fmt.Fprintf(out, "  Target: %s/%s\n", job.VectorStoreID, job.IndexName)
	fmt.Fprintf(out, "  Mode: %s", job.Config.ExecutionMode)
	if job.Config.ExecutionMode == models.ExecutionParallel {
		fmt.Fprintf(out, " (%d workers)", job.Config.MaxWorkers)
	}
	fmt.Fprintln(out)
	if job.RetriedFrom != "" {
		fmt.Fprintf(out, "  Retry of: %s\n", job.RetriedFrom)
	}
	fmt.Fprintf(out, "  Progress: %s\n", progressCounts(job))

	fmt.Fprintf(out, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(out, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Fprintf(out, "  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
		}
	}
	if job.AvgDocsPerSecond != nil && job.AvgChunksPerSecond != nil {
		fmt.Fprintf(out, "  Rate: %.2f docs/s, %.2f chunks/s\n", *job.AvgDocsPerSecond, *job.AvgChunksPerSecond)
	}

	if e := job.Error; e != nil {
		fmt.Fprintf(out, "  Error: %s: %s\n", e.Kind, e.Message)
		if e.Stage != "" {
			fmt.Fprintf(out, "    Stage: %s\n", e.Stage)
		}
		if e.Document != "" {
			fmt.Fprintf(out, "    Document: %s\n", e.Document)
		}
	}
}
