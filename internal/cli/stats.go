package cli

import (
	"fmt"
	"io"

	"github.com/raphaelgruber/ingestd/internal/metrics"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/server"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Long: `Show job counts and per-stage timings since the server started.

Examples:
  ingestctl stats`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient.Stats(cmd.Context())
		if err != nil {
			return apiError("get server stats", err)
		}
		printServerStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

// printServerStats displays server runtime statistics.
func printServerStats(out io.Writer, stats *server.StatsResponse) {
	fmt.Fprintf(out, "Server Statistics (in-memory, since restart)\n")
	fmt.Fprintf(out, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(out, "Uptime: %.1f seconds\n", stats.Stages.UptimeSeconds)

	fmt.Fprintf(out, "\nJobs: %d total", stats.Jobs.Total)
	if stats.Jobs.Stuck > 0 {
		fmt.Fprintf(out, ", %d possibly stuck", stats.Jobs.Stuck)
	}
	fmt.Fprintln(out)
	for _, status := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusFailed,
	} {
		if n := stats.Jobs.ByStatus[status]; n > 0 {
			fmt.Fprintf(out, "  %-10s %d\n", status, n)
		}
	}

	stages := []struct {
		name string
		op   *metrics.OperationSnapshot
	}{
		{"Source fetch", stats.Stages.SourceFetch},
		{"Chunking", stats.Stages.Chunk},
		{"Embedding", stats.Stages.Embed},
		{"Sink upsert", stats.Stages.SinkUpsert},
		{"Assistant", stats.Stages.Assistant},
	}
	for _, s := range stages {
		if s.op == nil {
			continue
		}
		fmt.Fprintf(out, "\n%s:\n", s.name)
		printOpStats(out, s.op)
		printTokenStats(out, s.op)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(out io.Writer, op *metrics.OperationSnapshot) {
	fmt.Fprintf(out, "  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Fprintf(out, "  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

// printTokenStats displays token statistics if available.
func printTokenStats(out io.Writer, op *metrics.OperationSnapshot) {
	if op.TotalInputTokens == nil || op.TotalOutputTokens == nil {
		return
	}
	fmt.Fprintf(out, "  Tokens In:  %d total", *op.TotalInputTokens)
	if op.AvgInputTokens != nil {
		fmt.Fprintf(out, ", avg %.0f", *op.AvgInputTokens)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "  Tokens Out: %d total", *op.TotalOutputTokens)
	if op.AvgOutputTokens != nil {
		fmt.Fprintf(out, ", avg %.0f", *op.AvgOutputTokens)
	}
	fmt.Fprintln(out)
}
