package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/spf13/cobra"
)

var (
	logsReplay int
	logsJob    string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Follow the server log stream",
	Long: `Stream engine log lines live from the server. Recent lines are replayed
first. Stop with Ctrl+C.

Examples:
  ingestctl logs
  ingestctl logs --replay 50
  ingestctl logs --job ab12cd34`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntVar(&logsReplay, "replay", 20, "recent lines to show first")
	logsCmd.Flags().StringVar(&logsJob, "job", "", "only lines of this job")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	err := apiClient.StreamLogs(ctx, logsReplay, func(e models.LogEntry) error {
		if logsJob != "" && e.JobID != logsJob {
			return nil
		}
		printLogEntry(out, e)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return apiError("stream logs", err)
	}
	return nil
}

func printLogEntry(out io.Writer, e models.LogEntry) {
	level := e.Level
	switch level {
	case "ERROR":
		level = color.RedString("%-5s", level)
	case "WARN":
		level = color.YellowString("%-5s", level)
	case "DEBUG":
		level = color.New(color.Faint).Sprintf("%-5s", level)
	default:
		level = color.CyanString("%-5s", level)
	}

	ts := e.Timestamp.Local().Format("15:04:05.000")
	if e.JobID != "" {
		fmt.Fprintf(out, "%s %s [%s] %s\n", ts, level, e.JobID, e.Message)
		return
	}
	fmt.Fprintf(out, "%s %s %s\n", ts, level, e.Message)
}
