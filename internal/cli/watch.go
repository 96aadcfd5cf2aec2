package cli

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Long: `Show a live progress bar for a job. Without a terminal, prints a line
whenever the counters change.

Examples:
  ingestctl watch ab12cd34`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return RunJobProgress(apiClient, args[0])
		}
		return pollJob(cmd.Context(), cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
