package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var suggestCmd = &cobra.Command{
	Use:   "suggest <description>",
	Short: "Suggest a connector configuration",
	Long: `Describe where your data lives and get a connector configuration back.
The output is a request fragment you can put into a request file.

Examples:
  ingestctl suggest "PDF reports in the s3 bucket acme-reports under 2024/"
  ingestctl suggest "crawl https://docs.example.com two levels deep"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := apiClient.Suggest(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return apiError("get suggestion", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s (via %s)\n", s.Explanation, s.Origin)
		return yaml.NewEncoder(out).Encode(map[string]any{
			"plugin_id": s.PluginID,
			"config":    s.Config,
		})
	},
}

func init() {
	rootCmd.AddCommand(suggestCmd)
}
