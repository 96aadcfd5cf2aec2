// Package cli provides the command-line interface for ingestd.
package cli

import (
	"github.com/fatih/color"
	"github.com/raphaelgruber/ingestd/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	token     string
	noColor   bool

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ingestctl",
	Short: "Control an ingestd ingestion server",
	Long: `ingestctl submits ingestion jobs to an ingestd server and follows them.

A job reads documents from a source connector, splits them into chunks,
embeds the chunks and writes the vectors into a vector store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
		apiClient = client.New(serverURL)
		if token != "" {
			apiClient.WithToken(token)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ingestd URL (default $INGEST_SERVER_URL or http://localhost:8484)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default $INGEST_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}
