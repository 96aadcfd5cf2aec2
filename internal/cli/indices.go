package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/raphaelgruber/ingestd/internal/client"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/spf13/cobra"
)

var (
	indicesStore       string
	indicesStoreConfig map[string]string
	indicesYes         bool
)

var indicesCmd = &cobra.Command{
	Use:   "indices",
	Short: "List the indexes of a vector store",
	Long: `List the indexes a vector store holds with their vector dimension.

Examples:
  ingestctl indices
  ingestctl indices --store surrealdb
  ingestctl indices --store pgvector --store-set connection_string=postgres://localhost/vectors`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.ListIndexes(cmd.Context(), indexQuery())
		if err != nil {
			return apiError("list indexes", err)
		}
		out := cmd.OutOrStdout()
		if len(resp.Indices) == 0 {
			fmt.Fprintf(out, "No indexes in %s\n", resp.VectorStore)
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tDIMENSION")
		for _, idx := range resp.Indices {
			fmt.Fprintf(w, "%s\t%d\n", idx.Name, idx.Dimension)
		}
		return w.Flush()
	},
}

var indicesDeleteCmd = &cobra.Command{
	Use:   "delete <index>...",
	Short: "Drop indexes and everything stored in them",
	Long: `Drop indexes from a vector store. This removes every stored vector and
cannot be undone, so --yes is required.

Examples:
  ingestctl indices delete docs --yes
  ingestctl indices delete docs --store pgvector --store-set connection_string=postgres://localhost/vectors --yes`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !indicesYes {
			return NewInputError("Refusing to delete without confirmation", "", "Pass --yes to drop the indexes")
		}
		q := indexQuery()
		for _, name := range args {
			if err := apiClient.DeleteIndex(cmd.Context(), name, q); err != nil {
				return apiError("delete index "+name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted index %s\n", name)
		}
		return nil
	},
}

func indexQuery() client.IndexQuery {
	return client.IndexQuery{VectorStore: indicesStore, Config: indicesStoreConfig}
}

var (
	testConnFile   string
	testConnConfig map[string]string
)

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection <plugin>",
	Short: "Check that a source connector can reach its source",
	Long: `Ask the server to connect with the given connector settings without
starting a job. Settings come from a YAML or JSON file holding the config
object and from --set flags, which win.

Examples:
  ingestctl test-connection local_file --set path=./docs
  ingestctl test-connection s3 --set bucket_name=reports --set region_name=eu-west-1
  ingestctl test-connection sql -f sql-config.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := map[string]any{}
		if testConnFile != "" {
			if err := readYAMLFile(testConnFile, &cfg); err != nil {
				return err
			}
		}
		cfg = mergeSettings(cfg, testConnConfig)

		resp, err := apiClient.TestConnection(cmd.Context(), args[0], cfg)
		if err != nil {
			return apiError("test connection", err)
		}
		if !resp.Success {
			return &UserError{
				Message:  fmt.Sprintf("Connection test for %s failed", args[0]),
				Cause:    fmt.Sprintf("%s: %s", resp.Kind, resp.Error),
				Fix:      "Check the settings with: ingestctl schema " + args[0],
				ExitCode: ExitNetwork,
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Connection to %s succeeded\n", color.GreenString("✓"), args[0])
		return nil
	},
}

var schemaStore bool

var schemaCmd = &cobra.Command{
	Use:   "schema <id>",
	Short: "Show the settings a connector or vector store accepts",
	Long: `Print the configuration fields of a source connector, or of a vector
store with --store.

Examples:
  ingestctl schema s3
  ingestctl schema pgvector --store`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			schema *models.ConfigSchema
			err    error
		)
		if schemaStore {
			schema, err = apiClient.VectorStoreSchema(cmd.Context(), args[0])
		} else {
			schema, err = apiClient.PluginSchema(cmd.Context(), args[0])
		}
		if err != nil {
			return apiError("get schema", err)
		}
		return printSchema(cmd.OutOrStdout(), schema)
	},
}

func printSchema(out io.Writer, schema *models.ConfigSchema) error {
	if len(schema.Properties) == 0 {
		fmt.Fprintln(out, "No settings")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tTYPE\tREQUIRED\tDEFAULT\tDESCRIPTION")
	for _, name := range slices.Sorted(maps.Keys(schema.Properties)) {
		p := schema.Properties[name]
		required := ""
		if slices.Contains(schema.Required, name) {
			required = "yes"
		}
		def := ""
		if p.Default != nil {
			def = fmt.Sprint(p.Default)
		}
		typ := p.Type
		if p.Items != nil {
			typ += "[" + p.Items.Type + "]"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, typ, required, def, p.Description)
	}
	return w.Flush()
}

func init() {
	for _, c := range []*cobra.Command{indicesCmd, indicesDeleteCmd} {
		c.Flags().StringVar(&indicesStore, "store", "", "vector store id (default memory)")
		c.Flags().StringToStringVar(&indicesStoreConfig, "store-set", nil, "vector store setting key=value (repeatable)")
	}
	indicesDeleteCmd.Flags().BoolVar(&indicesYes, "yes", false, "confirm dropping the indexes")
	indicesCmd.AddCommand(indicesDeleteCmd)

	testConnectionCmd.Flags().StringVarP(&testConnFile, "file", "f", "", "connector config file (YAML or JSON)")
	testConnectionCmd.Flags().StringToStringVar(&testConnConfig, "set", nil, "connector setting key=value (repeatable)")

	schemaCmd.Flags().BoolVar(&schemaStore, "store", false, "show a vector store's settings")

	rootCmd.AddCommand(indicesCmd, testConnectionCmd, schemaCmd)
}
