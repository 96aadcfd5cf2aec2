package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var (
	submitFile         string
	submitPlugin       string
	submitConfig       map[string]string
	submitStore        string
	submitStoreConfig  map[string]string
	submitIndex        string
	submitProvider     string
	submitModel        string
	submitStrategy     string
	submitChunkSize    int
	submitChunkOverlap int
	submitMode         string
	submitWorkers      int
	submitSkipFailed   bool
	submitWait         bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an ingestion job",
	Long: `Submit an ingestion job, either from a request file or from flags.
Flags override the values of the request file.

Examples:
  ingestctl submit -f request.yaml
  ingestctl submit --plugin local_file --set path=./docs --set recursive=true --index docs
  ingestctl submit --plugin s3 --set bucket_name=reports --mode parallel --workers 8 --wait
  ingestctl submit -f request.yaml --store pgvector --store-set connection_string=postgres://localhost/vectors`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVarP(&submitFile, "file", "f", "", "request file (YAML or JSON)")
	f.StringVar(&submitPlugin, "plugin", "", "source connector id")
	f.StringToStringVar(&submitConfig, "set", nil, "connector setting key=value (repeatable)")
	f.StringVar(&submitStore, "store", "", "vector store id (default memory)")
	f.StringToStringVar(&submitStoreConfig, "store-set", nil, "vector store setting key=value (repeatable)")
	f.StringVar(&submitIndex, "index", "", "target index name")
	f.StringVar(&submitProvider, "provider", "", "embedding provider")
	f.StringVar(&submitModel, "model", "", "embedding model")
	f.StringVar(&submitStrategy, "strategy", "", "chunk strategy: recursive, character or token")
	f.IntVar(&submitChunkSize, "chunk-size", 0, "chunk size")
	f.IntVar(&submitChunkOverlap, "chunk-overlap", 0, "chunk overlap")
	f.StringVar(&submitMode, "mode", "", "execution mode: sequential or parallel")
	f.IntVar(&submitWorkers, "workers", 0, "worker count for parallel mode")
	f.BoolVar(&submitSkipFailed, "skip-failed", false, "skip failing documents instead of failing the job")
	f.BoolVar(&submitWait, "wait", false, "follow the job until it finishes")

	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(cmd)
	if err != nil {
		return err
	}
	if req.PluginID == "" {
		return NewInputError("No source connector given", "", "Pass --plugin or a request file with plugin_id")
	}

	ctx := cmd.Context()
	resp, err := apiClient.Submit(ctx, req)
	if err != nil {
		return apiError("submit job", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s submitted (%s)\n", resp.JobID, resp.Status)
	if !submitWait {
		fmt.Fprintf(out, "Follow it with: ingestctl watch %s\n", resp.JobID)
		return nil
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		return RunJobProgress(apiClient, resp.JobID)
	}
	return pollJob(ctx, cmd, resp.JobID)
}

// buildRequest reads the request file, if any, and applies flag overrides.
func buildRequest(cmd *cobra.Command) (models.JobRequest, error) {
	var req models.JobRequest
	if submitFile != "" {
		if err := readYAMLFile(submitFile, &req); err != nil {
			return req, err
		}
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("plugin", func() { req.PluginID = submitPlugin })
	set("set", func() { req.Config = mergeSettings(req.Config, submitConfig) })
	set("store", func() { req.VectorStore = submitStore })
	set("store-set", func() { req.VectorStoreConfig = mergeSettings(req.VectorStoreConfig, submitStoreConfig) })
	set("index", func() { req.IndexName = submitIndex })
	set("provider", func() { req.EmbeddingProvider = submitProvider })
	set("model", func() { req.EmbeddingModel = submitModel })
	set("strategy", func() { req.ChunkSettings.Strategy = models.ChunkStrategy(submitStrategy) })
	set("chunk-size", func() { req.ChunkSettings.ChunkSize = submitChunkSize })
	set("chunk-overlap", func() { req.ChunkSettings.ChunkOverlap = submitChunkOverlap })
	set("mode", func() { req.ExecutionMode = models.ExecutionMode(submitMode) })
	set("workers", func() { req.MaxWorkers = submitWorkers })
	set("skip-failed", func() {
		if submitSkipFailed {
			req.FailurePolicy = models.SkipFailed
		} else {
			req.FailurePolicy = models.FailFast
		}
	})
	return req, nil
}

// readYAMLFile decodes a YAML or JSON file passed with -f into out.
func readYAMLFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &UserError{
			Message:  "Cannot read " + path,
			Cause:    err.Error(),
			Fix:      "Check the path passed to -f",
			ExitCode: ExitInput,
			Err:      err,
		}
	}
	// YAML is a superset of JSON, so this reads both.
	if err := yaml.Unmarshal(data, out); err != nil {
		return NewInputError("Cannot parse "+path, err.Error(), "The file must be YAML or JSON")
	}
	return nil
}

// mergeSettings adds key=value flags to cfg. Values are read as YAML
// scalars, so "true" and "3" arrive as bool and int.
func mergeSettings(cfg map[string]any, kv map[string]string) map[string]any {
	if cfg == nil {
		cfg = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		var parsed any
		if err := yaml.Unmarshal([]byte(v), &parsed); err != nil || parsed == nil {
			parsed = v
		}
		switch parsed.(type) {
		case map[string]any, []any:
			parsed = v
		}
		cfg[k] = parsed
	}
	return cfg
}

// pollJob prints progress lines until the job finishes. Used when stdout is
// not a terminal.
func pollJob(ctx context.Context, cmd *cobra.Command, id string) error {
	out := cmd.OutOrStdout()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last string
	for {
		job, err := apiClient.GetJob(ctx, id)
		if err != nil {
			return apiError("fetch job", err)
		}
		line := fmt.Sprintf("[%s] %s", job.Status, progressCounts(job))
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if job.Status.Terminal() {
			return jobOutcome(job)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// jobOutcome converts a failed job into an error.
func jobOutcome(job *models.Job) error {
	if job.Status != models.JobStatusFailed {
		return nil
	}
	ue := &UserError{Message: fmt.Sprintf("Job %s failed", job.ID), ExitCode: ExitInternal}
	if job.Error != nil {
		ue.Cause = fmt.Sprintf("%s: %s", job.Error.Kind, job.Error.Message)
		if job.Error.Document != "" {
			ue.Cause += " (" + job.Error.Document + ")"
		}
		ue.Fix = "Fix the cause, then run: ingestctl retry " + job.ID
	}
	return ue
}

func progressCounts(job *models.Job) string {
	s := fmt.Sprintf("%d documents, %d chunks", job.DocumentsProcessed, job.ChunksCreated)
	if job.TotalDocuments != nil {
		s = fmt.Sprintf("%d/%d documents, %d chunks", job.DocumentsProcessed, *job.TotalDocuments, job.ChunksCreated)
	}
	if job.DocumentsSkipped > 0 {
		s += fmt.Sprintf(", %d skipped", job.DocumentsSkipped)
	}
	return s
}
