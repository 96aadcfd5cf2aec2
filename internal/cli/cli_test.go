package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/ingestd/internal/client"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/server"
	"github.com/raphaelgruber/ingestd/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestMergeSettings(t *testing.T) {
	got := mergeSettings(map[string]any{"path": "./old", "keep": 1}, map[string]string{
		"path":       "./docs",
		"recursive":  "true",
		"max_depth":  "3",
		"extensions": "[md, txt]",
		"empty":      "",
	})

	assert.Equal(t, map[string]any{
		"path":       "./docs",
		"keep":       1,
		"recursive":  true,
		"max_depth":  3,
		"extensions": "[md, txt]",
		"empty":      "",
	}, got)

	assert.Equal(t, map[string]any{"bucket_name": "reports"},
		mergeSettings(nil, map[string]string{"bucket_name": "reports"}))
}

func TestAPIErrorExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"network", errors.New("execute request: connection refused"), ExitNetwork},
		{"validation", &client.APIError{Status: 400, Kind: ingesterr.KindValidation}, ExitInput},
		{"invalid state", &client.APIError{Status: 409, Kind: ingesterr.KindInvalidState}, ExitInput},
		{"not found", &client.APIError{Status: 404, Kind: ingesterr.KindNotFound}, ExitNotFound},
		{"auth", &client.APIError{Status: 401, Kind: ingesterr.KindAuth}, ExitConfig},
		{"upstream", &client.APIError{Status: 502, Kind: ingesterr.KindProviderUnavailable}, ExitNetwork},
		{"unknown", &client.APIError{Status: 500, Kind: ingesterr.KindInternal}, ExitInternal},
		{"user error passes through", NewInputError("bad", "", ""), ExitInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(apiError("do it", tt.err)))
		})
	}

	assert.Nil(t, apiError("do it", nil))
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(errors.New("unknown flag")))
}

func TestUserErrorFormat(t *testing.T) {
	ue := &UserError{Message: "Cannot get job", Cause: "job x not found", Fix: "List jobs with: ingestctl jobs"}
	out := ue.Format()

	assert.Contains(t, out, "Cannot get job")
	assert.Contains(t, out, "job x not found")
	assert.Contains(t, out, "List jobs with: ingestctl jobs")
	assert.Equal(t, out, FormatError(ue))
}

func TestJobOutcome(t *testing.T) {
	assert.NoError(t, jobOutcome(&models.Job{ID: "a", Status: models.JobStatusCompleted}))

	err := jobOutcome(&models.Job{
		ID:     "b",
		Status: models.JobStatusFailed,
		Error: &models.JobError{
			Kind:     ingesterr.KindSchemaMismatch,
			Message:  "index docs has dimension 768",
			Document: "notes.md",
		},
	})
	require.Error(t, err)
	assert.Equal(t, ExitInternal, ExitCode(err))

	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "SchemaMismatch: index docs has dimension 768 (notes.md)", ue.Cause)
	assert.Contains(t, ue.Fix, "ingestctl retry b")
}

func TestProgressCounts(t *testing.T) {
	total := 10
	tests := []struct {
		name string
		job  models.Job
		want string
	}{
		{"unknown total", models.Job{DocumentsProcessed: 2, ChunksCreated: 7}, "2 documents, 7 chunks"},
		{"known total", models.Job{DocumentsProcessed: 4, ChunksCreated: 9, TotalDocuments: &total}, "4/10 documents, 9 chunks"},
		{"skipped", models.Job{DocumentsProcessed: 1, DocumentsSkipped: 2}, "1 documents, 0 chunks, 2 skipped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, progressCounts(&tt.job))
		})
	}
}

func TestSubmitCommand(t *testing.T) {
	var got models.JobRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ingest", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, server.SubmitResponse{JobID: "ab12cd34", Status: models.JobStatusPending})
	}))
	defer ts.Close()

	file := filepath.Join(t.TempDir(), "request.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`plugin_id: local_file
config:
  path: ./docs
index_name: from-file
chunk_settings:
  chunk_size: 500
  chunk_overlap: 50
`), 0o644))

	out, err := execute(t, "--server", ts.URL, "submit", "-f", file,
		"--index", "from-flag", "--set", "recursive=true", "--workers", "4", "--skip-failed")
	require.NoError(t, err)

	assert.Contains(t, out, "Job ab12cd34 submitted (pending)")
	assert.Contains(t, out, "ingestctl watch ab12cd34")

	assert.Equal(t, "local_file", got.PluginID)
	assert.Equal(t, "from-flag", got.IndexName)
	assert.Equal(t, map[string]any{"path": "./docs", "recursive": true}, got.Config)
	assert.Equal(t, 500, got.ChunkSettings.ChunkSize)
	assert.Equal(t, 50, got.ChunkSettings.ChunkOverlap)
	assert.Equal(t, 4, got.MaxWorkers)
	assert.Equal(t, models.SkipFailed, got.FailurePolicy)
}

func TestJobsCommand(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/jobs":
			writeJSON(w, http.StatusOK, []models.Job{{
				ID:                 "ab12cd34",
				Status:             models.JobStatusRunning,
				DataSourceID:       "local_file",
				VectorStoreID:      "memory",
				IndexName:          "docs",
				DocumentsProcessed: 3,
				ChunksCreated:      12,
				PossiblyStuck:      true,
				CreatedAt:          created,
			}})
		default:
			writeJSON(w, http.StatusNotFound, server.ErrorResponse{Error: server.ErrorDetail{
				Kind: ingesterr.KindNotFound, Message: "job nope not found",
			}})
		}
	}))
	defer ts.Close()

	out, err := execute(t, "--server", ts.URL, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "ab12cd34")
	assert.Contains(t, out, "running (stuck?)")
	assert.Contains(t, out, "3 documents, 12 chunks")

	_, err = execute(t, "--server", ts.URL, "jobs", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, ExitCode(err))
	assert.Contains(t, FormatError(err), "job nope not found")
}

func TestChunkCommand(t *testing.T) {
	dir := t.TempDir()

	t.Run("character windows", func(t *testing.T) {
		file := filepath.Join(dir, "notes.txt")
		require.NoError(t, os.WriteFile(file, []byte("aaaaaaaaaabbbbbbbbbb"), 0o644))

		out, err := execute(t, "chunk", file, "--strategy", "character",
			"--chunk-size", "10", "--chunk-overlap", "0", "--full", "--json=false")
		require.NoError(t, err)

		assert.Contains(t, out, "2 chunks (character, size 10, overlap 0 chars)")
		assert.Contains(t, out, "#0 [0:10] 10 chars\naaaaaaaaaa\n")
		assert.Contains(t, out, "#1 [10:20] 10 chars\nbbbbbbbbbb\n")
	})

	t.Run("markdown front matter is stripped", func(t *testing.T) {
		file := filepath.Join(dir, "page.md")
		require.NoError(t, os.WriteFile(file, []byte("---\nauthor: kim\n---\n## Usage\nSome body text.\n"), 0o644))

		out, err := execute(t, "chunk", file, "--strategy", "recursive",
			"--chunk-size", "100", "--chunk-overlap", "0", "--json")
		require.NoError(t, err)

		var chunks []models.Chunk
		require.NoError(t, json.Unmarshal([]byte(out), &chunks))
		require.Len(t, chunks, 1)
		assert.NotContains(t, chunks[0].Text, "author:")
		assert.Contains(t, chunks[0].Text, "Some body text.")
		assert.Equal(t, "kim", chunks[0].Metadata["author"])
		assert.Equal(t, []any{"## Usage"}, chunks[0].Metadata["headings"])
		assert.Equal(t, file, chunks[0].Metadata["source"])
	})

	t.Run("invalid settings", func(t *testing.T) {
		file := filepath.Join(dir, "notes.txt")
		_, err := execute(t, "chunk", file, "--strategy", "character",
			"--chunk-size", "10", "--chunk-overlap", "10", "--json=false")
		require.Error(t, err)
		assert.Equal(t, ExitInput, ExitCode(err))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "chunk", filepath.Join(dir, "missing.txt"))
		require.Error(t, err)
		assert.Equal(t, ExitInput, ExitCode(err))
	})
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short text", preview("short\n\n  text", 20))
	assert.Equal(t, "abcdefg...", preview("abcdefghijklmnop", 10))
}

func TestPrintLogEntry(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	printLogEntry(&buf, models.LogEntry{Timestamp: ts, Level: "INFO", Message: "ingestion started", JobID: "ab12cd34"})
	printLogEntry(&buf, models.LogEntry{Timestamp: ts, Level: "WARN", Message: "server ready"})

	out := buf.String()
	assert.Contains(t, out, "12:00:00.000")
	assert.Contains(t, out, "[ab12cd34] ingestion started")
	assert.Contains(t, out, "server ready")
}

func TestIndicesCommands(t *testing.T) {
	var deleted []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pgvector", r.URL.Query().Get("vector_store"))
		assert.Equal(t, "postgres://db/rag", r.URL.Query().Get("connection_string"))
		switch {
		case r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, server.IndicesResponse{
				VectorStore: "pgvector",
				Indices:     []sink.IndexInfo{{Name: "docs", Dimension: 384}, {Name: "faq", Dimension: 768}},
			})
		case r.URL.Path == "/api/indices/docs":
			deleted = append(deleted, "docs")
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, http.StatusNotFound, server.ErrorResponse{Error: server.ErrorDetail{
				Kind: ingesterr.KindNotFound, Message: "index missing does not exist",
			}})
		}
	}))
	defer ts.Close()
	store := []string{"--store", "pgvector", "--store-set", "connection_string=postgres://db/rag"}

	out, err := execute(t, append([]string{"--server", ts.URL, "indices"}, store...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "docs")
	assert.Contains(t, out, "768")

	_, err = execute(t, append([]string{"--server", ts.URL, "indices", "delete", "docs"}, store...)...)
	require.Error(t, err)
	assert.Equal(t, ExitInput, ExitCode(err))
	assert.Empty(t, deleted, "nothing is dropped without --yes")

	out, err = execute(t, append([]string{"--server", ts.URL, "indices", "delete", "docs", "--yes"}, store...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted index docs")
	assert.Equal(t, []string{"docs"}, deleted)

	_, err = execute(t, append([]string{"--server", ts.URL, "indices", "delete", "missing", "--yes"}, store...)...)
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

func TestTestConnectionCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req server.TestConnectionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Config["bucket_name"] == "reports" {
			writeJSON(w, http.StatusOK, server.TestConnectionResponse{Success: true})
			return
		}
		writeJSON(w, http.StatusOK, server.TestConnectionResponse{Kind: ingesterr.KindNotFound, Error: "bucket missing"})
	}))
	defer ts.Close()

	dir := t.TempDir()
	file := filepath.Join(dir, "s3.yaml")
	require.NoError(t, os.WriteFile(file, []byte("bucket_name: reports\nregion_name: eu-west-1\n"), 0o644))

	out, err := execute(t, "--server", ts.URL, "test-connection", "s3", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Connection to s3 succeeded")

	_, err = execute(t, "--server", ts.URL, "test-connection", "s3", "-f", file, "--set", "bucket_name=missing")
	require.Error(t, err)
	assert.Equal(t, ExitNetwork, ExitCode(err))
	assert.Contains(t, FormatError(err), "bucket missing")
}

func TestPrintSchema(t *testing.T) {
	var buf bytes.Buffer
	schema := models.NewConfigSchema(map[string]models.SchemaProperty{
		"query":            {Type: "string", Description: "SELECT returning one document per row"},
		"content_column":   {Type: "string", Default: "content"},
		"metadata_columns": {Type: "array", Items: &models.SchemaProperty{Type: "string"}},
	}, []string{"query"})
	require.NoError(t, printSchema(&buf, &schema))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "content_column")
	assert.Contains(t, lines[1], "content")
	assert.Contains(t, lines[2], "array[string]")
	assert.Contains(t, lines[3], "yes")

	buf.Reset()
	empty := models.NewConfigSchema(nil, nil)
	require.NoError(t, printSchema(&buf, &empty))
	assert.Equal(t, "No settings\n", buf.String())
}
