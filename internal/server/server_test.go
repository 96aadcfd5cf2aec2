package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raphaelgruber/ingestd/internal/db"
	"github.com/raphaelgruber/ingestd/internal/embedding"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/logbus"
	"github.com/raphaelgruber/ingestd/internal/metrics"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/server"
	"github.com/raphaelgruber/ingestd/internal/service"
	"github.com/raphaelgruber/ingestd/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	handler http.Handler
	bus     *logbus.Bus
	jobs    *service.JobManager
	memory  *sink.Memory
}

func newTestAPI(t *testing.T, opts server.Options) *testAPI {
	t.Helper()
	collector := metrics.NewCollector().WithPrometheus(metrics.NewInstruments(prometheus.NewRegistry()))
	sinks := sink.NewFactory(nil, db.Config{})
	plugins := service.NewPlugins(embedding.Config{Provider: embedding.ProviderMock}, sinks)
	exec := service.NewExecutor(service.ExecutorConfig{
		BatchSize:   4,
		CallTimeout: 5 * time.Second,
		Retry:       service.RetryConfig{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond},
	}, collector)
	jobs := service.NewJobManager(service.DefaultManagerConfig(), plugins, exec, nil, collector)
	bus := logbus.New(50, 10)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
		bus.Close()
	})

	srv := server.New(opts, server.Deps{
		Jobs:    jobs,
		Sinks:   sinks,
		Bus:     bus,
		Metrics: collector,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &testAPI{handler: srv.Handler(), bus: bus, jobs: jobs, memory: sinks.Memory}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func staticRequest(texts ...string) map[string]any {
	docs := make([]map[string]any, len(texts))
	for i, text := range texts {
		docs[i] = map[string]any{"text": text}
	}
	return map[string]any{
		"plugin_id":          "static",
		"config":             map[string]any{"documents": docs},
		"chunk_settings":     map[string]any{"strategy": "character", "chunk_size": 100, "chunk_overlap": 10},
		"vector_store":       "memory",
		"index_name":         "api_test",
		"embedding_provider": "mock",
	}
}

func (a *testAPI) submitAndWait(t *testing.T) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/ingest", staticRequest("first document", "second document"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[server.SubmitResponse](t, rec)
	require.NotEmpty(t, resp.JobID)

	require.Eventually(t, func() bool {
		job, err := a.jobs.GetJob(resp.JobID)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return resp.JobID
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	rec := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestSubmitAndGetJob(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	id := api.submitAndWait(t)

	rec := api.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[models.Job](t, rec)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, int64(2), job.DocumentsProcessed)
	assert.Equal(t, "static", job.DataSourceID)
	assert.Equal(t, "api_test", job.IndexName)
}

func TestSubmitValidation(t *testing.T) {
	api := newTestAPI(t, server.Options{})

	tests := []struct {
		name string
		body any
	}{
		{"unknown plugin", map[string]any{"plugin_id": "ftp", "embedding_provider": "mock"}},
		{"bad mode", map[string]any{"plugin_id": "static", "execution_mode": "turbo", "embedding_provider": "mock"}},
		{"overlap too large", map[string]any{
			"plugin_id":          "static",
			"config":             map[string]any{"documents": []any{}},
			"chunk_settings":     map[string]any{"chunk_size": 10, "chunk_overlap": 10},
			"embedding_provider": "mock",
		}},
		{"pgvector without connection string", func() map[string]any {
			req := staticRequest("text")
			req["vector_store"] = "pgvector"
			return req
		}()},
		{"not an object", []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/ingest", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[server.ErrorResponse](t, rec)
			assert.Equal(t, ingesterr.KindValidation, resp.Error.Kind)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
	assert.Empty(t, api.jobs.ListJobs(service.ListFilter{}))
}

func TestJobLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	id := api.submitAndWait(t)

	t.Run("cancel terminal job conflicts", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		resp := decode[server.ErrorResponse](t, rec)
		assert.Equal(t, ingesterr.KindInvalidState, resp.Error.Kind)
		assert.Contains(t, resp.Error.Message, "already completed")
	})

	t.Run("retry creates a new job", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/jobs/"+id+"/retry", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
		resp := decode[server.SubmitResponse](t, rec)
		assert.NotEqual(t, id, resp.JobID)

		job, err := api.jobs.GetJob(resp.JobID)
		require.NoError(t, err)
		assert.Equal(t, id, job.RetriedFrom)
	})

	t.Run("list newest first", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/jobs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		jobs := decode[[]models.Job](t, rec)
		require.Len(t, jobs, 2)
		assert.Equal(t, id, jobs[1].ID)
	})

	t.Run("list filters", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/jobs?stuck=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[[]models.Job](t, rec))

		assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/jobs?status=done", nil).Code)
		assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/jobs?stuck=maybe", nil).Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := api.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = api.do(t, http.MethodGet, "/api/jobs/"+id, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		resp := decode[server.ErrorResponse](t, rec)
		assert.Equal(t, ingesterr.KindNotFound, resp.Error.Kind)
		assert.Equal(t, "job "+id+" not found", resp.Error.Message)
	})
}

func TestUnknownJob(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/jobs/nope"},
		{http.MethodPost, "/api/jobs/nope/cancel"},
		{http.MethodPost, "/api/jobs/nope/retry"},
		{http.MethodDelete, "/api/jobs/nope"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			assert.Equal(t, http.StatusNotFound, api.do(t, tc.method, tc.path, nil).Code)
		})
	}
}

func TestPluginsAndStats(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	api.submitAndWait(t)

	rec := api.do(t, http.MethodGet, "/api/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plugins := decode[server.PluginsResponse](t, rec)
	var ids []string
	for _, p := range plugins.Sources {
		ids = append(ids, p.ID)
	}
	assert.Contains(t, ids, "local_file")
	assert.Contains(t, ids, "s3")
	assert.Contains(t, plugins.EmbeddingProviders, embedding.ProviderMock)
	assert.Len(t, plugins.ChunkStrategies, 3)

	rec = api.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[server.StatsResponse](t, rec)
	assert.Equal(t, 1, stats.Jobs.Total)
	assert.Equal(t, 1, stats.Jobs.ByStatus[models.JobStatusCompleted])
	require.NotNil(t, stats.Stages.Embed)
	assert.Positive(t, stats.Stages.Embed.Count)

	rec = api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ingestd_documents_processed_total 2")
}

func TestConfigSchemas(t *testing.T) {
	api := newTestAPI(t, server.Options{})

	tests := []struct {
		path         string
		wantStatus   int
		wantRequired []string
	}{
		{"/api/plugins/sql/schema", http.StatusOK, []string{"connection_string", "query"}},
		{"/api/plugins/static/schema", http.StatusOK, []string{"documents"}},
		{"/api/plugins/ftp/schema", http.StatusNotFound, nil},
		{"/api/vector_stores/pgvector/schema", http.StatusOK, []string{"connection_string"}},
		{"/api/vector_stores/memory/schema", http.StatusOK, []string{}},
		{"/api/vector_stores/pinecone/schema", http.StatusNotFound, nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, ingesterr.KindNotFound, decode[server.ErrorResponse](t, rec).Error.Kind)
				return
			}
			schema := decode[models.ConfigSchema](t, rec)
			assert.Equal(t, "object", schema.Type)
			assert.Equal(t, tt.wantRequired, schema.Required)
			for _, key := range tt.wantRequired {
				assert.Contains(t, schema.Properties, key)
			}
		})
	}
}

func TestSourceTestConnection(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	dir := t.TempDir()

	tests := []struct {
		name        string
		body        any
		wantSuccess bool
		wantKind    ingesterr.Kind
	}{
		{"reachable", map[string]any{"plugin_id": "local_file", "config": map[string]any{"path": dir}}, true, ""},
		{"missing path", map[string]any{"plugin_id": "local_file", "config": map[string]any{"path": dir + "/nope"}}, false, ingesterr.KindNotFound},
		{"invalid config", map[string]any{"plugin_id": "s3", "config": map[string]any{}}, false, ingesterr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/sources/test-connection", tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			resp := decode[server.TestConnectionResponse](t, rec)
			assert.Equal(t, tt.wantSuccess, resp.Success)
			assert.Equal(t, tt.wantKind, resp.Kind)
			if !tt.wantSuccess {
				assert.NotEmpty(t, resp.Error)
			}
		})
	}

	rec := api.do(t, http.MethodPost, "/api/sources/test-connection", map[string]any{"plugin_id": "ftp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexEndpoints(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	api.submitAndWait(t)

	rec := api.do(t, http.MethodGet, "/api/indices", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[server.IndicesResponse](t, rec)
	assert.Equal(t, "memory", resp.VectorStore)
	require.Len(t, resp.Indices, 1)
	assert.Equal(t, "api_test", resp.Indices[0].Name)
	assert.Positive(t, resp.Indices[0].Dimension)

	rec = api.do(t, http.MethodDelete, "/api/indices/api_test?vector_store=memory", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, api.memory.Records("api_test"))

	rec = api.do(t, http.MethodDelete, "/api/indices/api_test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/indices?vector_store=pgvector", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "pgvector needs a connection_string")

	rec = api.do(t, http.MethodGet, "/api/indices?vector_store=pinecone", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuggest(t *testing.T) {
	api := newTestAPI(t, server.Options{})

	rec := api.do(t, http.MethodPost, "/api/assistant/suggest", server.SuggestRequest{Prompt: "docs in an S3 bucket"})
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[service.Suggestion](t, rec)
	assert.Equal(t, "s3", s.PluginID)
	assert.Equal(t, "keywords", s.Origin)

	rec = api.do(t, http.MethodPost, "/api/assistant/suggest", server.SuggestRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	secret := []byte("test-secret")
	api := newTestAPI(t, server.Options{JWTSecret: string(secret)})

	sign := func(key []byte, exp time.Time) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "ci",
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		s, err := token.SignedString(key)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong key", "Bearer " + sign([]byte("other"), time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "Bearer " + sign(secret, time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"valid", "Bearer " + sign(secret, time.Now().Add(time.Hour)), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			api.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// Health stays public.
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/health", nil).Code)
}

func TestLogStreamSSE(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	api.bus.Publish("INFO", "one")
	api.bus.Publish("INFO", "two")
	api.bus.Publish("INFO", "three")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/ingest/logs?replay=2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() models.LogEntry {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var e models.LogEntry
				require.NoError(t, json.Unmarshal([]byte(data), &e))
				return e
			}
		}
	}

	assert.Equal(t, "two", next().Message)
	assert.Equal(t, "three", next().Message)

	// Replayed entries are sent before the subscription is live.
	api.bus.PublishJob("ab12cd34", "WARN", "four")
	e := next()
	assert.Equal(t, "four", e.Message)
	assert.Equal(t, "ab12cd34", e.JobID)
	assert.Equal(t, uint64(4), e.Seq)
}

func TestLogStreamBadReplay(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	rec := api.do(t, http.MethodGet, "/api/ingest/logs?replay=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogStreamWebSocket(t *testing.T) {
	api := newTestAPI(t, server.Options{})
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	api.bus.Publish("INFO", "before")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ingest/logs/ws?replay=1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var e models.LogEntry
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "before", e.Message)

	require.Eventually(t, func() bool { return api.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	api.bus.Publish("ERROR", "after")
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "after", e.Message)
	assert.Equal(t, "ERROR", e.Level)
}
