package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/logbus"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/server"
	"github.com/raphaelgruber/ingestd/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit(t *testing.T) {
	var got models.JobRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ingest", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"job_id":"ab12cd34","status":"pending"}`)
	}))
	defer srv.Close()

	c := New(srv.URL).WithToken("secret")
	resp, err := c.Submit(context.Background(), models.JobRequest{PluginID: "local_file", IndexName: "docs"})
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", resp.JobID)
	assert.Equal(t, models.JobStatusPending, resp.Status)
	assert.Equal(t, "local_file", got.PluginID)
}

func TestAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/jobs/running/retry":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":{"kind":"InvalidState","message":"job running is running"}}`)
		default:
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, err := c.RetryJob(context.Background(), "running")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, ingesterr.KindInvalidState, KindOf(err))
	assert.Equal(t, "InvalidState: job running is running", err.Error())

	_, err = c.GetJob(context.Background(), "x")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Empty(t, KindOf(err))
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestListJobsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "running", r.URL.Query().Get("status"))
		assert.Equal(t, "true", r.URL.Query().Get("stuck"))
		_, _ = io.WriteString(w, `[{"id":"a1","status":"running","possibly_stuck":true}]`)
	}))
	defer srv.Close()

	jobs, err := New(srv.URL).ListJobs(context.Background(), ListJobsOptions{Status: models.JobStatusRunning, Stuck: true})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].PossiblyStuck)
}

func TestStreamLogs(t *testing.T) {
	bus := logbus.New(10, 10)
	api := server.New(server.Options{}, server.Deps{
		Bus:    bus,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	bus.Publish("INFO", "replayed")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	errDone := errors.New("done")
	err := New(srv.URL).StreamLogs(ctx, 5, func(e models.LogEntry) error {
		got = append(got, e.Message)
		if len(got) == 1 {
			bus.PublishJob("ab12cd34", "INFO", "live")
			return nil
		}
		return errDone
	})
	assert.ErrorIs(t, err, errDone)
	assert.Equal(t, []string{"replayed", "live"}, got)
}

func TestStreamLogsEndsWhenBusCloses(t *testing.T) {
	bus := logbus.New(10, 10)
	api := server.New(server.Options{}, server.Deps{
		Bus:    bus,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		for bus.Subscribers() == 0 && ctx.Err() == nil {
			time.Sleep(5 * time.Millisecond)
		}
		bus.Close()
	}()
	err := New(srv.URL).StreamLogs(ctx, 0, func(models.LogEntry) error { return nil })
	assert.NoError(t, err)
}

func TestIndexRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pgvector", r.URL.Query().Get("vector_store"))
		assert.Equal(t, "postgres://db/rag", r.URL.Query().Get("connection_string"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/indices":
			_, _ = io.WriteString(w, `{"vector_store":"pgvector","indices":[{"name":"docs","dimension":384}]}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/api/indices/docs":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"kind":"NotFound","message":"index missing does not exist"}}`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	q := IndexQuery{VectorStore: "pgvector", Config: map[string]string{"connection_string": "postgres://db/rag"}}

	resp, err := c.ListIndexes(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []sink.IndexInfo{{Name: "docs", Dimension: 384}}, resp.Indices)

	require.NoError(t, c.DeleteIndex(context.Background(), "docs", q))

	err = c.DeleteIndex(context.Background(), "missing", q)
	assert.Equal(t, ingesterr.KindNotFound, KindOf(err))
}

func TestTestConnectionAndSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sources/test-connection":
			var req server.TestConnectionRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "s3", req.PluginID)
			assert.Equal(t, "docs", req.Config["bucket_name"])
			_, _ = io.WriteString(w, `{"success":false,"kind":"AuthError","error":"access denied"}`)
		case "/api/plugins/s3/schema":
			_, _ = io.WriteString(w, `{"type":"object","properties":{"bucket_name":{"type":"string"}},"required":["bucket_name"]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := New(srv.URL)

	resp, err := c.TestConnection(context.Background(), "s3", map[string]any{"bucket_name": "docs"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ingesterr.KindAuth, resp.Kind)
	assert.Equal(t, "access denied", resp.Error)

	schema, err := c.PluginSchema(context.Background(), "s3")
	require.NoError(t, err)
	assert.Equal(t, []string{"bucket_name"}, schema.Required)
	assert.Equal(t, "string", schema.Properties["bucket_name"].Type)
}
