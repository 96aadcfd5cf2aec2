package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/raphaelgruber/ingestd/internal/embedding"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/metrics"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/service"
	"github.com/raphaelgruber/ingestd/internal/sink"
	"github.com/raphaelgruber/ingestd/internal/source"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

const testConnectionTimeout = 30 * time.Second

// SubmitResponse is returned by POST /api/ingest and the retry endpoint.
type SubmitResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and a readable message.
type ErrorDetail struct {
	Kind    ingesterr.Kind `json:"kind"`
	Message string         `json:"message"`
}

// PluginsResponse lists what a job request may reference.
type PluginsResponse struct {
	Sources            []source.Plugin          `json:"sources"`
	VectorStores       []sink.StoreInfo         `json:"vector_stores"`
	EmbeddingProviders []embedding.ProviderType `json:"embedding_providers"`
	ChunkStrategies    []models.ChunkStrategy   `json:"chunk_strategies"`
}

// StatsResponse combines registry counts and stage timings.
type StatsResponse struct {
	Jobs   service.JobStats `json:"jobs"`
	Stages metrics.Snapshot `json:"stages"`
}

// TestConnectionRequest is the body of POST /api/sources/test-connection.
type TestConnectionRequest struct {
	PluginID string         `json:"plugin_id"`
	Config   map[string]any `json:"config"`
}

// TestConnectionResponse reports whether a connector could reach its
// source. Failures carry the error kind and message.
type TestConnectionResponse struct {
	Success bool           `json:"success"`
	Kind    ingesterr.Kind `json:"kind,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// IndicesResponse lists the indexes of one vector store.
type IndicesResponse struct {
	VectorStore string           `json:"vector_store"`
	Indices     []sink.IndexInfo `json:"indices"`
}

// SuggestRequest is the body of POST /api/assistant/suggest.
type SuggestRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.jobs.CreateJob(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := service.ListFilter{Status: models.JobStatus(q.Get("status"))}
	switch filter.Status {
	case "", models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusFailed:
	default:
		s.fail(w, r, ingesterr.Validation("unknown status %q", filter.Status))
		return
	}
	if v := q.Get("stuck"); v != "" {
		stuck, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, r, ingesterr.Validation("stuck must be a boolean, got %q", v))
			return
		}
		filter.StuckOnly = stuck
	}
	writeJSON(w, http.StatusOK, s.jobs.ListJobs(filter))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.CancelJob(id); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.jobs.GetJob(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.RetryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) plugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PluginsResponse{
		Sources:            source.Plugins(),
		VectorStores:       sink.Stores(),
		EmbeddingProviders: embedding.Providers,
		ChunkStrategies: []models.ChunkStrategy{
			models.StrategyRecursive, models.StrategyCharacter, models.StrategyToken,
		},
	})
}

func (s *Server) pluginSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := source.Lookup(id)
	if !ok {
		s.fail(w, r, ingesterr.Errorf(ingesterr.KindNotFound, "plugin.schema", "plugin %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, p.Schema())
}

func (s *Server) storeSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := sink.Lookup(id)
	if !ok {
		s.fail(w, r, ingesterr.Errorf(ingesterr.KindNotFound, "vector_store.schema", "vector store %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, info.Schema())
}

// testConnection reports connector failures in the body. Only a malformed
// request or an unknown plugin is an HTTP error.
func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	var req TestConnectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !source.Known(req.PluginID) {
		s.fail(w, r, ingesterr.Validation("unknown plugin %q", req.PluginID))
		return
	}

	src, err := source.New(req.PluginID, req.Config)
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), testConnectionTimeout)
		err = source.CheckConnection(ctx, src)
		cancel()
	}
	if err != nil {
		s.logger.Info("connection test failed", "plugin", req.PluginID, "error", err)
		writeJSON(w, http.StatusOK, TestConnectionResponse{Kind: ingesterr.KindOf(err), Error: ingesterr.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, TestConnectionResponse{Success: true})
}

// indexAdmin opens the vector store named by the vector_store query
// parameter. Other query parameters become its vector_store_config, so a
// pgvector store is addressed with ?connection_string=.
func (s *Server) indexAdmin(r *http.Request) (sink.IndexAdmin, func(), error) {
	if s.sinks == nil {
		return nil, nil, ingesterr.New(ingesterr.KindInvalidState, "indices", "index management is not configured")
	}
	q := r.URL.Query()
	storeID := storeParam(r)
	cfg := map[string]any{}
	for key := range q {
		if key != "vector_store" {
			cfg[key] = q.Get(key)
		}
	}

	snk, err := s.sinks.Open(r.Context(), storeID, cfg)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := snk.Close(); err != nil {
			s.logger.Warn("close vector store", "store", storeID, "error", err)
		}
	}
	admin, ok := snk.(sink.IndexAdmin)
	if !ok {
		release()
		return nil, nil, ingesterr.Errorf(ingesterr.KindInvalidState, "indices", "vector store %s cannot manage indexes", storeID)
	}
	return admin, release, nil
}

func storeParam(r *http.Request) string {
	if id := r.URL.Query().Get("vector_store"); id != "" {
		return id
	}
	return sink.StoreMemory
}

func (s *Server) listIndexes(w http.ResponseWriter, r *http.Request) {
	admin, release, err := s.indexAdmin(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer release()

	indexes, err := admin.ListIndexes(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IndicesResponse{VectorStore: storeParam(r), Indices: indexes})
}

func (s *Server) deleteIndex(w http.ResponseWriter, r *http.Request) {
	admin, release, err := s.indexAdmin(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer release()

	name := chi.URLParam(r, "name")
	if err := admin.DeleteIndex(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("index deleted", "index", name, "store", storeParam(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) suggest(w http.ResponseWriter, r *http.Request) {
	var req SuggestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	suggestion, err := s.assistant.Suggest(r.Context(), req.Prompt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Jobs:   s.jobs.Stats(),
		Stages: s.metrics.Snapshot(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ingesterr.Validation("request body is required")
		}
		return ingesterr.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind ingesterr.Kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Kind: kind, Message: msg}})
}

// fail maps an engine error to its HTTP status and writes the error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := ingesterr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request error", "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeError(w, status, kind, errorMessage(r, err))
}

func statusFor(kind ingesterr.Kind) int {
	switch kind {
	case ingesterr.KindValidation, ingesterr.KindInvalidInput:
		return http.StatusBadRequest
	case ingesterr.KindAuth:
		return http.StatusUnauthorized
	case ingesterr.KindNotFound:
		return http.StatusNotFound
	case ingesterr.KindInvalidState:
		return http.StatusConflict
	case ingesterr.KindConnection, ingesterr.KindProviderUnavailable, ingesterr.KindIndexUnavailable:
		return http.StatusBadGateway
	case ingesterr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(r *http.Request, err error) string {
	if errors.Is(err, service.ErrJobNotFound) {
		return fmt.Sprintf("job %s not found", chi.URLParam(r, "id"))
	}
	if errors.Is(err, service.ErrInvalidState) {
		if msg, ok := strings.CutPrefix(err.Error(), service.ErrInvalidState.Error()+": "); ok {
			return msg
		}
	}
	return ingesterr.Message(err)
}
