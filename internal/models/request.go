package models

import (
	"strings"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

// ExecutionMode selects how documents of a job are processed.
type ExecutionMode string

const (
	ExecutionSequential ExecutionMode = "sequential"
	ExecutionParallel   ExecutionMode = "parallel"
)

// FailurePolicy decides what happens when a document fails after retries.
type FailurePolicy string

const (
	// FailFast fails the whole job on the first unrecoverable document error.
	FailFast FailurePolicy = "fail_fast"
	// SkipFailed records the document as skipped and continues.
	SkipFailed FailurePolicy = "skip"
)

// Defaults for job requests.
const (
	DefaultIndexName         = "default_index"
	DefaultVectorStore       = "memory"
	DefaultEmbeddingProvider = "ollama"
	DefaultMaxWorkers        = 4
	MaxWorkersLimit          = 16
)

// JobRequest is the full submission for an ingestion job. It is stored on the
// job unchanged so a retry can recreate an equivalent job.
type JobRequest struct {
	PluginID          string         `json:"plugin_id" yaml:"plugin_id"`
	Config            map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	ChunkSettings     ChunkSettings  `json:"chunk_settings" yaml:"chunk_settings"`
	VectorStore       string         `json:"vector_store" yaml:"vector_store"`
	VectorStoreConfig map[string]any `json:"vector_store_config,omitempty" yaml:"vector_store_config,omitempty"`
	IndexName         string         `json:"index_name" yaml:"index_name"`
	EmbeddingModel    string         `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
	EmbeddingProvider string         `json:"embedding_provider" yaml:"embedding_provider"`
	EmbeddingConfig   map[string]any `json:"embedding_config,omitempty" yaml:"embedding_config,omitempty"`
	ExecutionMode     ExecutionMode  `json:"execution_mode" yaml:"execution_mode"`
	MaxWorkers        int            `json:"max_workers" yaml:"max_workers"`
	FailurePolicy     FailurePolicy  `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
}

// Normalize fills defaults. maxWorkers clamps MaxWorkers; values <= 0 use MaxWorkersLimit.
func (r JobRequest) Normalize(maxWorkers int) JobRequest {
	if maxWorkers <= 0 {
		maxWorkers = MaxWorkersLimit
	}
	r.PluginID = strings.TrimSpace(r.PluginID)
	if r.VectorStore == "" {
		r.VectorStore = DefaultVectorStore
	}
	if r.IndexName == "" {
		r.IndexName = DefaultIndexName
	}
	if r.EmbeddingProvider == "" {
		r.EmbeddingProvider = DefaultEmbeddingProvider
	}
	if r.ExecutionMode == "" {
		r.ExecutionMode = ExecutionSequential
	}
	if r.FailurePolicy == "" {
		r.FailurePolicy = FailFast
	}
	if r.MaxWorkers <= 0 {
		r.MaxWorkers = DefaultMaxWorkers
	}
	r.MaxWorkers = min(r.MaxWorkers, maxWorkers)
	r.ChunkSettings = r.ChunkSettings.Normalize()
	return r
}

// Workers returns the effective worker count for the execution mode.
func (r JobRequest) Workers() int {
	if r.ExecutionMode == ExecutionParallel && r.MaxWorkers > 1 {
		return r.MaxWorkers
	}
	return 1
}

// Validate checks the request shape. Connector specific fields are checked
// by the connector factories.
func (r JobRequest) Validate() error {
	if r.PluginID == "" {
		return ingesterr.Validation("plugin_id is required")
	}
	if strings.TrimSpace(r.IndexName) == "" {
		return ingesterr.Validation("index_name is required")
	}
	switch r.ExecutionMode {
	case ExecutionSequential, ExecutionParallel:
	default:
		return ingesterr.Validation("unknown execution_mode %q", r.ExecutionMode)
	}
	switch r.FailurePolicy {
	case FailFast, SkipFailed:
	default:
		return ingesterr.Validation("unknown failure_policy %q", r.FailurePolicy)
	}
	if r.MaxWorkers < 1 {
		return ingesterr.Validation("max_workers must be at least 1")
	}
	return r.ChunkSettings.Validate()
}
