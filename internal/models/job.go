// Package models defines data structures shared across the ingestion engine.
package models

import (
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

// JobStatus represents the state of an ingestion job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobError describes why a job failed.
type JobError struct {
	Kind     ingesterr.Kind `json:"kind"`
	Message  string         `json:"message"`
	Stage    string         `json:"stage,omitempty"`
	Document string         `json:"document,omitempty"`
}

// Job is the externally visible record of one ingestion run.
type Job struct {
	ID            string     `json:"id"`
	Status        JobStatus  `json:"status"`
	DataSourceID  string     `json:"data_source_id"`
	VectorStoreID string     `json:"vector_store_id"`
	IndexName     string     `json:"index_name"`
	Config        JobRequest `json:"config"`
	RetriedFrom   string     `json:"retried_from,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	LastUpdate  time.Time  `json:"last_update"`

	TotalDocuments     *int  `json:"total_documents"`
	DocumentsProcessed int64 `json:"documents_processed"`
	DocumentsSkipped   int64 `json:"documents_skipped"`
	ChunksCreated      int64 `json:"chunks_created"`

	AvgDocsPerSecond   *float64 `json:"avg_docs_per_second"`
	AvgChunksPerSecond *float64 `json:"avg_chunks_per_second"`

	Error *JobError `json:"error"`

	// PossiblyStuck is derived at read time and never persisted.
	PossiblyStuck bool `json:"possibly_stuck"`
}

// IsStuck reports whether a running job has not made progress within threshold.
func (j Job) IsStuck(now time.Time, threshold time.Duration) bool {
	return j.Status == JobStatusRunning && threshold > 0 && now.Sub(j.LastUpdate) > threshold
}
