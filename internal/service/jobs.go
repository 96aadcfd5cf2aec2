// Package service provides the ingestion engine: the job registry, the
// executor that runs jobs and the connector assistant.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/metrics"
	"github.com/raphaelgruber/ingestd/internal/models"
)

// Registry errors. Both carry an ingestion error kind.
var (
	ErrJobNotFound  = &ingesterr.Error{Kind: ingesterr.KindNotFound, Op: "job", Err: errors.New("job not found")}
	ErrInvalidState = &ingesterr.Error{Kind: ingesterr.KindInvalidState, Op: "job", Err: errors.New("invalid job state")}
)

// Persistence debouncing: progress is written every persistInterval or every
// persistEvery documents, whichever comes first.
const (
	persistInterval = 5 * time.Second
	persistEvery    = 10
)

// JobStore persists job records. Implementations must be safe for concurrent use.
type JobStore interface {
	SaveJob(ctx context.Context, j models.Job) error
	ListJobs(ctx context.Context) ([]models.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// ManagerConfig tunes the registry.
type ManagerConfig struct {
	// StuckThreshold flags running jobs without progress for this long.
	StuckThreshold time.Duration
	// MaxWorkers clamps the max_workers of every request.
	MaxWorkers int
}

// DefaultManagerConfig returns a 2 minute stuck threshold and 16 workers.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{StuckThreshold: 2 * time.Minute, MaxWorkers: models.MaxWorkersLimit}
}

// JobManager is the job registry. It owns every job record and runs each
// job on its own goroutine.
type JobManager struct {
	cfg      ManagerConfig
	builder  PipelineBuilder
	executor *Executor
	store    JobStore
	metrics  *metrics.Collector

	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	order  uint64
	closed bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// jobEntry is the registry's view of one job.
type jobEntry struct {
	m     *JobManager
	order uint64

	mu           sync.RWMutex
	job          models.Job
	cancel       context.CancelFunc
	cancelled    bool
	lastPersist  time.Time
	sincePersist int
}

// NewJobManager creates a registry. store may be nil for memory-only jobs.
func NewJobManager(cfg ManagerConfig, builder PipelineBuilder, executor *Executor, store JobStore, m *metrics.Collector) *JobManager {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultManagerConfig().StuckThreshold
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = models.MaxWorkersLimit
	}
	if executor == nil {
		executor = NewExecutor(DefaultExecutorConfig(), m)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &JobManager{
		cfg:      cfg,
		builder:  builder,
		executor: executor,
		store:    store,
		metrics:  m,
		jobs:     make(map[string]*jobEntry),
		baseCtx:  ctx,
		stop:     stop,
		now:      time.Now,
	}
}

// StuckThreshold returns the configured stuck threshold.
func (m *JobManager) StuckThreshold() time.Duration {
	return m.cfg.StuckThreshold
}

// CreateJob validates req and starts a job for it. Invalid requests fail
// with a ValidationError and no job is created. The job runs in the
// background; CreateJob returns as soon as it is registered.
func (m *JobManager) CreateJob(ctx context.Context, req models.JobRequest) (models.Job, error) {
	return m.create(ctx, req, "")
}

var errShutDown = ingesterr.New(ingesterr.KindInvalidState, "job.create", "job manager is shut down")

func (m *JobManager) create(ctx context.Context, req models.JobRequest, retriedFrom string) (models.Job, error) {
	if m.baseCtx.Err() != nil {
		return models.Job{}, errShutDown
	}
	req = req.Normalize(m.cfg.MaxWorkers)
	if err := req.Validate(); err != nil {
		return models.Job{}, err
	}
	if err := m.builder.Validate(req); err != nil {
		return models.Job{}, err
	}

	now := m.now().UTC()
	runCtx, cancel := context.WithCancel(m.baseCtx)
	e := &jobEntry{m: m, cancel: cancel, job: models.Job{
		ID:            uuid.New().String()[:8],
		Status:        models.JobStatusPending,
		DataSourceID:  req.PluginID,
		VectorStoreID: req.VectorStore,
		IndexName:     req.IndexName,
		Config:        req,
		RetriedFrom:   retriedFrom,
		CreatedAt:     now,
		LastUpdate:    now,
	}}

	// Registration and wg.Add share the lock with Shutdown, so a job is
	// either refused or waited for.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return models.Job{}, errShutDown
	}
	m.order++
	e.order = m.order
	m.jobs[e.job.ID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	snap := e.snapshot()
	m.persist(ctx, snap)
	slog.Info("job created", "job_id", snap.ID, "plugin", req.PluginID, "store", req.VectorStore,
		"index", req.IndexName, "mode", req.ExecutionMode, "retried_from", retriedFrom)

	go m.runJob(runCtx, e)
	return snap, nil
}

// runJob owns the job from pending to a terminal status.
func (m *JobManager) runJob(ctx context.Context, e *jobEntry) {
	defer m.wg.Done()

	var err error
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job goroutine panicked", "job_id", e.id(), "panic", r)
			err = ingesterr.Errorf(ingesterr.KindInternal, "executor", "internal panic: %v", r)
		}
		m.finish(e, err)
	}()

	e.start(m.now().UTC())
	m.persist(ctx, e.snapshot())
	m.metrics.Prometheus().JobStarted()

	snap := e.snapshot()
	p, err := m.executor.Open(ctx, snap.ID, func(ctx context.Context) (*Pipeline, error) {
		return m.builder.Build(ctx, snap.Config)
	})
	if err != nil {
		return
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			slog.Warn("close pipeline", "job_id", snap.ID, "error", cerr)
		}
	}()

	err = m.executor.Run(ctx, snap.ID, snap.Config, p, e)
}

// finish moves the job to its terminal status. Counters are frozen from here on.
func (m *JobManager) finish(e *jobEntry, runErr error) {
	now := m.now().UTC()

	e.mu.Lock()
	if e.job.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	if e.cancelled && runErr == nil {
		// Cancelled after the last document finished.
		runErr = ingesterr.New(ingesterr.KindCancelled, "job", "cancelled")
	}
	j := &e.job
	j.CompletedAt = &now
	j.LastUpdate = now
	if j.StartedAt != nil {
		if elapsed := now.Sub(*j.StartedAt).Seconds(); elapsed > 0 {
			docs := float64(j.DocumentsProcessed) / elapsed
			chunks := float64(j.ChunksCreated) / elapsed
			j.AvgDocsPerSecond = &docs
			j.AvgChunksPerSecond = &chunks
		}
	}
	if runErr == nil {
		j.Status = models.JobStatusCompleted
	} else {
		j.Status = models.JobStatusFailed
		j.Error = jobError(runErr)
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	snap := e.snapshot()
	m.persist(context.Background(), snap)

	kind := ""
	if snap.Error != nil {
		kind = string(snap.Error.Kind)
	}
	m.metrics.Prometheus().JobFinished(string(snap.Status), kind)

	attrs := []any{"job_id", snap.ID, "status", snap.Status,
		"documents", snap.DocumentsProcessed, "skipped", snap.DocumentsSkipped, "chunks", snap.ChunksCreated}
	switch {
	case snap.Error == nil:
		slog.Info("job completed", attrs...)
	case snap.Error.Kind == ingesterr.KindCancelled:
		slog.Info("job cancelled", attrs...)
	default:
		attrs = append(attrs, "kind", snap.Error.Kind, "stage", snap.Error.Stage, "document", snap.Error.Document, "error", runErr)
		slog.Error("job failed", attrs...)
	}
}

// jobError summarizes err for the job record.
func jobError(err error) *models.JobError {
	je := &models.JobError{Kind: ingesterr.KindOf(err), Message: ingesterr.Message(err)}
	var se *StageError
	if errors.As(err, &se) {
		je.Stage = se.Stage
		je.Document = se.Document
	}
	return je
}

// GetJob returns a snapshot of the job.
func (m *JobManager) GetJob(id string) (models.Job, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Job{}, err
	}
	return m.view(e), nil
}

func (m *JobManager) entry(id string) (*jobEntry, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e, nil
}

// view is a snapshot with PossiblyStuck derived for now.
func (m *JobManager) view(e *jobEntry) models.Job {
	j := e.snapshot()
	j.PossiblyStuck = j.IsStuck(m.now(), m.cfg.StuckThreshold)
	return j
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	Status models.JobStatus
	// StuckOnly keeps running jobs without recent progress.
	StuckOnly bool
}

// ListJobs returns jobs newest first.
func (m *JobManager) ListJobs(f ListFilter) []models.Job {
	m.mu.RLock()
	entries := make([]*jobEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *jobEntry) int {
		switch {
		case a.order > b.order:
			return -1
		case a.order < b.order:
			return 1
		}
		return 0
	})

	jobs := make([]models.Job, 0, len(entries))
	for _, e := range entries {
		j := m.view(e)
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.StuckOnly && !j.PossiblyStuck {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// StuckJobs returns running jobs whose counters have not moved within the
// stuck threshold. Stuck jobs are only reported, never cancelled.
func (m *JobManager) StuckJobs() []models.Job {
	return m.ListJobs(ListFilter{StuckOnly: true})
}

// CancelJob asks a pending or running job to stop. The job turns failed with
// kind Cancelled once its in-flight documents have drained.
func (m *JobManager) CancelJob(id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.job.Status.Terminal() {
		status := e.job.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: job %s is already %s", ErrInvalidState, id, status)
	}
	e.cancelled = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("job cancellation requested", "job_id", id)
	return nil
}

// RetryJob submits a new job with the configuration of a terminal job. The
// original job is left untouched.
func (m *JobManager) RetryJob(ctx context.Context, id string) (models.Job, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Job{}, err
	}
	snap := e.snapshot()
	if !snap.Status.Terminal() {
		return models.Job{}, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, snap.Status)
	}
	return m.create(ctx, snap.Config, id)
}

// DeleteJob removes a terminal job. Active jobs must be cancelled first.
func (m *JobManager) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if status := e.status(); !status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s, cancel it first", ErrInvalidState, id, status)
	}
	delete(m.jobs, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteJob(ctx, id); err != nil {
			slog.Warn("failed to delete persisted job", "job_id", id, "error", err)
		}
	}
	slog.Info("job deleted", "job_id", id)
	return nil
}

// JobStats counts jobs by status.
type JobStats struct {
	Total    int                      `json:"total"`
	ByStatus map[models.JobStatus]int `json:"by_status"`
	Stuck    int                      `json:"stuck"`
}

// Stats summarizes the registry.
func (m *JobManager) Stats() JobStats {
	st := JobStats{ByStatus: map[models.JobStatus]int{}}
	for _, j := range m.ListJobs(ListFilter{}) {
		st.Total++
		st.ByStatus[j.Status]++
		if j.PossiblyStuck {
			st.Stuck++
		}
	}
	return st
}

// Restore loads persisted jobs. Jobs a previous process left pending or
// running are marked failed; they can be retried.
func (m *JobManager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	// Store order is newest first; insert oldest first so order matches.
	slices.Reverse(jobs)
	interrupted := 0
	for _, j := range jobs {
		if !j.Status.Terminal() {
			now := m.now().UTC()
			j.Status = models.JobStatusFailed
			j.CompletedAt = &now
			j.LastUpdate = now
			j.Error = &models.JobError{Kind: ingesterr.KindInternal, Message: "interrupted by restart"}
			m.persist(ctx, j)
			interrupted++
		}

		m.mu.Lock()
		if _, exists := m.jobs[j.ID]; !exists {
			m.order++
			m.jobs[j.ID] = &jobEntry{m: m, order: m.order, job: j}
		}
		m.mu.Unlock()
	}

	slog.Info("jobs restored", "count", len(jobs), "interrupted", interrupted)
	return nil
}

// Shutdown cancels every active job and waits for them to finish or for ctx
// to expire. No new jobs are accepted afterwards.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

func (m *JobManager) persist(ctx context.Context, j models.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveJob(context.WithoutCancel(ctx), j); err != nil {
		slog.Warn("failed to persist job", "job_id", j.ID, "status", j.Status, "error", err)
	}
}

func (e *jobEntry) id() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.job.ID
}

func (e *jobEntry) status() models.JobStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.job.Status
}

func (e *jobEntry) snapshot() models.Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j := e.job
	if j.TotalDocuments != nil {
		n := *j.TotalDocuments
		j.TotalDocuments = &n
	}
	if j.Error != nil {
		je := *j.Error
		j.Error = &je
	}
	return j
}

func (e *jobEntry) start(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.Status = models.JobStatusRunning
	e.job.StartedAt = &now
	e.job.LastUpdate = now
	e.lastPersist = now
}

// SetTotal implements Progress.
func (e *jobEntry) SetTotal(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return
	}
	e.job.TotalDocuments = &n
}

// DocumentProcessed implements Progress.
func (e *jobEntry) DocumentProcessed(chunks int) {
	e.advance(func(j *models.Job) {
		j.DocumentsProcessed++
		j.ChunksCreated += int64(chunks)
	})
}

// DocumentSkipped implements Progress.
func (e *jobEntry) DocumentSkipped() {
	e.advance(func(j *models.Job) {
		j.DocumentsSkipped++
	})
}

// advance applies a counter update and persists it when the debounce
// window has passed.
func (e *jobEntry) advance(update func(j *models.Job)) {
	now := e.m.now().UTC()

	e.mu.Lock()
	if e.job.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	update(&e.job)
	e.job.LastUpdate = now
	e.sincePersist++
	shouldPersist := e.m.store != nil &&
		(now.Sub(e.lastPersist) > persistInterval || e.sincePersist >= persistEvery)
	if shouldPersist {
		e.lastPersist = now
		e.sincePersist = 0
	}
	e.mu.Unlock()

	if shouldPersist {
		e.m.persist(context.Background(), e.snapshot())
	}
}
