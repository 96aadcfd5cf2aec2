package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/metrics"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/source"
	"golang.org/x/sync/errgroup"
)

// Pipeline stages, used in logs and JobError.Stage.
const (
	StageOpen   = "open"
	StageSource = "source"
	StageChunk  = "chunk"
	StageEmbed  = "embed"
	StageIndex  = "index"
	StageSink   = "sink"
)

// Progress receives counter updates for one job. Calls may come from several
// workers at once.
type Progress interface {
	SetTotal(n int)
	DocumentProcessed(chunks int)
	DocumentSkipped()
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	// BatchSize is the number of chunks per embedding request.
	BatchSize int
	// CallTimeout bounds every source, embedding and sink call.
	CallTimeout time.Duration
	Retry       RetryConfig
}

// DefaultExecutorConfig returns the engine defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		BatchSize:   16,
		CallTimeout: 60 * time.Second,
		Retry:       DefaultRetryConfig(),
	}
}

// Executor drives documents through chunking, embedding and the sink.
type Executor struct {
	cfg     ExecutorConfig
	metrics *metrics.Collector
}

// NewExecutor creates an executor. m may be nil.
func NewExecutor(cfg ExecutorConfig, m *metrics.Collector) *Executor {
	def := DefaultExecutorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = def.Retry
	}
	return &Executor{cfg: cfg, metrics: m}
}

// StageError is a failure attributed to a pipeline stage and, when known,
// a document.
type StageError struct {
	Stage    string
	Document string
	Err      error
}

func (e *StageError) Error() string {
	if e.Document != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Document, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage, doc string, err error) error {
	return &StageError{Stage: stage, Document: doc, Err: err}
}

// Open builds the job's pipeline, retrying retryable failures such as a
// vector store that is not reachable yet. build receives the job context
// since the clients it creates may outlive a single call.
func (e *Executor) Open(ctx context.Context, jobID string, build func(context.Context) (*Pipeline, error)) (*Pipeline, error) {
	retry := retryPolicy{cfg: e.cfg.Retry, metrics: e.metrics}
	var p *Pipeline
	err := retry.do(ctx, slog.With("job_id", jobID), StageOpen, func() error {
		var err error
		p, err = build(ctx)
		return err
	})
	if err != nil {
		return nil, stageErr(StageOpen, "", err)
	}
	return p, nil
}

// Run processes every document of p.Source. It returns nil when the source
// is exhausted, a Cancelled error once ctx is cancelled and all in-flight
// documents have drained, or the first unrecoverable error.
//
// Cancelling ctx stops new work from starting; calls already in flight run
// to completion or their own timeout.
func (e *Executor) Run(ctx context.Context, jobID string, req models.JobRequest, p *Pipeline, progress Progress) error {
	r := &run{
		exec:     e,
		log:      slog.With("job_id", jobID),
		req:      req,
		p:        p,
		progress: progress,
		retry:    retryPolicy{cfg: e.cfg.Retry, metrics: e.metrics},
	}
	if err := ctx.Err(); err != nil {
		return cancelled(StageSource, err)
	}

	if c, ok := p.Source.(source.Counter); ok {
		callCtx, cancel := r.callContext(ctx)
		n, err := c.Count(callCtx)
		cancel()
		if err != nil {
			r.log.Debug("source count unavailable", "error", err)
		} else {
			progress.SetTotal(n)
		}
	}

	var it source.Iterator
	err := r.retry.do(ctx, r.log, StageSource, func() error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		var err error
		it, err = p.Source.Open(callCtx)
		return err
	})
	if err != nil {
		return stageErr(StageSource, "", err)
	}
	defer func() {
		if err := it.Close(); err != nil {
			r.log.Warn("close source", "error", err)
		}
	}()

	workers := req.Workers()
	r.log.Info("ingestion started", "plugin", req.PluginID, "store", req.VectorStore,
		"index", p.Index, "embedder", p.Embedder.Model(), "workers", workers)

	if workers == 1 {
		return r.sequential(ctx, it)
	}
	return r.parallel(ctx, it, workers)
}

type run struct {
	exec     *Executor
	log      *slog.Logger
	req      models.JobRequest
	p        *Pipeline
	progress Progress
	retry    retryPolicy

	indexMu    sync.Mutex
	indexReady bool
}

// callContext detaches a call from job cancellation so dispatched calls can
// finish, bounding it by the call timeout instead.
func (r *run) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.exec.cfg.CallTimeout)
}

func cancelled(stage string, err error) error {
	return stageErr(stage, "", ingesterr.Wrap(ingesterr.KindCancelled, stage, err))
}

// next reads one document. io.EOF ends the sequence.
func (r *run) next(ctx context.Context, it source.Iterator) (models.Document, error) {
	var (
		doc models.Document
		eof bool
	)
	start := time.Now()
	err := r.retry.do(ctx, r.log, StageSource, func() error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		var err error
		doc, err = it.Next(callCtx)
		if errors.Is(err, source.EOF) {
			eof = true
			return nil
		}
		return err
	})
	if err != nil {
		return doc, stageErr(StageSource, "", err)
	}
	if eof {
		return doc, source.EOF
	}
	r.exec.metrics.RecordTiming(metrics.OpSourceFetch, time.Since(start))
	return doc, nil
}

// handle applies the failure policy to a document error. It returns nil when
// the document was skipped.
func (r *run) handle(err error) error {
	if err == nil {
		return nil
	}
	if r.req.FailurePolicy != models.SkipFailed || !skippable(err) {
		return err
	}
	var se *StageError
	if errors.As(err, &se) {
		r.log.Warn("document skipped", "stage", se.Stage, "document", se.Document, "error", se.Err)
	} else {
		r.log.Warn("document skipped", "error", err)
	}
	r.progress.DocumentSkipped()
	r.exec.metrics.Prometheus().DocumentSkipped()
	return nil
}

// skippable reports whether the skip policy may pass over err. Cancellation,
// schema and index problems and source errors that survived retries would
// fail every later document too.
func skippable(err error) bool {
	switch ingesterr.KindOf(err) {
	case ingesterr.KindCancelled, ingesterr.KindSchemaMismatch, ingesterr.KindInternal:
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		switch se.Stage {
		case StageIndex, StageOpen:
			return false
		case StageSource:
			return !ingesterr.Retryable(err)
		}
	}
	return true
}

func (r *run) sequential(ctx context.Context, it source.Iterator) error {
	for {
		if err := ctx.Err(); err != nil {
			return cancelled(StageSource, err)
		}
		doc, err := r.next(ctx, it)
		if errors.Is(err, source.EOF) {
			return nil
		}
		if err != nil {
			if err := r.handle(err); err != nil {
				return err
			}
			continue
		}
		if err := r.handle(r.process(ctx, doc)); err != nil {
			return err
		}
	}
}

// parallel feeds documents from one reader goroutine to a fixed pool of
// workers. Each document goes to exactly one worker.
func (r *run) parallel(ctx context.Context, it source.Iterator, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	docs := make(chan models.Document)

	g.Go(func() error {
		defer close(docs)
		for {
			if err := gctx.Err(); err != nil {
				return cancelled(StageSource, err)
			}
			doc, err := r.next(gctx, it)
			if errors.Is(err, source.EOF) {
				return nil
			}
			if err != nil {
				if err := r.handle(err); err != nil {
					return err
				}
				continue
			}
			select {
			case docs <- doc:
			case <-gctx.Done():
				return cancelled(StageSource, gctx.Err())
			}
		}
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for doc := range docs {
				if err := r.handle(r.process(gctx, doc)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// The first failure cancels gctx; later Cancelled errors from the
	// other goroutines are dropped by the group.
	return g.Wait()
}

// process chunks, embeds and stores one document, then counts it.
func (r *run) process(ctx context.Context, doc models.Document) error {
	ref := doc.Ref()

	start := time.Now()
	chunks := r.p.Chunker.ChunkDocument(doc)
	r.exec.metrics.RecordTiming(metrics.OpChunk, time.Since(start))

	size := r.exec.cfg.BatchSize
	for lo := 0; lo < len(chunks); lo += size {
		if err := ctx.Err(); err != nil {
			return stageErr(StageEmbed, ref, ingesterr.Wrap(ingesterr.KindCancelled, StageEmbed, err))
		}
		batch := chunks[lo:min(lo+size, len(chunks))]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := r.embed(ctx, texts)
		if err != nil {
			return stageErr(StageEmbed, ref, err)
		}

		if err := r.ensureIndex(ctx, len(vectors[0])); err != nil {
			return stageErr(StageIndex, ref, err)
		}

		records := make([]models.Record, len(batch))
		for i, c := range batch {
			records[i] = models.Record{ID: c.ID, Vector: vectors[i], Text: c.Text, Metadata: c.Metadata}
		}
		if err := r.upsert(ctx, records); err != nil {
			return stageErr(StageSink, ref, err)
		}
	}

	r.progress.DocumentProcessed(len(chunks))
	r.exec.metrics.Prometheus().DocumentProcessed(len(chunks))
	r.log.Debug("document ingested", "document", ref, "chunks", len(chunks))
	return nil
}

func (r *run) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := r.retry.do(ctx, r.log, StageEmbed, func() error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		start := time.Now()
		var err error
		vectors, err = r.p.Embedder.EmbedBatch(callCtx, texts)
		r.exec.metrics.RecordTiming(metrics.OpEmbed, time.Since(start))
		if err == nil && len(vectors) != len(texts) {
			err = ingesterr.Errorf(ingesterr.KindProviderUnavailable, StageEmbed,
				"got %d vectors for %d texts", len(vectors), len(texts))
		}
		return err
	})
	return vectors, err
}

// ensureIndex creates the target index on first use, sized by the first
// vector the embedder returned.
func (r *run) ensureIndex(ctx context.Context, dim int) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	if r.indexReady {
		return nil
	}
	err := r.retry.do(ctx, r.log, StageIndex, func() error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		return r.p.Sink.EnsureIndex(callCtx, r.p.Index, dim)
	})
	if err != nil {
		return err
	}
	r.indexReady = true
	r.log.Info("index ready", "index", r.p.Index, "dimension", dim)
	return nil
}

func (r *run) upsert(ctx context.Context, records []models.Record) error {
	return r.retry.do(ctx, r.log, StageSink, func() error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		start := time.Now()
		err := r.p.Sink.Upsert(callCtx, r.p.Index, records)
		r.exec.metrics.RecordTiming(metrics.OpSinkUpsert, time.Since(start))
		return err
	})
}
