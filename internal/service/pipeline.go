package service

import (
	"context"
	"errors"
	"io"
	"slices"

	"github.com/raphaelgruber/ingestd/internal/embedding"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/parser"
	"github.com/raphaelgruber/ingestd/internal/sink"
	"github.com/raphaelgruber/ingestd/internal/source"
)

// Pipeline holds the stages one job runs through.
type Pipeline struct {
	Source   source.Source
	Chunker  *parser.Chunker
	Embedder embedding.Embedder
	Sink     sink.Sink
	Index    string
}

// Close releases the sink and, when it holds a client, the embedder.
func (p *Pipeline) Close() error {
	var errs []error
	if p.Sink != nil {
		errs = append(errs, p.Sink.Close())
	}
	if c, ok := p.Embedder.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// PipelineBuilder turns a job request into runnable stages. Validate runs at
// submission and must not touch the network; Build runs in the job goroutine.
type PipelineBuilder interface {
	Validate(req models.JobRequest) error
	Build(ctx context.Context, req models.JobRequest) (*Pipeline, error)
}

// Plugins builds pipelines from the registered connectors, embedding
// providers and vector stores.
type Plugins struct {
	// Embedding holds process-wide provider settings; job requests override them.
	Embedding embedding.Config
	Sinks     *sink.Factory
	// Tokenizer, when set, replaces the encoding lookup of the token strategy.
	Tokenizer parser.Tokenizer
}

var _ PipelineBuilder = (*Plugins)(nil)

// NewPlugins creates a builder using sinks for vector stores.
func NewPlugins(embed embedding.Config, sinks *sink.Factory) *Plugins {
	return &Plugins{Embedding: embed, Sinks: sinks}
}

func (p *Plugins) embeddingConfig(req models.JobRequest) (embedding.Config, error) {
	cfg, err := p.Embedding.WithOverrides(req.EmbeddingProvider, req.EmbeddingModel, req.EmbeddingConfig)
	if err != nil {
		return cfg, err
	}
	if !slices.Contains(embedding.Providers, cfg.Provider) {
		return cfg, ingesterr.Validation("unknown embedding provider %q", cfg.Provider)
	}
	return cfg, nil
}

// Validate checks everything that can be checked without I/O.
func (p *Plugins) Validate(req models.JobRequest) error {
	if _, err := source.New(req.PluginID, req.Config); err != nil {
		return err
	}
	if err := sink.ValidateConfig(req.VectorStore, req.VectorStoreConfig, req.IndexName); err != nil {
		return err
	}
	cfg, err := p.embeddingConfig(req)
	if err != nil {
		return err
	}
	// Provider constructors only check settings; Bedrock reads the local
	// AWS credential chain.
	emb, err := embedding.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	if c, ok := emb.(io.Closer); ok {
		_ = c.Close()
	}
	return nil
}

// Build constructs every stage. A failure releases what was already built.
func (p *Plugins) Build(ctx context.Context, req models.JobRequest) (*Pipeline, error) {
	src, err := source.New(req.PluginID, req.Config)
	if err != nil {
		return nil, err
	}

	var opts []parser.Option
	if p.Tokenizer != nil {
		opts = append(opts, parser.WithTokenizer(p.Tokenizer))
	}
	chunker, err := parser.NewChunker(req.ChunkSettings, opts...)
	if err != nil {
		return nil, err
	}

	cfg, err := p.embeddingConfig(req)
	if err != nil {
		return nil, err
	}
	emb, err := embedding.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pl := &Pipeline{Source: src, Chunker: chunker, Embedder: emb, Index: req.IndexName}
	snk, err := p.Sinks.Open(ctx, req.VectorStore, req.VectorStoreConfig)
	if err != nil {
		_ = pl.Close()
		return nil, err
	}
	pl.Sink = snk
	return pl, nil
}
