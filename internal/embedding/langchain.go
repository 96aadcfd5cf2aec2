package embedding

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/tmc/langchaingo/embeddings"
	hfembed "github.com/tmc/langchaingo/embeddings/huggingface"
	"github.com/tmc/langchaingo/llms/huggingface"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	DefaultOllamaModel      = "all-minilm:l6-v2"
	DefaultOllamaHost       = "http://localhost:11434"
	DefaultOpenAIModel      = "text-embedding-3-small"
	DefaultHuggingFaceModel = "sentence-transformers/all-MiniLM-L6-v2"
	defaultBatchSize        = 16
)

// LangChain wraps a langchaingo embedder with dimension validation and error
// classification.
type LangChain struct {
	provider ProviderType
	model    embeddings.Embedder
	name     string
	*dimensionGuard
}

var _ Embedder = (*LangChain)(nil)

// NewOllama creates an embedder backed by a local Ollama server.
func NewOllama(cfg Config) (*LangChain, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	host := cfg.OllamaHost
	if host == "" {
		host = DefaultOllamaHost
	}
	llm, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(host),
	)
	if err != nil {
		return nil, validationf("create ollama client: %v", err)
	}
	return newLangChain(ProviderOllama, model, llm, cfg)
}

// NewOpenAI creates an embedder for OpenAI or an OpenAI compatible server.
func NewOpenAI(cfg Config) (*LangChain, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, validationf("OpenAI API key required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	opts := []openai.Option{
		openai.WithToken(cfg.OpenAIAPIKey),
		openai.WithEmbeddingModel(model),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.ExpectedDimension > 0 {
		opts = append(opts, openai.WithEmbeddingDimensions(cfg.ExpectedDimension))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, validationf("create openai client: %v", err)
	}
	return newLangChain(ProviderOpenAI, model, llm, cfg)
}

// NewHuggingFace creates an embedder using the Hugging Face inference API.
func NewHuggingFace(cfg Config) (*LangChain, error) {
	if cfg.HuggingFaceToken == "" {
		return nil, validationf("Hugging Face token required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultHuggingFaceModel
	}
	llm, err := huggingface.New(
		huggingface.WithToken(cfg.HuggingFaceToken),
		huggingface.WithModel(model),
	)
	if err != nil {
		return nil, validationf("create huggingface client: %v", err)
	}
	emb, err := hfembed.NewHuggingface(
		hfembed.WithModel(model),
		hfembed.WithClient(*llm),
		hfembed.WithBatchSize(batchSizeOr(cfg.BatchSize)),
	)
	if err != nil {
		return nil, validationf("create huggingface embedder: %v", err)
	}
	return &LangChain{
		provider:       ProviderHuggingFace,
		model:          emb,
		name:           model,
		dimensionGuard: newDimensionGuard(cfg.ExpectedDimension),
	}, nil
}

func newLangChain(provider ProviderType, name string, client embeddings.EmbedderClient, cfg Config) (*LangChain, error) {
	emb, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(batchSizeOr(cfg.BatchSize)))
	if err != nil {
		return nil, validationf("create %s embedder: %v", provider, err)
	}
	return &LangChain{
		provider:       provider,
		model:          emb,
		name:           name,
		dimensionGuard: newDimensionGuard(cfg.ExpectedDimension),
	}, nil
}

func batchSizeOr(n int) int {
	if n <= 0 {
		return defaultBatchSize
	}
	return n
}

// Embed generates an embedding vector for text.
func (e *LangChain) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LangChain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, ingesterr.Errorf(ingesterr.KindInvalidInput, "embed", "text %d is empty", i)
		}
	}

	start := time.Now()
	// langchaingo strips newlines in place
	vectors, err := e.model.EmbedDocuments(ctx, slices.Clone(texts))
	duration := time.Since(start)
	if err != nil {
		slog.Warn("embedding failed", "provider", e.provider, "model", e.name, "texts", len(texts), "duration_ms", duration.Milliseconds(), "error", err)
		return nil, classify(string(e.provider)+".embed", err)
	}
	if err := e.check(vectors, len(texts)); err != nil {
		return nil, err
	}

	slog.Debug("embedding complete", "provider", e.provider, "model", e.name, "texts", len(texts), "duration_ms", duration.Milliseconds())
	return vectors, nil
}

// Model returns the embedding model name.
func (e *LangChain) Model() string {
	return e.name
}
