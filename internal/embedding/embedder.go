// Package embedding provides text embedding generation with multiple backend support.
package embedding

import (
	"context"
	"fmt"
	"strconv"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

// Embedder defines the interface for text embedding providers.
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, returning one
	// vector per text in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension, or 0 while it is
	// not yet known (providers without a fixed default learn it from the
	// first response).
	Dimension() int
}

// ProviderType identifies the embedding provider.
type ProviderType string

const (
	ProviderOllama      ProviderType = "ollama"
	ProviderOpenAI      ProviderType = "openai"
	ProviderHuggingFace ProviderType = "huggingface"
	ProviderGemini      ProviderType = "gemini"
	ProviderBedrock     ProviderType = "bedrock"
	ProviderVoyage      ProviderType = "voyage"
	ProviderMock        ProviderType = "mock"
)

// Providers lists every supported provider.
var Providers = []ProviderType{
	ProviderOllama, ProviderOpenAI, ProviderHuggingFace, ProviderGemini,
	ProviderBedrock, ProviderVoyage, ProviderMock,
}

// Config holds configuration for creating an Embedder.
type Config struct {
	// Provider specifies which embedding backend to use.
	Provider ProviderType

	// Model is the embedding model name (provider-specific). Empty selects
	// the provider default.
	Model string

	// ExpectedDimension is the required output dimension.
	// Set to 0 to accept whatever the model returns.
	ExpectedDimension int

	// BatchSize caps texts per provider request where the SDK batches.
	BatchSize int

	// Ollama
	OllamaHost string

	// OpenAI (BaseURL also serves OpenAI compatible servers)
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Hugging Face inference API
	HuggingFaceToken string

	// Gemini
	GeminiAPIKey string

	// Bedrock
	AWSRegion string

	// Voyage AI
	VoyageAPIKey  string
	VoyageBaseURL string
}

// WithOverrides returns a copy of cfg with per-job settings applied. Known
// keys: api_key, base_url, host, region, dimension, batch_size.
func (cfg Config) WithOverrides(provider, model string, overrides map[string]any) (Config, error) {
	if provider != "" {
		cfg.Provider = ProviderType(provider)
	}
	if model != "" {
		cfg.Model = model
	}

	str := func(key string) string {
		if v, ok := overrides[key].(string); ok {
			return v
		}
		return ""
	}
	num := func(key string) (int, error) {
		switch v := overrides[key].(type) {
		case nil:
			return 0, nil
		case int:
			return v, nil
		case float64:
			return int(v), nil
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, ingesterr.Validation("embedding_config.%s must be a number, got %q", key, v)
			}
			return n, nil
		default:
			return 0, ingesterr.Validation("embedding_config.%s must be a number", key)
		}
	}

	if key := str("api_key"); key != "" {
		switch cfg.Provider {
		case ProviderOpenAI:
			cfg.OpenAIAPIKey = key
		case ProviderHuggingFace:
			cfg.HuggingFaceToken = key
		case ProviderGemini:
			cfg.GeminiAPIKey = key
		case ProviderVoyage:
			cfg.VoyageAPIKey = key
		}
	}
	if u := str("base_url"); u != "" {
		switch cfg.Provider {
		case ProviderOpenAI:
			cfg.OpenAIBaseURL = u
		case ProviderVoyage:
			cfg.VoyageBaseURL = u
		case ProviderOllama:
			cfg.OllamaHost = u
		}
	}
	if h := str("host"); h != "" {
		cfg.OllamaHost = h
	}
	if r := str("region"); r != "" {
		cfg.AWSRegion = r
	}

	dim, err := num("dimension")
	if err != nil {
		return cfg, err
	}
	if dim < 0 {
		return cfg, ingesterr.Validation("embedding_config.dimension must not be negative")
	}
	if dim > 0 {
		cfg.ExpectedDimension = dim
	}
	batch, err := num("batch_size")
	if err != nil {
		return cfg, err
	}
	if batch > 0 {
		cfg.BatchSize = batch
	}
	return cfg, nil
}

// New creates an Embedder based on the provided configuration.
// Configuration problems are reported as ValidationError.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		return NewOllama(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderHuggingFace:
		return NewHuggingFace(cfg)
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	case ProviderBedrock:
		return NewBedrock(ctx, cfg)
	case ProviderVoyage:
		return NewVoyageClient(cfg.VoyageAPIKey, cfg.Model, cfg.ExpectedDimension, cfg.VoyageBaseURL)
	case ProviderMock:
		dim := cfg.ExpectedDimension
		if dim == 0 {
			dim = DefaultMockDimension
		}
		return NewMock(dim), nil
	default:
		return nil, ingesterr.Validation("unknown embedding provider %q", cfg.Provider)
	}
}

func validationf(format string, args ...any) error {
	return ingesterr.Validation("%s", fmt.Sprintf(format, args...))
}
