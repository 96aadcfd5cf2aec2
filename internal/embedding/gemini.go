package embedding

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	DefaultGeminiModel = "gemini-embedding-001"
	// Gemini rejects batch requests above 100 contents.
	geminiMaxBatch = 100
)

// Gemini implements Embedder using the Gemini batch embedding API.
type Gemini struct {
	client    *genai.Client
	modelName string
	batchSize int
	*dimensionGuard
}

var _ Embedder = (*Gemini)(nil)

// NewGemini creates a Gemini embedder. Close releases the client.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, validationf("Gemini API key required")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, validationf("create gemini client: %v", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	size := batchSizeOr(cfg.BatchSize)
	if size > geminiMaxBatch {
		size = geminiMaxBatch
	}
	return &Gemini{
		client:         cl,
		modelName:      model,
		batchSize:      size,
		dimensionGuard: newDimensionGuard(cfg.ExpectedDimension),
	}, nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *Gemini) Model() string { return g.modelName }

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch sends one BatchEmbedContents request per group of texts.
func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	em := g.client.EmbeddingModel(g.modelName)

	out := make([][]float32, 0, len(texts))
	for _, group := range batches(texts, g.batchSize) {
		batch := em.NewBatch()
		for _, t := range group {
			batch.AddContent(genai.Text(t))
		}
		resp, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, classify("gemini.embed", err)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	if err := g.check(out, len(texts)); err != nil {
		return nil, err
	}
	return out, nil
}
