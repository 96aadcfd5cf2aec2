package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

const (
	// DefaultVoyageModel is the default Voyage AI embedding model.
	DefaultVoyageModel = "voyage-3"

	// DefaultVoyageDimension is the dimension for voyage-3.
	DefaultVoyageDimension = 1024

	// VoyageAPIEndpoint is the Voyage AI API endpoint.
	VoyageAPIEndpoint = "https://api.voyageai.com/v1/embeddings"

	// Voyage accepts at most 128 inputs per request.
	voyageMaxBatch = 128
)

// VoyageClient implements Embedder using the Voyage AI HTTP API.
type VoyageClient struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	*dimensionGuard
}

var _ Embedder = (*VoyageClient)(nil)

// NewVoyageClient creates a Voyage AI embedding client.
// If model is empty, uses DefaultVoyageModel (voyage-3), whose dimension is
// assumed when expectedDimension is 0. An empty endpoint uses VoyageAPIEndpoint.
func NewVoyageClient(apiKey, model string, expectedDimension int, endpoint string) (*VoyageClient, error) {
	if apiKey == "" {
		return nil, validationf("API key required for Voyage embeddings")
	}
	if model == "" {
		model = DefaultVoyageModel
		if expectedDimension == 0 {
			expectedDimension = DefaultVoyageDimension
		}
	}
	if endpoint == "" {
		endpoint = VoyageAPIEndpoint
	}

	return &VoyageClient{
		apiKey:         apiKey,
		model:          model,
		endpoint:       endpoint,
		client:         &http.Client{Timeout: 60 * time.Second},
		dimensionGuard: newDimensionGuard(expectedDimension),
	}, nil
}

// Model returns the configured embedding model name.
func (c *VoyageClient) Model() string {
	return c.model
}

type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed generates an embedding vector for the given text.
func (c *VoyageClient) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (c *VoyageClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, group := range batches(texts, voyageMaxBatch) {
		vectors, err := c.post(ctx, group)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	if err := c.check(out, len(texts)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *VoyageClient) post(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "voyage.embed"

	jsonBody, err := json.Marshal(voyageRequest{Input: texts, Model: c.model, InputType: "document"})
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("API error (status %d): %s", resp.StatusCode, bytes.TrimSpace(body))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			var wait time.Duration
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				wait = time.Duration(secs) * time.Second
			}
			return nil, ingesterr.RateLimited(op, apiErr, wait)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, ingesterr.Wrap(ingesterr.KindAuth, op, apiErr)
		case resp.StatusCode >= 500:
			return nil, ingesterr.Wrap(ingesterr.KindProviderUnavailable, op, apiErr)
		default:
			return nil, ingesterr.Wrap(ingesterr.KindInvalidInput, op, apiErr)
		}
	}

	var voyageResp voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&voyageResp); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindProviderUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	if len(voyageResp.Data) != len(texts) {
		return nil, ingesterr.Errorf(ingesterr.KindProviderUnavailable, op, "embedding count mismatch: got %d, want %d",
			len(voyageResp.Data), len(texts))
	}

	// Sort by index and extract embeddings
	embeddings := make([][]float32, len(texts))
	for _, d := range voyageResp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, ingesterr.Errorf(ingesterr.KindProviderUnavailable, op, "invalid embedding index: %d", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}
