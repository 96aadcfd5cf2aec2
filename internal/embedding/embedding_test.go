package embedding_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/ingestd/internal/embedding"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockIsDeterministic(t *testing.T) {
	m := embedding.NewMock(64)
	ctx := context.Background()

	a, err := m.Embed(ctx, "hello world")
	require.NoError(t, err)
	b, err := m.Embed(ctx, "hello world")
	require.NoError(t, err)
	c, err := m.Embed(ctx, "something else")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-4, "mock vectors are unit length")
	assert.Equal(t, 3, m.Calls())
}

func TestMockFailureHook(t *testing.T) {
	m := embedding.NewMock(8)
	boom := ingesterr.New(ingesterr.KindProviderUnavailable, "mock", "down")
	m.FailWith(func(call int, _ []string) error {
		if call == 1 {
			return boom
		}
		return nil
	})

	_, err := m.EmbedBatch(context.Background(), []string{"a"})
	require.ErrorIs(t, err, boom)

	vectors, err := m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
}

func TestMockDelayHonoursCancellation(t *testing.T) {
	m := embedding.NewMock(8)
	m.SetDelay(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.EmbedBatch(ctx, []string{"a"})
	assert.Equal(t, ingesterr.KindCancelled, ingesterr.KindOf(err))
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     embedding.Config
		wantErr bool
		wantDim int
	}{
		{name: "mock default dimension", cfg: embedding.Config{Provider: embedding.ProviderMock}, wantDim: embedding.DefaultMockDimension},
		{name: "mock explicit dimension", cfg: embedding.Config{Provider: embedding.ProviderMock, ExpectedDimension: 16}, wantDim: 16},
		{name: "unknown provider", cfg: embedding.Config{Provider: "word2vec"}, wantErr: true},
		{name: "openai without key", cfg: embedding.Config{Provider: embedding.ProviderOpenAI}, wantErr: true},
		{name: "huggingface without token", cfg: embedding.Config{Provider: embedding.ProviderHuggingFace}, wantErr: true},
		{name: "gemini without key", cfg: embedding.Config{Provider: embedding.ProviderGemini}, wantErr: true},
		{name: "voyage without key", cfg: embedding.Config{Provider: embedding.ProviderVoyage}, wantErr: true},
		{name: "voyage default model", cfg: embedding.Config{Provider: embedding.ProviderVoyage, VoyageAPIKey: "k"}, wantDim: embedding.DefaultVoyageDimension},
		{name: "ollama learns dimension", cfg: embedding.Config{Provider: embedding.ProviderOllama}, wantDim: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := embedding.New(ctx, tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ingesterr.KindValidation, ingesterr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDim, e.Dimension())
		})
	}
}

func TestConfigWithOverrides(t *testing.T) {
	base := embedding.Config{Provider: embedding.ProviderOllama, Model: "base", OllamaHost: "http://ollama:11434"}

	cfg, err := base.WithOverrides("openai", "text-embedding-3-large", map[string]any{
		"api_key":   "sk-test",
		"base_url":  "http://proxy/v1",
		"dimension": float64(256),
	})
	require.NoError(t, err)
	assert.Equal(t, embedding.ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "text-embedding-3-large", cfg.Model)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
	assert.Equal(t, "http://proxy/v1", cfg.OpenAIBaseURL)
	assert.Equal(t, 256, cfg.ExpectedDimension)
	assert.Equal(t, "base", base.Model, "base config is not modified")

	cfg, err = base.WithOverrides("", "", nil)
	require.NoError(t, err)
	assert.Equal(t, base, cfg)

	_, err = base.WithOverrides("", "", map[string]any{"dimension": "lots"})
	assert.Equal(t, ingesterr.KindValidation, ingesterr.KindOf(err))

	_, err = base.WithOverrides("", "", map[string]any{"dimension": -1})
	assert.Equal(t, ingesterr.KindValidation, ingesterr.KindOf(err))
}

func voyageServer(t *testing.T, handler func(w http.ResponseWriter, inputs []string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req.Input)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeVectors(w http.ResponseWriter, inputs []string, dim int) {
	type item struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	data := make([]item, len(inputs))
	// reversed to check that results are reordered by index
	for i := range inputs {
		j := len(inputs) - 1 - i
		v := make([]float32, dim)
		v[0] = float32(j)
		data[i] = item{Embedding: v, Index: j}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestVoyageClient(t *testing.T) {
	srv := voyageServer(t, func(w http.ResponseWriter, inputs []string) {
		writeVectors(w, inputs, 4)
	})

	c, err := embedding.NewVoyageClient("test-key", "voyage-lite", 0, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Dimension())

	vectors, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.Len(t, v, 4)
		assert.Equal(t, float32(i), v[0])
	}
	assert.Equal(t, 4, c.Dimension(), "dimension learned from first response")
}

func TestVoyageClientDimensionMismatch(t *testing.T) {
	srv := voyageServer(t, func(w http.ResponseWriter, inputs []string) {
		writeVectors(w, inputs, 3)
	})

	c, err := embedding.NewVoyageClient("test-key", "voyage-lite", 8, srv.URL)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "a")
	assert.Equal(t, ingesterr.KindInvalidInput, ingesterr.KindOf(err))
}

func TestVoyageClientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		wantKind  ingesterr.Kind
		wantDelay time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "3"}, wantKind: ingesterr.KindRateLimited, wantDelay: 3 * time.Second},
		{name: "bad key", status: http.StatusUnauthorized, wantKind: ingesterr.KindAuth},
		{name: "server error", status: http.StatusBadGateway, wantKind: ingesterr.KindProviderUnavailable},
		{name: "bad input", status: http.StatusBadRequest, wantKind: ingesterr.KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := voyageServer(t, func(w http.ResponseWriter, _ []string) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"detail":"nope"}`))
			})
			c, err := embedding.NewVoyageClient("test-key", "", 0, srv.URL)
			require.NoError(t, err)

			_, err = c.Embed(context.Background(), "a")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, ingesterr.KindOf(err))
			assert.Equal(t, tt.wantDelay, ingesterr.RetryAfter(err))
		})
	}
}

func TestVoyageClientCancelled(t *testing.T) {
	srv := voyageServer(t, func(w http.ResponseWriter, inputs []string) {
		writeVectors(w, inputs, 4)
	})
	c, err := embedding.NewVoyageClient("test-key", "", 0, srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Embed(ctx, "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
