package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ingesterr.Kind
	}{
		{errors.New("API returned unexpected status code: 429 "), ingesterr.KindRateLimited},
		{errors.New("rpc error: code = ResourceExhausted desc = quota"), ingesterr.KindRateLimited},
		{errors.New("ThrottlingException: Rate exceeded"), ingesterr.KindRateLimited},
		{errors.New("status 401: invalid api key"), ingesterr.KindAuth},
		{errors.New("rpc error: code = Unauthenticated"), ingesterr.KindAuth},
		{errors.New("AccessDeniedException: not allowed"), ingesterr.KindAuth},
		{errors.New("ValidationException: input too long"), ingesterr.KindInvalidInput},
		{errors.New("dial tcp 127.0.0.1:11434: connect: connection refused"), ingesterr.KindProviderUnavailable},
		{errors.New("unexpected EOF"), ingesterr.KindProviderUnavailable},
		{fmt.Errorf("embed: %w", context.Canceled), ingesterr.KindCancelled},
		{ingesterr.New(ingesterr.KindSchemaMismatch, "x", "dim"), ingesterr.KindSchemaMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, ingesterr.KindOf(classify("embed", tt.err)))
		})
	}
	assert.NoError(t, classify("embed", nil))
}

func TestDimensionGuard(t *testing.T) {
	g := newDimensionGuard(0)
	require.NoError(t, g.check([][]float32{{1, 2, 3}}, 1))
	assert.Equal(t, 3, g.Dimension())

	err := g.check([][]float32{{1, 2}}, 1)
	assert.Equal(t, ingesterr.KindInvalidInput, ingesterr.KindOf(err))

	err = g.check([][]float32{{1, 2, 3}}, 2)
	assert.Equal(t, ingesterr.KindProviderUnavailable, ingesterr.KindOf(err))

	fixed := newDimensionGuard(4)
	err = fixed.check([][]float32{{1, 2, 3}}, 1)
	assert.Equal(t, ingesterr.KindInvalidInput, ingesterr.KindOf(err))
}

func TestBatches(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, batches(texts, 2))
	assert.Equal(t, [][]string{texts}, batches(texts, 0))
	assert.Equal(t, [][]string{texts}, batches(texts, 10))
}

func TestLangChainEmbedBatch(t *testing.T) {
	var seen [][]string
	client := embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		seen = append(seen, texts)
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 0, 0}
		}
		return out, nil
	})

	e, err := newLangChain(ProviderOllama, "test-model", client, Config{BatchSize: 2})
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)
	assert.Equal(t, 3, e.Dimension())
	assert.Equal(t, "test-model", e.Model())
	assert.Len(t, seen, 2, "texts are sent in batches of two")

	_, err = e.EmbedBatch(context.Background(), []string{"a", ""})
	assert.Equal(t, ingesterr.KindInvalidInput, ingesterr.KindOf(err))
}

func TestLangChainClassifiesErrors(t *testing.T) {
	client := embeddings.EmbedderClientFunc(func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("API returned unexpected status code: 429 ")
	})
	e, err := newLangChain(ProviderOpenAI, "m", client, Config{})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "a")
	assert.Equal(t, ingesterr.KindRateLimited, ingesterr.KindOf(err))
	assert.True(t, ingesterr.Retryable(err))
}
