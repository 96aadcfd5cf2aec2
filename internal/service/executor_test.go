package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkippable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"embed invalid input", stageErr(StageEmbed, "d", ingesterr.New(ingesterr.KindInvalidInput, "embed", "x")), true},
		{"embed retries exhausted", stageErr(StageEmbed, "d", ingesterr.New(ingesterr.KindProviderUnavailable, "embed", "x")), true},
		{"sink unavailable", stageErr(StageSink, "d", ingesterr.New(ingesterr.KindIndexUnavailable, "sink", "x")), true},
		{"schema mismatch", stageErr(StageSink, "d", ingesterr.New(ingesterr.KindSchemaMismatch, "sink", "x")), false},
		{"cancelled", stageErr(StageEmbed, "d", ingesterr.New(ingesterr.KindCancelled, "embed", "x")), false},
		{"index creation", stageErr(StageIndex, "d", ingesterr.New(ingesterr.KindIndexUnavailable, "index", "x")), false},
		{"bad source document", stageErr(StageSource, "", ingesterr.New(ingesterr.KindInvalidInput, "s3", "x")), true},
		{"source unreachable", stageErr(StageSource, "", ingesterr.New(ingesterr.KindConnection, "s3", "x")), false},
		{"unclassified", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, skippable(tt.err))
		})
	}
}

func fastRetry() retryPolicy {
	return retryPolicy{cfg: RetryConfig{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}}
}

func TestRetryPolicy(t *testing.T) {
	log := slog.Default()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := fastRetry().do(context.Background(), log, StageEmbed, func() error {
			calls++
			if calls < 3 {
				return ingesterr.New(ingesterr.KindProviderUnavailable, "embed", "down")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops after attempts", func(t *testing.T) {
		calls := 0
		err := fastRetry().do(context.Background(), log, StageSink, func() error {
			calls++
			return ingesterr.New(ingesterr.KindIndexUnavailable, "sink", "down")
		})
		assert.Equal(t, ingesterr.KindIndexUnavailable, ingesterr.KindOf(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := fastRetry().do(context.Background(), log, StageSink, func() error {
			calls++
			return ingesterr.New(ingesterr.KindSchemaMismatch, "sink", "wrong shape")
		})
		assert.Equal(t, ingesterr.KindSchemaMismatch, ingesterr.KindOf(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("cancellation while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := retryPolicy{cfg: RetryConfig{Attempts: 5, Initial: time.Hour, Max: time.Hour}}
		calls := 0
		err := p.do(ctx, log, StageEmbed, func() error {
			calls++
			cancel()
			return ingesterr.New(ingesterr.KindProviderUnavailable, "embed", "down")
		})
		assert.Equal(t, ingesterr.KindCancelled, ingesterr.KindOf(err))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("rate limit hint", func(t *testing.T) {
		p := retryPolicy{cfg: RetryConfig{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond}}
		calls := 0
		start := time.Now()
		err := p.do(context.Background(), log, StageEmbed, func() error {
			calls++
			if calls == 1 {
				return ingesterr.RateLimited("embed", errors.New("429"), 50*time.Millisecond)
			}
			return nil
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})
}

func TestHintedBackOff(t *testing.T) {
	hint := 5 * time.Second
	b := &hintedBackOff{BackOff: &backoff.ConstantBackOff{Interval: time.Millisecond}, hint: &hint}

	assert.Equal(t, 5*time.Second, b.NextBackOff())
	assert.Equal(t, time.Millisecond, b.NextBackOff(), "hint applies once")

	stop := time.Minute
	stopped := &hintedBackOff{BackOff: &backoff.StopBackOff{}, hint: &stop}
	assert.Equal(t, backoff.Stop, stopped.NextBackOff())
}

func TestJobErrorCarriesStage(t *testing.T) {
	err := stageErr(StageSink, "s3://bucket/a.pdf", ingesterr.New(ingesterr.KindSchemaMismatch, "pgvector.upsert", "expected 384 dimensions"))
	je := jobError(err)
	assert.Equal(t, ingesterr.KindSchemaMismatch, je.Kind)
	assert.Equal(t, StageSink, je.Stage)
	assert.Equal(t, "s3://bucket/a.pdf", je.Document)
	assert.Equal(t, "expected 384 dimensions", je.Message)
}
