package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/metrics"
)

// RetryConfig bounds retries of a single external call.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryConfig returns 3 attempts with 200ms to 2s jittered backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Initial: 200 * time.Millisecond, Max: 2 * time.Second}
}

// retryPolicy retries retryable ingestion errors with exponential backoff.
type retryPolicy struct {
	cfg     RetryConfig
	metrics *metrics.Collector
}

func (p retryPolicy) newBackOff(ctx context.Context, hint *time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.Initial > 0 {
		b.InitialInterval = p.cfg.Initial
	}
	if p.cfg.Max > 0 {
		b.MaxInterval = p.cfg.Max
	}
	b.MaxElapsedTime = 0

	attempts := max(p.cfg.Attempts, 1)
	return backoff.WithContext(
		backoff.WithMaxRetries(&hintedBackOff{BackOff: b, hint: hint}, uint64(attempts-1)),
		ctx,
	)
}

// do runs fn until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx is cancelled. Cancellation while waiting returns a
// Cancelled error.
func (p retryPolicy) do(ctx context.Context, log *slog.Logger, stage string, fn func() error) error {
	var hint time.Duration
	attempt := 0

	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !ingesterr.Retryable(err) {
			return backoff.Permanent(err)
		}
		hint = ingesterr.RetryAfter(err)
		return err
	}
	notify := func(err error, next time.Duration) {
		p.metrics.Prometheus().Retry(stage)
		log.Warn("retrying", "stage", stage, "attempt", attempt, "next_in", next, "error", err)
	}

	err := backoff.RetryNotify(op, p.newBackOff(ctx, &hint), notify)
	if err != nil && ctx.Err() != nil {
		return ingesterr.Wrap(ingesterr.KindCancelled, stage, ctx.Err())
	}
	return err
}

// hintedBackOff waits at least as long as the last RateLimited hint.
type hintedBackOff struct {
	backoff.BackOff
	hint *time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if *h.hint > d {
		d = *h.hint
	}
	*h.hint = 0
	return d
}
