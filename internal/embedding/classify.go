package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

// classify maps a provider error onto an ingestion error kind. Providers that
// only expose error strings are classified by substring.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ingesterr.Wrap(ingesterr.KindCancelled, op, err)
	}
	var ie *ingesterr.Error
	if errors.As(err, &ie) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, " 429 ") || strings.Contains(msg, "status 429") ||
		strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "resourceexhausted") ||
		strings.Contains(msg, "throttl"):
		return ingesterr.RateLimited(op, err, 0)
	case strings.Contains(msg, " 401 ") || strings.Contains(msg, "status 401") ||
		strings.Contains(msg, " 403 ") || strings.Contains(msg, "status 403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "permission_denied") || strings.Contains(msg, "permissiondenied") ||
		strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "accessdenied"):
		return ingesterr.Wrap(ingesterr.KindAuth, op, err)
	case strings.Contains(msg, " 400 ") || strings.Contains(msg, "status 400") ||
		strings.Contains(msg, "invalid_argument") || strings.Contains(msg, "invalidargument") ||
		strings.Contains(msg, "validationexception") ||
		strings.Contains(msg, "context length") || strings.Contains(msg, "too long"):
		return ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
	default:
		// timeouts, refused or reset connections, EOF and 5xx all land here
		return ingesterr.Wrap(ingesterr.KindProviderUnavailable, op, err)
	}
}

// dimensionGuard checks that every vector has the same length. With an
// expected dimension of 0 the first vector seen fixes it.
type dimensionGuard struct {
	dim atomic.Int64
}

func newDimensionGuard(expected int) *dimensionGuard {
	g := &dimensionGuard{}
	g.dim.Store(int64(expected))
	return g
}

func (g *dimensionGuard) Dimension() int {
	return int(g.dim.Load())
}

func (g *dimensionGuard) check(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return ingesterr.Errorf(ingesterr.KindProviderUnavailable, "embed", "count mismatch: got %d, want %d", len(vectors), want)
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return ingesterr.Errorf(ingesterr.KindProviderUnavailable, "embed", "embedding %d is empty", i)
		}
		g.dim.CompareAndSwap(0, int64(len(v)))
		if d := g.dim.Load(); int64(len(v)) != d {
			return ingesterr.Wrap(ingesterr.KindInvalidInput, "embed",
				fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), d))
		}
	}
	return nil
}

// batches splits texts into groups of at most size.
func batches(texts []string, size int) [][]string {
	if size <= 0 || size >= len(texts) {
		return [][]string{texts}
	}
	out := make([][]string, 0, (len(texts)+size-1)/size)
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		out = append(out, texts[start:end])
	}
	return out
}
