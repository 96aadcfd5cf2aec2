package embedding

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

// DefaultMockDimension is the vector size of the mock provider.
const DefaultMockDimension = 384

// Mock generates deterministic, hash-derived vectors. It is meant for tests
// and dry runs; the vectors carry no meaning.
type Mock struct {
	dimension int
	calls     atomic.Int64

	mu    sync.Mutex
	fail  func(call int, texts []string) error
	delay time.Duration
}

var _ Embedder = (*Mock)(nil)

// NewMock creates a mock embedder producing vectors of length dimension.
func NewMock(dimension int) *Mock {
	if dimension <= 0 {
		dimension = DefaultMockDimension
	}
	return &Mock{dimension: dimension}
}

// FailWith installs a hook consulted before every EmbedBatch call. A non-nil
// return fails the call. call counts from 1.
func (m *Mock) FailWith(fn func(call int, texts []string) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

// SetDelay makes every call wait d or until ctx is done.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Calls reports how many EmbedBatch calls were made.
func (m *Mock) Calls() int { return int(m.calls.Load()) }

func (m *Mock) Model() string  { return "mock" }
func (m *Mock) Dimension() int { return m.dimension }

func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	call := int(m.calls.Add(1))

	m.mu.Lock()
	fail, delay := m.fail, m.delay
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ingesterr.Wrap(ingesterr.KindCancelled, "mock.embed", ctx.Err())
		case <-t.C:
		}
	}
	if fail != nil {
		if err := fail(call, texts); err != nil {
			return nil, err
		}
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if t == "" {
			return nil, ingesterr.Errorf(ingesterr.KindInvalidInput, "mock.embed", "text %d is empty", i)
		}
		out[i] = mockVector(t, m.dimension)
	}
	return out, nil
}

func mockVector(text string, dimension int) []float32 {
	hash := hashString(text)

	embedding := make([]float32, dimension)
	for i := range dimension {
		val := float32((hash+uint64(i)*7919)%10000) / 10000.0
		embedding[i] = val*2.0 - 1.0
	}

	// unit length
	var norm float32
	for _, v := range embedding {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range embedding {
			embedding[i] /= norm
		}
	}
	return embedding
}

func hashString(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}
