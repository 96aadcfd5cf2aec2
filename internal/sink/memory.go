package sink

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

// Memory keeps records in process memory.
type Memory struct {
	mu      sync.RWMutex
	indexes map[string]*memoryIndex
}

type memoryIndex struct {
	dimension int
	records   map[string]models.Record
}

var _ Sink = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{indexes: make(map[string]*memoryIndex)}
}

func (m *Memory) EnsureIndex(_ context.Context, index string, dimension int) error {
	if index == "" {
		return ingesterr.Validation("index name is required")
	}
	if dimension <= 0 {
		return ingesterr.Errorf(ingesterr.KindInvalidInput, "memory.ensure_index", "dimension must be positive, got %d", dimension)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.indexes[index]; ok {
		if idx.dimension != dimension {
			return ingesterr.Errorf(ingesterr.KindSchemaMismatch, "memory.ensure_index",
				"index %s has dimension %d, embeddings have %d", index, idx.dimension, dimension)
		}
		return nil
	}
	m.indexes[index] = &memoryIndex{dimension: dimension, records: make(map[string]models.Record)}
	return nil
}

func (m *Memory) Upsert(_ context.Context, index string, records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[index]
	if !ok {
		return ingesterr.Errorf(ingesterr.KindIndexUnavailable, "memory.upsert", "index %s does not exist", index)
	}
	for _, r := range records {
		if len(r.Vector) != idx.dimension {
			return ingesterr.Errorf(ingesterr.KindSchemaMismatch, "memory.upsert",
				"record %s has dimension %d, index %s has %d", r.ID, len(r.Vector), index, idx.dimension)
		}
	}
	for _, r := range records {
		r.Vector = slices.Clone(r.Vector)
		r.Metadata = maps.Clone(r.Metadata)
		idx.records[r.ID] = r
	}
	return nil
}

// Count returns the number of records in index.
func (m *Memory) Count(_ context.Context, index string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx, ok := m.indexes[index]; ok {
		return len(idx.records), nil
	}
	return 0, nil
}

// Records returns a copy of the records in index ordered by ID.
func (m *Memory) Records(index string) []models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.indexes[index]
	if !ok {
		return nil
	}
	out := slices.Collect(maps.Values(idx.records))
	slices.SortFunc(out, func(a, b models.Record) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Dimension returns the dimension of index, or 0 if it does not exist.
func (m *Memory) Dimension(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx, ok := m.indexes[index]; ok {
		return idx.dimension
	}
	return 0
}

// ListIndexes returns every index ordered by name.
func (m *Memory) ListIndexes(_ context.Context) ([]IndexInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IndexInfo, 0, len(m.indexes))
	for name, idx := range m.indexes {
		out = append(out, IndexInfo{Name: name, Dimension: idx.dimension})
	}
	slices.SortFunc(out, func(a, b IndexInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// DeleteIndex drops index and its records.
func (m *Memory) DeleteIndex(_ context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[index]; !ok {
		return ingesterr.Errorf(ingesterr.KindNotFound, "memory.delete_index", "index %s does not exist", index)
	}
	delete(m.indexes, index)
	return nil
}

func (m *Memory) Close() error { return nil }
