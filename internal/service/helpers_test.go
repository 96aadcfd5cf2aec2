package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/ingestd/internal/db"
	"github.com/raphaelgruber/ingestd/internal/embedding"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/sink"
	"github.com/stretchr/testify/require"
)

// testBuilder builds real pipelines but shares one mock embedder so tests
// can inject delays and failures.
type testBuilder struct {
	*Plugins
	mock *embedding.Mock
}

func (b *testBuilder) Build(ctx context.Context, req models.JobRequest) (*Pipeline, error) {
	p, err := b.Plugins.Build(ctx, req)
	if err != nil {
		return nil, err
	}
	p.Embedder = b.mock
	return p, nil
}

type testEnv struct {
	manager *JobManager
	mock    *embedding.Mock
	memory  *sink.Memory
}

func newTestEnv(t *testing.T, store JobStore) *testEnv {
	t.Helper()
	sinks := sink.NewFactory(nil, db.Config{})
	b := &testBuilder{
		Plugins: NewPlugins(embedding.Config{Provider: embedding.ProviderMock, ExpectedDimension: 8}, sinks),
		mock:    embedding.NewMock(8),
	}
	exec := NewExecutor(ExecutorConfig{
		BatchSize:   4,
		CallTimeout: 5 * time.Second,
		Retry:       RetryConfig{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}, nil)
	m := NewJobManager(ManagerConfig{StuckThreshold: time.Minute, MaxWorkers: 16}, b, exec, store, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &testEnv{manager: m, mock: b.mock, memory: sinks.Memory}
}

// staticRequest builds a request over inline documents with the given texts.
func staticRequest(texts ...string) models.JobRequest {
	docs := make([]map[string]any, len(texts))
	for i, text := range texts {
		docs[i] = map[string]any{"id": fmt.Sprintf("doc-%d", i), "text": text}
	}
	return models.JobRequest{
		PluginID:          "static",
		Config:            map[string]any{"documents": docs},
		ChunkSettings:     models.ChunkSettings{Strategy: models.StrategyCharacter, ChunkSize: 500, ChunkOverlap: 50},
		VectorStore:       "memory",
		IndexName:         "test_index",
		EmbeddingProvider: "mock",
	}
}

func repeatedDocs(n, length int) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = strings.Repeat(string(rune('a'+i%26)), length+i)
	}
	return texts
}

// waitTerminal polls until the job reaches completed or failed.
func waitTerminal(t *testing.T, m *JobManager, id string) models.Job {
	t.Helper()
	return waitFor(t, m, id, func(j models.Job) bool { return j.Status.Terminal() })
}

func waitFor(t *testing.T, m *JobManager, id string, cond func(models.Job) bool) models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := m.GetJob(id)
		return err == nil && cond(job)
	}, 10*time.Second, 2*time.Millisecond)
	job, err := m.GetJob(id)
	require.NoError(t, err)
	return job
}

// memStore is an in-memory JobStore recording every save.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]models.Job
	saves int
}

func newMemStore(jobs ...models.Job) *memStore {
	s := &memStore{jobs: map[string]models.Job{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) SaveJob(_ context.Context, j models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	s.saves++
	return nil
}

func (s *memStore) ListJobs(context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	// newest first, like the real stores
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && out[k].CreatedAt.After(out[k-1].CreatedAt); k-- {
			out[k], out[k-1] = out[k-1], out[k]
		}
	}
	return out, nil
}

func (s *memStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) get(id string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}
