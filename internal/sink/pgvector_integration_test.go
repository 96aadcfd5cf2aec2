//go:build integration

package sink

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPGVector(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ingest",
				"POSTGRES_PASSWORD": "ingest",
				"POSTGRES_DB":       "vectors",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://ingest:ingest@%s:%s/vectors?sslmode=disable", host, port.Port())
}

func TestPGVectorRoundTrip(t *testing.T) {
	dsn := startPGVector(t)
	ctx := context.Background()

	p, err := OpenPGVector(ctx, PGVectorConfig{ConnectionString: dsn})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.EnsureIndex(ctx, "docs", 3))
	require.NoError(t, p.EnsureIndex(ctx, "docs", 3))

	err = p.EnsureIndex(ctx, "docs", 4)
	assert.Equal(t, ingesterr.KindSchemaMismatch, ingesterr.KindOf(err))

	batch := []models.Record{
		{ID: "a", Text: "alpha", Vector: []float32{1, 0, 0}, Metadata: map[string]any{"chunk_index": 0}},
		{ID: "b", Text: "beta", Vector: []float32{0, 1, 0}},
	}
	require.NoError(t, p.Upsert(ctx, "docs", batch))
	require.NoError(t, p.Upsert(ctx, "docs", batch))

	n, err := p.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = p.Upsert(ctx, "docs", []models.Record{{ID: "c", Text: "gamma", Vector: []float32{1, 2}}})
	assert.Equal(t, ingesterr.KindSchemaMismatch, ingesterr.KindOf(err))

	indexes, err := p.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []IndexInfo{{Name: "docs", Dimension: 3}}, indexes)

	require.NoError(t, p.DeleteIndex(ctx, "docs"))
	indexes, err = p.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, indexes)

	err = p.DeleteIndex(ctx, "docs")
	assert.Equal(t, ingesterr.KindNotFound, ingesterr.KindOf(err))
}
