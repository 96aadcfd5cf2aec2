package sink

import (
	"context"

	"github.com/raphaelgruber/ingestd/internal/db"
	"github.com/raphaelgruber/ingestd/internal/models"
)

// SurrealConfig is the vector_store_config of the surrealdb store. Empty
// fields fall back to the server's SurrealDB settings.
type SurrealConfig struct {
	URL       string `json:"url"`
	Namespace string `json:"namespace"`
	Database  string `json:"database"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	AuthLevel string `json:"auth_level"`
}

func (c SurrealConfig) merge(defaults db.Config) db.Config {
	out := defaults
	if c.URL != "" {
		out.URL = c.URL
	}
	if c.Namespace != "" {
		out.Namespace = c.Namespace
	}
	if c.Database != "" {
		out.Database = c.Database
	}
	if c.Username != "" {
		out.Username = c.Username
	}
	if c.Password != "" {
		out.Password = c.Password
	}
	if c.AuthLevel != "" {
		out.AuthLevel = c.AuthLevel
	}
	return out
}

// Surreal stores each index as a SurrealDB table with an HNSW index.
type Surreal struct {
	client *db.Client
	owned  bool
}

var _ Sink = (*Surreal)(nil)

// OpenSurreal connects with its own client, closed by Close.
func OpenSurreal(ctx context.Context, cfg db.Config) (*Surreal, error) {
	client, err := db.NewClient(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := client.InitSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return &Surreal{client: client, owned: true}, nil
}

// NewSurreal wraps a shared client. Close leaves it open.
func NewSurreal(client *db.Client) *Surreal {
	return &Surreal{client: client}
}

func (s *Surreal) EnsureIndex(ctx context.Context, index string, dimension int) error {
	return s.client.QueryEnsureChunkTable(ctx, index, dimension)
}

func (s *Surreal) Upsert(ctx context.Context, index string, records []models.Record) error {
	return s.client.QueryUpsertChunks(ctx, index, records)
}

func (s *Surreal) Count(ctx context.Context, index string) (int, error) {
	return s.client.QueryCountChunks(ctx, index)
}

func (s *Surreal) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	indexes, err := s.client.QueryListIndexes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]IndexInfo, len(indexes))
	for i, idx := range indexes {
		out[i] = IndexInfo{Name: idx.Name, Dimension: idx.Dimension}
	}
	return out, nil
}

func (s *Surreal) DeleteIndex(ctx context.Context, index string) error {
	return s.client.QueryDeleteIndex(ctx, index)
}

func (s *Surreal) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close(context.Background())
}
