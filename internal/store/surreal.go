package store

import (
	"context"

	"github.com/raphaelgruber/ingestd/internal/db"
	"github.com/raphaelgruber/ingestd/internal/models"
)

// Surreal keeps jobs in the ingest_job table of a SurrealDB database.
type Surreal struct {
	client *db.Client
}

// NewSurreal wraps a connected client. The caller owns the client.
func NewSurreal(client *db.Client) *Surreal {
	return &Surreal{client: client}
}

func (s *Surreal) SaveJob(ctx context.Context, j models.Job) error {
	return s.client.QuerySaveJob(ctx, j)
}

func (s *Surreal) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.client.QueryGetJob(ctx, id)
}

func (s *Surreal) ListJobs(ctx context.Context) ([]models.Job, error) {
	return s.client.QueryListJobs(ctx)
}

func (s *Surreal) DeleteJob(ctx context.Context, id string) error {
	_, err := s.client.QueryDeleteJob(ctx, id)
	return err
}

func (s *Surreal) Close() error { return nil }
