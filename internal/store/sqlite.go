// Package store persists ingestion jobs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

// SQLite keeps jobs in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) runMigrations() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ingest_jobs (
		id           TEXT PRIMARY KEY,
		status       TEXT NOT NULL,          -- pending|running|completed|failed
		plugin_id    TEXT NOT NULL,
		index_name   TEXT NOT NULL,
		payload      TEXT NOT NULL,          -- full job as JSON
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ingest_jobs_created ON ingest_jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_ingest_jobs_status ON ingest_jobs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveJob inserts or replaces a job.
func (s *SQLite) SaveJob(ctx context.Context, j models.Job) error {
	j.PossiblyStuck = false
	payload, err := json.Marshal(j)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindInternal, "sqlite.save_job", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO ingest_jobs (id, status, plugin_id, index_name, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	payload = excluded.payload,
	updated_at = excluded.updated_at`,
		j.ID, j.Status, j.DataSourceID, j.IndexName, string(payload), j.CreatedAt.UTC(), time.Now().UTC())
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindInternal, "sqlite.save_job", err)
	}
	return nil
}

// GetJob returns a job by ID, or a NotFound error.
func (s *SQLite) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM ingest_jobs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingesterr.Errorf(ingesterr.KindNotFound, "sqlite.get_job", "job %s not found", id)
	}
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, "sqlite.get_job", err)
	}
	return decodeJob(payload)
}

// ListJobs returns all jobs, newest first.
func (s *SQLite) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT payload
FROM ingest_jobs
ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, "sqlite.list_jobs", err)
	}
	defer rows.Close()

	out := []models.Job{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInternal, "sqlite.list_jobs", err)
		}
		j, err := decodeJob(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ingest_jobs WHERE id = ?`, id); err != nil {
		return ingesterr.Wrap(ingesterr.KindInternal, "sqlite.delete_job", err)
	}
	return nil
}

// CountByStatus returns the number of jobs per status.
func (s *SQLite) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ingest_jobs GROUP BY status`)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, "sqlite.count", err)
	}
	defer rows.Close()

	out := map[models.JobStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInternal, "sqlite.count", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func decodeJob(payload string) (*models.Job, error) {
	var j models.Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, "store.decode_job", err)
	}
	return &j, nil
}
