package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

const pluginSQL = "sql"

func init() {
	register(Plugin{
		ID:          pluginSQL,
		DisplayName: "SQL Database",
		Required:    []string{"connection_string", "query"},
		properties: map[string]models.SchemaProperty{
			"connection_string": {Type: "string", Title: "Connection String", Description: "postgres://, postgresql://, sqlite:// or file: URL", WriteOnly: true},
			"query":             {Type: "string", Title: "Query", Description: "SELECT returning one document per row"},
			"content_column":    {Type: "string", Title: "Content Column", Default: "content"},
			"metadata_columns":  {Type: "array", Title: "Metadata Columns", Items: &models.SchemaProperty{Type: "string"}},
			"id_column":         {Type: "string", Title: "ID Column", Description: "Column whose value keys the document"},
		},
		build: func(cfg map[string]any) (Source, error) {
			var c SQLConfig
			if err := decodeConfig(pluginSQL, cfg, &c); err != nil {
				return nil, err
			}
			return NewSQL(c)
		},
	})
}

// SQLConfig configures the sql connector. Every row of Query becomes one
// document; ContentColumn holds its text.
type SQLConfig struct {
	ConnectionString string   `json:"connection_string"`
	Query            string   `json:"query"`
	ContentColumn    string   `json:"content_column"`
	MetadataColumns  []string `json:"metadata_columns"`
	// IDColumn, when set, makes document ids follow the row's key.
	IDColumn string `json:"id_column"`
}

// SQL reads documents from a Postgres (pgx) or SQLite database.
type SQL struct {
	cfg    SQLConfig
	driver string
	dsn    string
}

// NewSQL validates the config and picks the driver from the connection
// string: postgres:// and postgresql:// use pgx, sqlite:// and file: use
// sqlite3.
func NewSQL(cfg SQLConfig) (*SQL, error) {
	if cfg.ConnectionString == "" || strings.TrimSpace(cfg.Query) == "" {
		return nil, ingesterr.Validation("sql: connection_string and query are required")
	}
	if cfg.ContentColumn == "" {
		cfg.ContentColumn = "content"
	}
	driver, dsn, err := sqlDriver(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	return &SQL{cfg: cfg, driver: driver, dsn: dsn}, nil
}

func sqlDriver(conn string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(conn, "postgres://"), strings.HasPrefix(conn, "postgresql://"):
		return "pgx", conn, nil
	case strings.HasPrefix(conn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(conn, "sqlite://"), nil
	case strings.HasPrefix(conn, "file:"):
		return "sqlite3", conn, nil
	}
	return "", "", ingesterr.Validation("sql: unsupported connection string scheme in %q", redactDSN(conn))
}

func (s *SQL) Plugin() string { return pluginSQL }

func (s *SQL) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindConnection, pluginSQL, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, classifySQL(err)
	}
	return db, nil
}

// TestConnection connects and pings the database.
func (s *SQL) TestConnection(ctx context.Context) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	return db.Close()
}

// Count wraps the query in a COUNT(*).
func (s *SQL) Count(ctx context.Context) (int, error) {
	db, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS src", strings.TrimRight(strings.TrimSpace(s.cfg.Query), ";"))
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, classifySQL(err)
	}
	return n, nil
}

// Open runs the query and streams rows.
func (s *SQL) Open(ctx context.Context) (Iterator, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, s.cfg.Query)
	if err != nil {
		db.Close()
		return nil, classifySQL(err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		db.Close()
		return nil, classifySQL(err)
	}

	contentIdx := -1
	for i, c := range cols {
		if c == s.cfg.ContentColumn {
			contentIdx = i
		}
	}
	if contentIdx < 0 {
		rows.Close()
		db.Close()
		return nil, ingesterr.Validation("sql: content column %q not in result (columns: %v)", s.cfg.ContentColumn, cols)
	}

	return &sqlIterator{
		cfg:        s.cfg,
		db:         db,
		rows:       rows,
		cols:       cols,
		contentIdx: contentIdx,
		ref:        "sql://" + redactDSN(s.cfg.ConnectionString),
	}, nil
}

type sqlIterator struct {
	cfg        SQLConfig
	db         *sql.DB
	rows       *sql.Rows
	cols       []string
	contentIdx int
	ref        string
	row        int
}

// Next scans the next row with non-empty content. Row errors from the
// driver are sticky, so a retry returns the same error.
func (it *sqlIterator) Next(ctx context.Context) (models.Document, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Document{}, err
		}
		if !it.rows.Next() {
			if err := it.rows.Err(); err != nil {
				return models.Document{}, classifySQL(err)
			}
			return models.Document{}, EOF
		}
		it.row++

		values := make([]any, len(it.cols))
		ptrs := make([]any, len(it.cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := it.rows.Scan(ptrs...); err != nil {
			return models.Document{}, ingesterr.Wrap(ingesterr.KindInvalidInput, pluginSQL, err)
		}

		content := stringify(values[it.contentIdx])
		if strings.TrimSpace(content) == "" {
			continue
		}

		row := make(map[string]any, len(it.cols))
		for i, c := range it.cols {
			row[c] = values[i]
		}
		meta := map[string]any{"row": it.row}
		for _, c := range it.cfg.MetadataColumns {
			if v, ok := row[c]; ok && v != nil {
				meta[c] = normalizeValue(v)
			}
		}

		ref := fmt.Sprintf("%s#%d", it.ref, it.row)
		if it.cfg.IDColumn != "" {
			if v, ok := row[it.cfg.IDColumn]; ok && v != nil {
				ref = fmt.Sprintf("%s#%s=%s", it.ref, it.cfg.IDColumn, stringify(v))
			}
		}
		doc := newDocument(pluginSQL, ref, content, meta)
		doc.Metadata["source"] = it.ref
		return doc, nil
	}
}

func (it *sqlIterator) Close() error {
	return errors.Join(it.rows.Close(), it.db.Close())
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// normalizeValue keeps metadata JSON friendly.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

// redactDSN removes the password from URL style connection strings.
func redactDSN(conn string) string {
	u, err := url.Parse(conn)
	if err != nil || u.User == nil {
		return conn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func classifySQL(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "password authentication failed"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "sqlstate 28"):
		return ingesterr.Wrap(ingesterr.KindAuth, pluginSQL, err)
	case strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "syntax error"):
		return ingesterr.Wrap(ingesterr.KindInvalidInput, pluginSQL, err)
	}
	return ingesterr.Wrap(ingesterr.KindConnection, pluginSQL, err)
}
