package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLSink appends history events to a service_history table. It supports
// SQLite (modernc.org/sqlite) and Postgres (pgx stdlib), picked from the
// DSN the same way the state store is.
type SQLSink struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

// NewSQLSink opens the sink and creates the table when missing.
func NewSQLSink(dsn string) (*SQLSink, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN for SQL history sink")
	}
	ld := strings.ToLower(d)
	drv, dialect, path := "sqlite", "sqlite", d
	switch {
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		drv, dialect = "pgx", "postgres"
	case strings.HasPrefix(ld, "sqlite://"):
		path = strings.TrimPrefix(d, "sqlite://")
	}
	db, err := sql.Open(drv, path)
	if err != nil {
		return nil, err
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == "postgres" {
		ts = "TIMESTAMPTZ"
	}
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS service_history (
		type TEXT NOT NULL,
		occurred_at %s NOT NULL,
		name TEXT NOT NULL,
		module_name TEXT NOT NULL DEFAULT '',
		pid INTEGER,
		port INTEGER,
		detail TEXT
	)`, ts)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure service_history schema: %w", err)
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	q := `INSERT INTO service_history (type, occurred_at, name, module_name, pid, port, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		q = `INSERT INTO service_history (type, occurred_at, name, module_name, pid, port, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	}
	_, err := s.db.ExecContext(ctx, q, e.Type, e.OccurredAt, e.Name, e.Module, e.PID, e.Port, e.Detail)
	return err
}

func (s *SQLSink) Close() error { return s.db.Close() }
