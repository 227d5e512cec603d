package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists service records in PostgreSQL via the pgx stdlib
// driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects using a postgres:// DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS services (
			name TEXT PRIMARY KEY,
			module_name TEXT NOT NULL DEFAULT '',
			pid INTEGER,
			port INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'stopped',
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_services_status ON services(status)`,
		`CREATE INDEX IF NOT EXISTS idx_services_module ON services(module_name)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure services schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (name, module_name, pid, port, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			module_name = EXCLUDED.module_name,
			pid = EXCLUDED.pid,
			port = EXCLUDED.port,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		rec.Name, rec.Module, nullablePID(rec.PID), rec.Port, rec.Status, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert service %s: %w", rec.Name, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, module_name, pid, port, status, updated_at FROM services WHERE name = $1`, name)
	return scanRecord(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT name, module_name, pid, port, status, updated_at FROM services ORDER BY name`)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status string) ([]Record, error) {
	return s.query(ctx,
		`SELECT name, module_name, pid, port, status, updated_at FROM services WHERE status = $1 ORDER BY name`, status)
}

func (s *PostgresStore) ListByModule(ctx context.Context, module string) ([]Record, error) {
	return s.query(ctx,
		`SELECT name, module_name, pid, port, status, updated_at FROM services WHERE module_name = $1 ORDER BY name`, module)
}

func (s *PostgresStore) MarkStopped(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET status = 'stopped', pid = NULL, updated_at = $1 WHERE name = $2`,
		time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("mark stopped %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
