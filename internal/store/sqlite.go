package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists service records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. An empty path
// uses an in-memory database, which tests rely on.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite behaves best with a single writer connection.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS services (
			name TEXT PRIMARY KEY,
			module_name TEXT NOT NULL DEFAULT '',
			pid INTEGER,
			port INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'stopped',
			updated_at TIMESTAMP NOT NULL
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

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (name, module_name, pid, port, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			module_name = excluded.module_name,
			pid = excluded.pid,
			port = excluded.port,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		rec.Name, rec.Module, nullablePID(rec.PID), rec.Port, rec.Status, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert service %s: %w", rec.Name, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, module_name, pid, port, status, updated_at FROM services WHERE name = ?`, name)
	return scanRecord(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT name, module_name, pid, port, status, updated_at FROM services ORDER BY name`)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status string) ([]Record, error) {
	return s.query(ctx,
		`SELECT name, module_name, pid, port, status, updated_at FROM services WHERE status = ? ORDER BY name`, status)
}

func (s *SQLiteStore) ListByModule(ctx context.Context, module string) ([]Record, error) {
	return s.query(ctx,
		`SELECT name, module_name, pid, port, status, updated_at FROM services WHERE module_name = ? ORDER BY name`, module)
}

func (s *SQLiteStore) MarkStopped(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET status = 'stopped', pid = NULL, updated_at = ? WHERE name = ?`,
		time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("mark stopped %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
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

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var pid sql.NullInt64
	err := row.Scan(&rec.Name, &rec.Module, &pid, &rec.Port, &rec.Status, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if pid.Valid {
		rec.PID = int(pid.Int64)
	}
	return rec, nil
}

func nullablePID(pid int) sql.NullInt64 {
	if pid <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(pid), Valid: true}
}
