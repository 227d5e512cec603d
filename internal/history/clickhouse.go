package history

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink exports history events through the official ClickHouse
// client, for deployments that roll lifecycle events into an analytics
// warehouse.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink connects to addr (host:port) and verifies the
// connection. The table must exist; roost does not own analytics schemas.
func NewClickHouseSink(addr, database, username, password, table string) (*ClickHouseSink, error) {
	if database == "" {
		database = "default"
	}
	if table == "" {
		table = "service_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database, Username: username, Password: password},
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Send(ctx context.Context, e Event) error {
	q := fmt.Sprintf(
		`INSERT INTO %s (type, occurred_at, name, module_name, pid, port, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.table)
	if err := s.conn.Exec(ctx, q, e.Type, e.OccurredAt, e.Name, e.Module, e.PID, e.Port, e.Detail); err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
