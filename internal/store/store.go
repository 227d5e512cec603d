package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a name.
var ErrNotFound = errors.New("service record not found")

// Record is the durable unit of truth for one managed service. PID is zero
// whenever the status implies no live process; backends persist that as
// NULL. Records are never hard-deleted while their configuration exists:
// removal marks them stopped so history survives.
type Record struct {
	Name      string    `json:"name"`
	Module    string    `json:"module_name"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists service records. The store is authoritative for audit and
// crash recovery; the in-memory registry is authoritative for routing. A
// failed write therefore never blocks a lifecycle transition.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, name string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	ListByStatus(ctx context.Context, status string) ([]Record, error)
	ListByModule(ctx context.Context, module string) ([]Record, error)
	MarkStopped(ctx context.Context, name string) error
	Close() error
}
