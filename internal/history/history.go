package history

import (
	"context"
	"time"
)

// Event is one lifecycle occurrence exported to external analytics
// systems. It is append-only and independent of the state store.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	Module     string    `json:"module"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Detail     string    `json:"detail"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use; failures are logged by the caller and never block
// lifecycle transitions.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
