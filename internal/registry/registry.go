package registry

import (
	"sync"
	"time"

	"github.com/roost-run/roost/internal/workload"
)

// Capability is one invocable operation (a tool definition) or one piece
// of agent metadata discovered from a live workload at startup.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Entry mirrors a subset of the durable record plus capability metadata
// discovered after health confirmation. Entries are ephemeral: rebuilt on
// restart and never authoritative for whether a process is running.
type Entry struct {
	Name         string            `json:"name"`
	Module       string            `json:"module"`
	Kind         workload.Kind     `json:"kind"`
	PID          int               `json:"pid,omitempty"`
	Port         int               `json:"port"`
	State        workload.State    `json:"state"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Registry is the in-memory catalog read by the proxy and status
// consumers. It is an owned object handed to its consumers, never a
// package global, so tests construct isolated instances.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Put inserts or replaces an entry.
func (r *Registry) Put(e Entry) {
	r.mu.Lock()
	r.entries[e.Name] = e
	r.mu.Unlock()
}

// Remove drops an entry on Stopped/Crashed.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Resolve returns the port for a Running workload; the proxy's fast path.
func (r *Registry) Resolve(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.State != workload.StateRunning {
		return 0, false
	}
	return e.Port, true
}

// SetState mutates only the state of an existing entry.
func (r *Registry) SetState(name string, st workload.State) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		e.State = st
		r.entries[name] = e
	}
	r.mu.Unlock()
}

// List returns a copy of all entries.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// ListByKind filters entries by workload kind.
func (r *Registry) ListByKind(k workload.Kind) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
