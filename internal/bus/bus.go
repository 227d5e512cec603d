package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates lifecycle event kinds.
type Type string

const (
	TypeStarted       Type = "started"
	TypeStopped       Type = "stopped"
	TypeHealthChanged Type = "health_changed"
	TypeCrashed       Type = "crashed"
	TypeDriftDetected Type = "drift_detected"
)

// Event is an immutable lifecycle notification. Fields beyond Name are
// populated per type; see the constructors.
type Event struct {
	ID   string    `json:"id"`
	Type Type      `json:"type"`
	Name string    `json:"name"`
	At   time.Time `json:"at"`

	PID      int    `json:"pid,omitempty"`
	Port     int    `json:"port,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Old      string `json:"old,omitempty"`
	New      string `json:"new,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func newEvent(t Type, name string) Event {
	return Event{ID: uuid.NewString(), Type: t, Name: name, At: time.Now().UTC()}
}

func Started(name string, pid, port int) Event {
	e := newEvent(TypeStarted, name)
	e.PID = pid
	e.Port = port
	return e
}

func Stopped(name, reason string) Event {
	e := newEvent(TypeStopped, name)
	e.Reason = reason
	return e
}

func HealthChanged(name, old, new_ string) Event {
	e := newEvent(TypeHealthChanged, name)
	e.Old = old
	e.New = new_
	return e
}

func Crashed(name string, exitCode int) Event {
	e := newEvent(TypeCrashed, name)
	e.ExitCode = exitCode
	return e
}

func DriftDetected(name, expected, actual string) Event {
	e := newEvent(TypeDriftDetected, name)
	e.Expected = expected
	e.Actual = actual
	return e
}

// Handler consumes events. Handlers run on their own goroutine; a slow
// handler delays only itself.
type Handler func(Event)

type subscriber struct {
	name string
	ch   chan Event
	done chan struct{}
}

// Bus is in-process publish/subscribe with at-least-once delivery to live
// subscribers and no persistence. Publish never blocks: when a
// subscriber's buffer is full the event is dropped, because any missed
// event is re-derived from state by the next reconciler tick.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	wg     sync.WaitGroup
	closed bool
}

func New() *Bus { return &Bus{} }

// Subscribe registers h under a diagnostic name with the given buffer.
func (b *Bus) Subscribe(name string, buffer int, h Handler) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{name: name, ch: make(chan Event, buffer), done: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-s.ch:
				h(ev)
			case <-s.done:
				// drain remaining buffered events before exit
				for {
					select {
					case ev := <-s.ch:
						h(ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Publish fans out ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			slog.Warn("event dropped for slow subscriber",
				"subscriber", s.name, "event", string(ev.Type), "service", ev.Name)
		}
	}
}

// Close stops all subscriber goroutines after draining their buffers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()
	for _, s := range subs {
		close(s.done)
	}
	b.wg.Wait()
}
