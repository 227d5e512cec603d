// Package lifecycle owns the state machine of every managed workload.
// Each workload gets a dedicated handler goroutine fed by a control
// channel, so operations on one name are strictly serialized while
// different names proceed in parallel. Every state change is mirrored
// into the store and announced on the event bus; nothing outside this
// package starts, stops, or signals a managed process.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roost-run/roost/internal/bus"
	"github.com/roost-run/roost/internal/capability"
	"github.com/roost-run/roost/internal/health"
	"github.com/roost-run/roost/internal/metrics"
	"github.com/roost-run/roost/internal/ports"
	"github.com/roost-run/roost/internal/proctool"
	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/store"
	"github.com/roost-run/roost/internal/workload"
)

// ErrUnknownWorkload is returned for operations on names never registered.
var ErrUnknownWorkload = fmt.Errorf("unknown workload")

// Status is an externally consumable snapshot of one workload.
type Status struct {
	Name      string         `json:"name"`
	Module    string         `json:"module"`
	Kind      workload.Kind  `json:"kind"`
	State     workload.State `json:"state"`
	PID       int            `json:"pid,omitempty"`
	Port      int            `json:"port,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	Restarts  int            `json:"restarts"`
	LastError string         `json:"last_error,omitempty"`
}

// deps is the shared wiring handed to every handler.
type deps struct {
	alloc   *ports.Allocator
	tracker *proctool.Tracker
	prober  *health.Prober
	st      store.Store
	reg     *registry.Registry
	bus     *bus.Bus
	log     *slog.Logger

	discoveryTimeout  time.Duration
	probeInterval     time.Duration
	probeIntervalFast time.Duration
}

// Options wires a Manager. Store is optional; everything else is required.
type Options struct {
	Allocator *ports.Allocator
	Tracker   *proctool.Tracker
	Prober    *health.Prober
	Store     store.Store
	Registry  *registry.Registry
	Bus       *bus.Bus
	Logger    *slog.Logger

	DiscoveryTimeout  time.Duration
	ProbeInterval     time.Duration
	ProbeIntervalFast time.Duration
}

type entry struct {
	h      *handler
	cancel context.CancelFunc
}

// Manager is the sole authority over workload lifecycles.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	deps    *deps
}

func NewManager(o Options) (*Manager, error) {
	if o.Allocator == nil || o.Tracker == nil || o.Prober == nil || o.Registry == nil || o.Bus == nil {
		return nil, fmt.Errorf("lifecycle: allocator, tracker, prober, registry and bus are required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = 10 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 10 * time.Second
	}
	if o.ProbeIntervalFast <= 0 {
		o.ProbeIntervalFast = 2 * time.Second
	}
	return &Manager{
		entries: make(map[string]*entry),
		deps: &deps{
			alloc:             o.Allocator,
			tracker:           o.Tracker,
			prober:            o.Prober,
			st:                o.Store,
			reg:               o.Registry,
			bus:               o.Bus,
			log:               o.Logger,
			discoveryTimeout:  o.DiscoveryTimeout,
			probeInterval:     o.ProbeInterval,
			probeIntervalFast: o.ProbeIntervalFast,
		},
	}, nil
}

// Register validates a spec and creates its handler in stopped state.
// Registering an existing name is an error while the workload is active;
// update flows go through Unregister first.
func (m *Manager) Register(spec workload.Spec) error {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[spec.Name]; ok {
		if e.h.snapshot().State.Active() {
			return fmt.Errorf("workload %q is active, stop it before re-registering", spec.Name)
		}
		e.cancel()
		delete(m.entries, spec.Name)
	}
	h := newHandler(spec, m.deps)
	ctx, cancel := context.WithCancel(context.Background())
	m.entries[spec.Name] = &entry{h: h, cancel: cancel}
	go h.run(ctx)
	return nil
}

// Unregister stops the workload if needed and removes its handler. The
// durable record is marked stopped rather than deleted so history stays
// queryable.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	h := m.get(name)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkload, name)
	}
	if err := h.send(opStop); err != nil {
		return err
	}
	m.mu.Lock()
	if e, ok := m.entries[name]; ok {
		e.cancel()
		delete(m.entries, name)
	}
	m.mu.Unlock()
	m.deps.reg.Remove(name)
	if m.deps.st != nil {
		if err := m.deps.st.MarkStopped(ctx, name); err != nil && err != store.ErrNotFound {
			m.deps.log.Warn("mark stopped failed", "service", name, "error", err)
		}
	}
	return nil
}

// Start brings a workload to running. It blocks through port allocation,
// spawn, and health confirmation, returning only once the workload is
// routable or the attempt failed.
func (m *Manager) Start(name string) error {
	h := m.get(name)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkload, name)
	}
	return h.send(opStart)
}

// Stop gracefully terminates a workload. Stopping a stopped workload is
// a no-op; stopping a starting one interrupts the start.
func (m *Manager) Stop(name string) error {
	h := m.get(name)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkload, name)
	}
	h.mu.Lock()
	h.stopRequested = true
	if h.startCancel != nil {
		h.startCancel()
	}
	h.mu.Unlock()
	return h.send(opStop)
}

// Restart is stop followed by start, serialized on the handler.
func (m *Manager) Restart(name string) error {
	h := m.get(name)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkload, name)
	}
	return h.send(opRestart)
}

// ForceCrash kills a workload's process and marks it crashed. Used by the
// health prober after repeated failures and by the reconciler when the
// observed process is gone.
func (m *Manager) ForceCrash(name, reason string) error {
	h := m.get(name)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkload, name)
	}
	reply := make(chan error, 1)
	h.ctrl <- ctrlMsg{op: opCrash, reason: reason, reply: reply}
	return <-reply
}

// Status returns the current snapshot for one workload.
func (m *Manager) Status(name string) (Status, error) {
	h := m.get(name)
	if h == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownWorkload, name)
	}
	return h.snapshot(), nil
}

// StatusAll snapshots every registered workload.
func (m *Manager) StatusAll() []Status {
	m.mu.RLock()
	hs := make([]*handler, 0, len(m.entries))
	for _, e := range m.entries {
		hs = append(hs, e.h)
	}
	m.mu.RUnlock()
	out := make([]Status, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.snapshot())
	}
	return out
}

// Specs returns the registered specs.
func (m *Manager) Specs() []workload.Spec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]workload.Spec, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.h.currentSpec())
	}
	return out
}

// Adopt re-attaches a process recorded by a previous run. The caller has
// already verified provenance; the handler takes over as if it had
// spawned the process, minus the ability to wait on it.
func (m *Manager) Adopt(spec workload.Spec, tracked proctool.TrackedProcess) error {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := m.deps.alloc.Reserve(spec.Name, tracked.Port); err != nil {
		return err
	}
	metrics.SetAllocatedPorts(m.deps.alloc.InUseCount())

	m.mu.Lock()
	if _, ok := m.entries[spec.Name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("workload %q already registered", spec.Name)
	}
	h := newHandler(spec, m.deps)
	h.state = workload.StateRunning
	h.pid = tracked.PID
	h.port = tracked.Port
	h.adopted = true
	h.startedAt = time.Unix(tracked.StartUnix, 0).UTC()
	h.nextProbe = time.Now().Add(m.deps.probeIntervalFast)
	ctx, cancel := context.WithCancel(context.Background())
	m.entries[spec.Name] = &entry{h: h, cancel: cancel}
	m.mu.Unlock()

	re := registry.Entry{
		Name:      spec.Name,
		Module:    spec.Module,
		Kind:      spec.Kind,
		PID:       tracked.PID,
		Port:      tracked.Port,
		State:     workload.StateRunning,
		StartedAt: h.startedAt,
	}
	dctx, dcancel := context.WithTimeout(context.Background(), m.deps.discoveryTimeout)
	if caps, meta, err := capability.ForKind(spec.Kind, m.deps.discoveryTimeout).Discover(dctx, spec, tracked.Port); err == nil {
		re.Capabilities = caps
		re.Meta = meta
	} else {
		m.deps.log.Warn("capability rediscovery failed", "service", spec.Name, "error", err)
	}
	dcancel()
	m.deps.reg.Put(re)
	h.syncStore()

	go h.run(ctx)
	go h.watchAdopted(tracked)
	m.deps.log.Info("adopted running service", "service", spec.Name, "pid", tracked.PID, "port", tracked.Port)
	return nil
}

// ProbeOnce sweeps all running workloads whose probe is due. Three
// consecutive non-healthy verdicts escalate to crashed; a degraded
// workload is probed on the fast interval until it recovers.
func (m *Manager) ProbeOnce(ctx context.Context) {
	m.mu.RLock()
	hs := make([]*handler, 0, len(m.entries))
	for _, e := range m.entries {
		hs = append(hs, e.h)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, h := range hs {
		h.mu.Lock()
		due := h.state == workload.StateRunning && !now.Before(h.nextProbe)
		spec := h.spec
		port := h.port
		h.mu.Unlock()
		if !due {
			continue
		}
		res := m.deps.prober.Check(ctx, spec.HealthURL(port))

		h.mu.Lock()
		prev := h.lastVerdict
		h.lastVerdict = res.Verdict
		if res.OK() {
			h.strikes = 0
			h.restarts = 0
			h.nextProbe = now.Add(m.deps.probeInterval)
		} else {
			h.strikes++
			h.nextProbe = now.Add(m.deps.probeIntervalFast)
		}
		strikes := h.strikes
		h.mu.Unlock()

		if res.Verdict != prev {
			m.deps.bus.Publish(bus.HealthChanged(spec.Name, prev.String(), res.Verdict.String()))
			m.deps.log.Warn("health verdict changed",
				"service", spec.Name, "from", prev.String(), "to", res.Verdict.String(), "reason", res.Reason)
		}
		if !res.OK() {
			metrics.IncProbeFailure(spec.Name, res.Verdict.String())
			if strikes >= 3 {
				m.deps.log.Error("health escalation", "service", spec.Name, "strikes", strikes)
				if err := m.ForceCrash(spec.Name, fmt.Sprintf("unhealthy for %d consecutive probes: %s", strikes, res.Reason)); err != nil {
					m.deps.log.Warn("escalation failed", "service", spec.Name, "error", err)
				}
			}
		}
	}
}

// Shutdown stops every workload and tears down handler goroutines. Used
// on daemon exit; managed processes are terminated gracefully.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for n, e := range m.entries {
		entries[n] = e
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			reply := make(chan error, 1)
			select {
			case e.h.ctrl <- ctrlMsg{op: opShutdown, reply: reply}:
				select {
				case <-reply:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
			e.cancel()
		}(e)
	}
	wg.Wait()
}

func (m *Manager) get(name string) *handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[name]; ok {
		return e.h
	}
	return nil
}
