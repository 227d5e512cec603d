// Package reconcile periodically compares three views of the world: what
// the lifecycle manager believes, what the recovery file recorded, and
// what the operating system actually shows. Differences are classified
// and corrected, always through the lifecycle manager, never by mutating
// state or signaling processes directly. Orphan termination is the one
// exception and it is gated on recorded provenance: a pid is only ever
// killed when the recovery file proves we spawned it and the live process
// still matches what was recorded.
package reconcile

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/roost-run/roost/internal/bus"
	"github.com/roost-run/roost/internal/lifecycle"
	"github.com/roost-run/roost/internal/metrics"
	"github.com/roost-run/roost/internal/ports"
	"github.com/roost-run/roost/internal/proctool"
	"github.com/roost-run/roost/internal/store"
	"github.com/roost-run/roost/internal/workload"
)

// Drift classes as reported in metrics and events.
const (
	driftCrashed     = "crashed"
	driftOrphan      = "orphan"
	driftUnknownPort = "unknown_port"
)

// Reconciler detects and corrects drift between expected and observed
// state. Every pass is idempotent: a correction that already happened
// classifies as consistent on the next pass.
type Reconciler struct {
	mgr     *lifecycle.Manager
	tracker *proctool.Tracker
	alloc   *ports.Allocator
	st      store.Store
	bus     *bus.Bus
	log     *slog.Logger

	// ports reported foreign on the previous pass; only repeat offenders
	// are logged so a transient listener does not spam the log
	lastForeign map[int]struct{}
}

func New(mgr *lifecycle.Manager, tracker *proctool.Tracker, alloc *ports.Allocator, st store.Store, b *bus.Bus, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		mgr:         mgr,
		tracker:     tracker,
		alloc:       alloc,
		st:          st,
		bus:         b,
		log:         log,
		lastForeign: make(map[int]struct{}),
	}
}

// Once runs a single reconcile pass.
func (r *Reconciler) Once(ctx context.Context) {
	metrics.IncReconcileTick()
	statuses := r.mgr.StatusAll()
	known := make(map[string]lifecycle.Status, len(statuses))
	for _, s := range statuses {
		known[s.Name] = s
	}

	r.checkExpectedRunning(known)
	r.checkOrphans(ctx, known)
	r.checkUnknownPorts()
	r.syncStaleRecords(ctx, known)
}

// checkExpectedRunning detects processes that died without the lifecycle
// manager noticing: expected running, observed dead.
func (r *Reconciler) checkExpectedRunning(known map[string]lifecycle.Status) {
	for name, s := range known {
		if s.State != workload.StateRunning {
			continue
		}
		tracked, ok := r.tracker.Get(name)
		if ok && proctool.Verify(tracked) {
			continue // consistent
		}
		actual := "no recorded process"
		if ok {
			actual = "recorded process is gone"
		}
		r.log.Warn("drift: expected running, process dead", "service", name, "observed", actual)
		metrics.IncDrift(driftCrashed)
		r.bus.Publish(bus.DriftDetected(name, workload.StateRunning.String(), actual))
		if err := r.mgr.ForceCrash(name, "reconciler: "+actual); err != nil {
			r.log.Warn("crash correction failed", "service", name, "error", err)
		}
	}
}

// checkOrphans terminates recorded processes that no active workload
// accounts for: leftovers of an unregistered workload or of a crashed
// daemon whose config changed before restart. Stale records for already
// dead pids are dropped silently.
func (r *Reconciler) checkOrphans(_ context.Context, known map[string]lifecycle.Status) {
	for _, tracked := range r.tracker.Snapshot() {
		if s, ok := known[tracked.Name]; ok && s.State.Active() {
			continue
		}
		if proctool.Verify(tracked) {
			r.log.Warn("drift: orphaned process, terminating",
				"service", tracked.Name, "pid", tracked.PID, "port", tracked.Port)
			metrics.IncDrift(driftOrphan)
			r.bus.Publish(bus.DriftDetected(tracked.Name, "not running", "live orphan process"))
			terminateOrphan(tracked.PID)
		}
		// release only after the process is confirmed gone
		if owner, held := r.alloc.Owner(tracked.Port); held && owner == tracked.Name {
			r.alloc.Release(tracked.Port)
			metrics.SetAllocatedPorts(r.alloc.InUseCount())
		}
		if err := r.tracker.Forget(tracked.Name); err != nil {
			r.log.Warn("recovery file update failed", "service", tracked.Name, "error", err)
		}
	}
}

// checkUnknownPorts reports listeners inside the managed range with no
// provenance. Without proof of ownership the only safe correction is
// none: the port is logged, counted, and excluded from allocation by the
// probe bind anyway.
func (r *Reconciler) checkUnknownPorts() {
	foreign := r.alloc.ScanForeign()
	cur := make(map[int]struct{}, len(foreign))
	for _, p := range foreign {
		cur[p] = struct{}{}
		if _, seen := r.lastForeign[p]; seen {
			continue
		}
		r.log.Warn("drift: unmanaged listener inside port range", "port", p)
		metrics.IncDrift(driftUnknownPort)
		r.bus.Publish(bus.DriftDetected("", "free port", "unmanaged listener"))
	}
	r.lastForeign = cur
}

// syncStaleRecords marks store records stopped when they claim a live
// state for workloads the manager does not consider active. This heals
// records left behind by an unclean shutdown.
func (r *Reconciler) syncStaleRecords(ctx context.Context, known map[string]lifecycle.Status) {
	if r.st == nil {
		return
	}
	recs, err := r.st.List(ctx)
	if err != nil {
		r.log.Warn("store list failed", "error", err)
		return
	}
	for _, rec := range recs {
		if !workload.State(rec.Status).Active() {
			continue
		}
		if s, ok := known[rec.Name]; ok && s.State.Active() {
			continue
		}
		r.log.Info("healing stale record", "service", rec.Name, "recorded", rec.Status)
		if err := r.st.MarkStopped(ctx, rec.Name); err != nil {
			r.log.Warn("record heal failed", "service", rec.Name, "error", err)
		}
	}
}

// terminateOrphan escalates SIGTERM to SIGKILL on a short fixed grace.
// Provenance was verified by the caller immediately before.
func terminateOrphan(pid int) {
	_ = proctool.TerminatePid(pid, syscall.SIGTERM)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !proctool.PidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proctool.TerminatePid(pid, syscall.SIGKILL)
}
