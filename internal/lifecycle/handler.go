package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/roost-run/roost/internal/bus"
	"github.com/roost-run/roost/internal/capability"
	"github.com/roost-run/roost/internal/health"
	"github.com/roost-run/roost/internal/metrics"
	"github.com/roost-run/roost/internal/proctool"
	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/store"
	"github.com/roost-run/roost/internal/workload"
)

type ctrlOp int

const (
	opStart ctrlOp = iota
	opStop
	opRestart
	opCrash // force crashed: kill if alive, then apply restart policy
	opExited
	opShutdown
)

// ctrlMsg serializes lifecycle operations for one workload. All mutations
// of handler state happen on the run goroutine; callers block on Reply.
type ctrlMsg struct {
	op     ctrlOp
	auto   bool // start issued by the restart policy, not an operator
	reason string
	pid    int // opExited: which run ended
	reply  chan error
}

// handler owns the control path for a single workload. One goroutine per
// handler consumes ctrl; concurrent operations on the same name queue up,
// operations on different names never contend.
type handler struct {
	mu        sync.Mutex
	spec      workload.Spec
	state     workload.State
	pid       int
	port      int
	startedAt time.Time
	restarts  int
	lastErr   string

	proc    *proctool.Handle
	adopted bool

	startCancel   context.CancelFunc
	stopRequested bool
	restartTimer  *time.Timer

	// health sweep bookkeeping, owned by Manager.ProbeOnce
	strikes     int
	nextProbe   time.Time
	lastVerdict health.Verdict

	ctrl chan ctrlMsg
	deps *deps
	log  *slog.Logger
}

func newHandler(spec workload.Spec, d *deps) *handler {
	return &handler{
		spec:        spec,
		state:       workload.StateStopped,
		ctrl:        make(chan ctrlMsg, 16),
		deps:        d,
		log:         d.log.With("service", spec.Name),
		lastVerdict: health.Healthy,
	}
}

func (h *handler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = h.doStop("shutdown")
			return
		case msg := <-h.ctrl:
			var err error
			switch msg.op {
			case opStart:
				err = h.doStart(msg.auto)
			case opStop:
				err = h.doStop("requested")
			case opRestart:
				if err = h.doStop("restart"); err == nil {
					err = h.doStart(false)
				}
			case opCrash:
				h.doCrash(msg.reason)
			case opExited:
				h.onExited(msg.pid)
			case opShutdown:
				err = h.doStop("shutdown")
				if msg.reply != nil {
					msg.reply <- err
				}
				return
			}
			if msg.reply != nil {
				msg.reply <- err
			}
		}
	}
}

// send queues an operation and waits for its outcome.
func (h *handler) send(op ctrlOp) error {
	reply := make(chan error, 1)
	h.ctrl <- ctrlMsg{op: op, reply: reply}
	return <-reply
}

// notify queues an operation without waiting. Used from watcher and timer
// goroutines where blocking would leak; a full channel is tolerable since
// the reconciler re-derives missed signals from observed state.
func (h *handler) notify(msg ctrlMsg) {
	select {
	case h.ctrl <- msg:
	default:
		h.log.Warn("control channel full, dropping signal", "op", msg.op)
	}
}

func (h *handler) snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Name:      h.spec.Name,
		Module:    h.spec.Module,
		Kind:      h.spec.Kind,
		State:     h.state,
		PID:       h.pid,
		Port:      h.port,
		StartedAt: h.startedAt,
		Restarts:  h.restarts,
		LastError: h.lastErr,
	}
}

func (h *handler) currentSpec() workload.Spec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spec
}

// transition moves the state machine along a legal edge and syncs the
// durable record. Illegal edges are refused loudly: they indicate a bug,
// not an operational condition.
func (h *handler) transition(to workload.State) error {
	h.mu.Lock()
	from := h.state
	if !workload.CanTransition(from, to) {
		h.mu.Unlock()
		return fmt.Errorf("%s: illegal transition %s -> %s", h.spec.Name, from, to)
	}
	h.state = to
	if !to.Active() {
		h.pid = 0
	}
	h.mu.Unlock()
	metrics.IncTransition(h.spec.Name, from.String(), to.String())
	h.deps.reg.SetState(h.spec.Name, to)
	h.syncStore()
	return nil
}

// syncStore mirrors the current status into the persistence store. A
// failed write is logged and dropped; the registry stays authoritative
// for routing and the next reconcile tick retries the write.
func (h *handler) syncStore() {
	if h.deps.st == nil {
		return
	}
	s := h.snapshot()
	rec := store.Record{
		Name:      s.Name,
		Module:    s.Module,
		Port:      s.Port,
		Status:    s.State.String(),
		UpdatedAt: time.Now().UTC(),
	}
	if s.State.Active() {
		rec.PID = s.PID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.deps.st.Upsert(ctx, rec); err != nil {
		h.log.Warn("store sync failed", "state", s.State, "error", err)
	}
}

func (h *handler) doStart(auto bool) error {
	h.mu.Lock()
	st := h.state
	if st == workload.StateRunning || st == workload.StateStarting {
		h.mu.Unlock()
		return nil
	}
	spec := h.spec
	lastPort := h.port
	h.stopRequested = false
	if !auto {
		h.restarts = 0
	}
	if h.restartTimer != nil {
		h.restartTimer.Stop()
		h.restartTimer = nil
	}
	h.mu.Unlock()

	if err := h.transition(workload.StateStarting); err != nil {
		return err
	}

	preferred := spec.PreferredPort
	if preferred == 0 {
		preferred = lastPort
	}
	var port int
	var err error
	if preferred > 0 {
		port, err = h.deps.alloc.AllocatePreferred(spec.Name, preferred)
	} else {
		port, err = h.deps.alloc.Allocate(spec.Name)
	}
	if err != nil {
		h.failStart(fmt.Errorf("%s: %w", spec.Name, err), auto)
		return err
	}
	metrics.SetAllocatedPorts(h.deps.alloc.InUseCount())

	outW, errW, werr := spec.Log.Writers(spec.Name)
	if werr != nil {
		h.log.Warn("log capture unavailable, discarding output", "error", werr)
	}
	command, args := spec.CommandLine(port)
	env := append(os.Environ(), spec.Env...)
	env = append(env, workload.PortEnv(port)...)

	// transient spawn failures (fd pressure, racing file replacement) get
	// one quick retry before the restart policy takes over
	proc, err := proctool.Spawn(command, args, env, spec.WorkDir, outW, errW)
	if err != nil {
		time.Sleep(500 * time.Millisecond)
		proc, err = proctool.Spawn(command, args, env, spec.WorkDir, outW, errW)
	}
	if err != nil {
		h.deps.alloc.Release(port)
		metrics.SetAllocatedPorts(h.deps.alloc.InUseCount())
		h.failStart(err, auto)
		return err
	}

	h.mu.Lock()
	h.proc = proc
	h.adopted = false
	h.pid = proc.PID()
	h.port = port
	h.startedAt = time.Now().UTC()
	h.lastErr = ""
	h.mu.Unlock()

	if err := h.deps.tracker.Record(proctool.TrackedProcess{
		Name:      spec.Name,
		PID:       proc.PID(),
		Port:      port,
		Command:   command,
		StartUnix: proctool.StartUnix(proc.PID()),
	}); err != nil {
		h.log.Warn("recovery file write failed", "error", err)
	}
	h.syncStore()
	h.deps.reg.Put(registry.Entry{
		Name:      spec.Name,
		Module:    spec.Module,
		Kind:      spec.Kind,
		PID:       proc.PID(),
		Port:      port,
		State:     workload.StateStarting,
		StartedAt: h.startedAt,
	})

	// Health confirmation window. The wait is cancelled either by a stop
	// issued mid-start or by the child exiting before turning healthy.
	sctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.startCancel = cancel
	h.mu.Unlock()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-sctx.Done():
		}
	}()
	err = h.deps.prober.WaitHealthy(sctx, spec.HealthURL(port), spec.StartTimeout)
	h.mu.Lock()
	h.startCancel = nil
	stopReq := h.stopRequested
	h.mu.Unlock()
	cancel()

	if err != nil {
		_ = proc.Terminate(spec.StopGrace)
		h.releaseRun(proc.PID())
		if stopReq {
			_ = h.transition(workload.StateStopping)
			_ = h.transition(workload.StateStopped)
			h.deps.reg.Remove(spec.Name)
			h.deps.bus.Publish(bus.Stopped(spec.Name, "stopped during startup"))
			return errStopped
		}
		reason := err.Error()
		if !proc.Alive() && proc.ExitCode() != 0 {
			reason = fmt.Sprintf("exited with code %d before becoming healthy", proc.ExitCode())
		}
		h.markCrashed(reason, proc.ExitCode(), auto)
		return fmt.Errorf("%s: %s", spec.Name, reason)
	}

	// Discovery failures do not fail the start: the workload is healthy
	// and routable, it just advertises nothing.
	entry := registry.Entry{
		Name:      spec.Name,
		Module:    spec.Module,
		Kind:      spec.Kind,
		PID:       proc.PID(),
		Port:      port,
		State:     workload.StateRunning,
		StartedAt: h.startedAt,
	}
	dctx, dcancel := context.WithTimeout(context.Background(), h.deps.discoveryTimeout)
	caps, meta, derr := capability.ForKind(spec.Kind, h.deps.discoveryTimeout).Discover(dctx, spec, port)
	dcancel()
	if derr != nil {
		h.log.Warn("capability discovery failed", "error", derr)
	} else {
		entry.Capabilities = caps
		entry.Meta = meta
	}
	h.deps.reg.Put(entry)

	if err := h.transition(workload.StateRunning); err != nil {
		return err
	}
	h.mu.Lock()
	h.strikes = 0
	h.nextProbe = time.Now().Add(h.deps.probeInterval)
	h.lastVerdict = health.Healthy
	h.mu.Unlock()
	metrics.IncStart(spec.Name)
	if auto {
		metrics.IncRestart(spec.Name)
	}
	h.deps.bus.Publish(bus.Started(spec.Name, proc.PID(), port))
	go h.watchExit(proc)
	h.log.Info("service running", "pid", proc.PID(), "port", port, "kind", spec.Kind)
	return nil
}

var errStopped = errors.New("stopped before becoming healthy")

// failStart handles failures before a process existed: no pid to clean
// up, straight to crashed.
func (h *handler) failStart(err error, auto bool) {
	h.mu.Lock()
	h.lastErr = err.Error()
	h.mu.Unlock()
	h.log.Error("start failed", "error", err)
	_ = h.transition(workload.StateCrashed)
	h.deps.reg.Remove(h.spec.Name)
	metrics.IncCrash(h.spec.Name)
	h.deps.bus.Publish(bus.Crashed(h.spec.Name, -1))
	h.scheduleRestart(auto)
}

// releaseRun tears down the resources of a finished run. The port is
// returned to the pool only here, strictly after the process is dead, so
// a successor can never collide with a listener that is still draining.
func (h *handler) releaseRun(pid int) {
	h.mu.Lock()
	port := h.port
	h.proc = nil
	h.adopted = false
	h.mu.Unlock()
	if port > 0 {
		h.deps.alloc.Release(port)
		metrics.SetAllocatedPorts(h.deps.alloc.InUseCount())
	}
	if err := h.deps.tracker.Forget(h.spec.Name); err != nil {
		h.log.Warn("recovery file update failed", "error", err)
	}
	_ = pid
}

func (h *handler) markCrashed(reason string, exitCode int, auto bool) {
	h.mu.Lock()
	h.lastErr = reason
	h.mu.Unlock()
	h.log.Error("service crashed", "reason", reason, "exit_code", exitCode)
	_ = h.transition(workload.StateCrashed)
	h.deps.reg.Remove(h.spec.Name)
	metrics.IncCrash(h.spec.Name)
	h.deps.bus.Publish(bus.Crashed(h.spec.Name, exitCode))
	h.scheduleRestart(auto)
}

// scheduleRestart arms the restart policy after a crash. The timer sends
// an auto start through the control channel so the attempt serializes
// with any operator-issued command.
func (h *handler) scheduleRestart(_ bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopRequested || !h.spec.Restart.Enabled {
		return
	}
	if h.restarts >= h.spec.Restart.MaxRetries {
		h.log.Error("restart budget exhausted", "attempts", h.restarts)
		return
	}
	delay := h.spec.Restart.BackoffFor(h.restarts)
	h.restarts++
	attempt := h.restarts
	h.restartTimer = time.AfterFunc(delay, func() {
		h.log.Info("automatic restart", "attempt", attempt, "after", delay)
		h.notify(ctrlMsg{op: opStart, auto: true})
	})
}

func (h *handler) doStop(reason string) error {
	h.mu.Lock()
	h.stopRequested = true
	if h.restartTimer != nil {
		h.restartTimer.Stop()
		h.restartTimer = nil
	}
	if h.startCancel != nil {
		// a start is in flight on another queued message; cancelling its
		// context makes it land in stopped, the queued stop then no-ops
		h.startCancel()
	}
	st := h.state
	spec := h.spec
	proc := h.proc
	adopted := h.adopted
	pid := h.pid
	h.mu.Unlock()

	switch st {
	case workload.StateStopped, workload.StateStopping:
		return nil
	case workload.StateCrashed:
		// stays crashed: there is no crashed->stopped edge, only the
		// pending auto restart is disarmed
		return nil
	case workload.StateStarting:
		// handled via startCancel above; the start call owns cleanup
		return nil
	}

	if err := h.transition(workload.StateStopping); err != nil {
		return err
	}
	h.deps.reg.Remove(spec.Name)

	if proc != nil {
		_ = proc.Terminate(spec.StopGrace)
	} else if adopted && pid > 0 {
		terminatePidGracefully(pid, spec.StopGrace)
	}
	h.releaseRun(pid)

	if err := h.transition(workload.StateStopped); err != nil {
		return err
	}
	metrics.IncStop(spec.Name)
	h.deps.bus.Publish(bus.Stopped(spec.Name, reason))
	h.log.Info("service stopped", "reason", reason)
	return nil
}

// doCrash is the forced edge taken when the health prober escalates or
// the reconciler observes a dead process: kill whatever is left, mark
// crashed, let the restart policy decide what happens next.
func (h *handler) doCrash(reason string) {
	h.mu.Lock()
	st := h.state
	proc := h.proc
	adopted := h.adopted
	pid := h.pid
	h.mu.Unlock()
	if st != workload.StateRunning && st != workload.StateStarting {
		return
	}
	exitCode := -1
	if proc != nil {
		if proc.Alive() {
			proc.Kill()
		}
		exitCode = proc.ExitCode()
	} else if adopted && pid > 0 && proctool.PidAlive(pid) {
		_ = proctool.TerminatePid(pid, syscall.SIGKILL)
	}
	h.releaseRun(pid)
	h.markCrashed(reason, exitCode, true)
}

// onExited reacts to the exit watcher. The pid guard discards stale
// notifications from a previous run.
func (h *handler) onExited(pid int) {
	h.mu.Lock()
	st := h.state
	curPID := h.pid
	proc := h.proc
	h.mu.Unlock()
	if pid != curPID || st != workload.StateRunning {
		return
	}
	exitCode := -1
	reason := "process exited unexpectedly"
	if proc != nil {
		exitCode = proc.ExitCode()
		if ee := proc.ExitErr(); ee != nil {
			reason = ee.Error()
		} else if exitCode == 0 {
			reason = "process exited"
		}
	}
	h.releaseRun(pid)
	h.markCrashed(reason, exitCode, true)
}

// watchExit turns the child's exit into a control message so crash
// handling serializes with everything else.
func (h *handler) watchExit(proc *proctool.Handle) {
	<-proc.Done()
	h.notify(ctrlMsg{op: opExited, pid: proc.PID()})
}

// terminatePidGracefully mirrors Handle.Terminate for processes this run
// of the program did not spawn: SIGTERM, wait out the grace window, then
// SIGKILL.
func terminatePidGracefully(pid int, grace time.Duration) {
	if !proctool.PidAlive(pid) {
		return
	}
	_ = proctool.TerminatePid(pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !proctool.PidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proctool.TerminatePid(pid, syscall.SIGKILL)
}

// watchAdopted polls a re-attached process. Children of a previous run
// cannot be waited on, so liveness comes from the process table, cross
// checked against recorded provenance.
func (h *handler) watchAdopted(tracked proctool.TrackedProcess) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for range t.C {
		h.mu.Lock()
		st := h.state
		pid := h.pid
		h.mu.Unlock()
		if st != workload.StateRunning || pid != tracked.PID {
			return
		}
		if !proctool.Verify(tracked) {
			h.notify(ctrlMsg{op: opExited, pid: tracked.PID})
			return
		}
	}
}
