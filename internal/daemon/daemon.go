// Package daemon assembles the full supervisor: configuration, store,
// recovery, lifecycle manager, reconciler, health sweep, event fan-out,
// and the management API. The daemon owns the tick loops; all actual
// state changes happen inside the lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roost-run/roost/internal/bus"
	"github.com/roost-run/roost/internal/config"
	"github.com/roost-run/roost/internal/health"
	"github.com/roost-run/roost/internal/history"
	"github.com/roost-run/roost/internal/lifecycle"
	"github.com/roost-run/roost/internal/metrics"
	"github.com/roost-run/roost/internal/ports"
	"github.com/roost-run/roost/internal/proctool"
	"github.com/roost-run/roost/internal/proxy"
	"github.com/roost-run/roost/internal/reconcile"
	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/server"
	"github.com/roost-run/roost/internal/store"
)

// RecoveryFileName under the data directory.
const RecoveryFileName = "roost.pids"

// Daemon is a fully wired supervisor instance.
type Daemon struct {
	cfg     *config.FileConfig
	log     *slog.Logger
	st      store.Store
	tracker *proctool.Tracker
	alloc   *ports.Allocator
	reg     *registry.Registry
	bus     *bus.Bus
	mgr     *lifecycle.Manager
	rec     *reconcile.Reconciler
	sinks   []history.Sink
	srv     *http.Server
}

// New builds a daemon from configuration. Nothing is started yet; Run
// performs recovery and serves until its context is cancelled.
func New(cfg *config.FileConfig) (*Daemon, error) {
	log := slog.Default()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	var st store.Store
	if cfg.Store.DSN != "" {
		s, err := store.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if err := s.EnsureSchema(context.Background()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("store schema: %w", err)
		}
		st = s
	}

	tracker, err := proctool.NewTracker(filepath.Join(cfg.DataDir, RecoveryFileName))
	if err != nil {
		return nil, err
	}
	alloc, err := ports.New(cfg.Ports.Min, cfg.Ports.Max, cfg.Ports.Exclude)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	b := bus.New()
	prober := health.New(cfg.Intervals.ProbeTimeout)

	mgr, err := lifecycle.NewManager(lifecycle.Options{
		Allocator:         alloc,
		Tracker:           tracker,
		Prober:            prober,
		Store:             st,
		Registry:          reg,
		Bus:               b,
		Logger:            log,
		DiscoveryTimeout:  cfg.Intervals.DiscoveryTimeout,
		ProbeInterval:     cfg.Intervals.Probe,
		ProbeIntervalFast: cfg.Intervals.ProbeDegraded,
	})
	if err != nil {
		return nil, err
	}

	sinks, err := cfg.BuildSinks()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		log:     log,
		st:      st,
		tracker: tracker,
		alloc:   alloc,
		reg:     reg,
		bus:     b,
		mgr:     mgr,
		rec:     reconcile.New(mgr, tracker, alloc, st, b, log),
		sinks:   sinks,
	}
	d.subscribeHistory()
	return d, nil
}

// Manager exposes the lifecycle manager for embedding callers.
func (d *Daemon) Manager() *lifecycle.Manager { return d.mgr }

// Registry exposes the capability registry for embedding callers.
func (d *Daemon) Registry() *registry.Registry { return d.reg }

// Bus exposes the event bus for embedding callers.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// subscribeHistory forwards lifecycle events to every configured sink.
// Sinks ride the bus like any other subscriber: a slow or broken sink
// drops events instead of stalling lifecycle transitions.
func (d *Daemon) subscribeHistory() {
	if len(d.sinks) == 0 {
		return
	}
	d.bus.Subscribe("history", 256, func(ev bus.Event) {
		he := history.Event{
			Type:       string(ev.Type),
			OccurredAt: ev.At,
			Name:       ev.Name,
			PID:        ev.PID,
			Port:       ev.Port,
			Detail:     eventDetail(ev),
		}
		if s, err := d.mgr.Status(ev.Name); err == nil {
			he.Module = s.Module
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, sink := range d.sinks {
			if err := sink.Send(ctx, he); err != nil {
				d.log.Warn("history sink write failed", "event", he.Type, "error", err)
			}
		}
	})
}

func eventDetail(ev bus.Event) string {
	switch ev.Type {
	case bus.TypeStopped:
		return ev.Reason
	case bus.TypeHealthChanged:
		return ev.Old + " -> " + ev.New
	case bus.TypeCrashed:
		return fmt.Sprintf("exit code %d", ev.ExitCode)
	case bus.TypeDriftDetected:
		return "expected " + ev.Expected + ", observed " + ev.Actual
	}
	return ""
}

// Run recovers previous state, starts the API server and tick loops, and
// blocks until ctx is cancelled. Shutdown is graceful: managed workloads
// are terminated and their records marked stopped.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.recover(ctx); err != nil {
		return err
	}
	if err := d.autoStart(ctx); err != nil {
		d.log.Error("autostart incomplete", "error", err)
	}

	px := proxy.New(d.reg, d.log)
	router := server.NewRouter(d.mgr, d.reg, px, d.rec, d.cfg.BasePath)
	d.srv = server.NewServer(d.cfg.Listen, router)
	d.log.Info("management API listening", "addr", d.cfg.Listen, "base_path", d.cfg.BasePath)

	tickCtx, tickCancel := context.WithCancel(ctx)
	go d.tickLoop(tickCtx, "reconcile", d.cfg.Intervals.Reconcile, d.rec.Once)
	go d.tickLoop(tickCtx, "health", d.cfg.Intervals.ProbeDegraded, d.mgr.ProbeOnce)

	<-ctx.Done()
	d.log.Info("shutting down")
	tickCancel()

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = d.srv.Shutdown(shutCtx)
	d.mgr.Shutdown(shutCtx)
	d.bus.Close()
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	if d.st != nil {
		_ = d.st.Close()
	}
	return nil
}

// recover registers every configured service, re-attaching to processes
// the recovery file proves are still ours. Everything else recorded by a
// previous run is handled by the first reconcile pass: live orphans are
// terminated, stale store records marked stopped.
func (d *Daemon) recover(ctx context.Context) error {
	specs, err := d.cfg.Specs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		tracked, ok := d.tracker.Get(spec.Name)
		if ok && proctool.Verify(tracked) {
			if err := d.mgr.Adopt(spec, tracked); err != nil {
				d.log.Warn("adoption failed, registering cold", "service", spec.Name, "error", err)
				if err := d.mgr.Register(spec); err != nil {
					return err
				}
			}
			continue
		}
		if err := d.mgr.Register(spec); err != nil {
			return err
		}
	}
	// first pass runs before anything new starts so leftover ports and
	// pids are settled
	d.rec.Once(ctx)
	return nil
}

// autoStart launches flagged services in parallel. One failing service
// does not block the others; the first error is reported.
func (d *Daemon) autoStart(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, name := range d.cfg.AutoStartNames() {
		if s, err := d.mgr.Status(name); err == nil && s.State.Active() {
			continue // adopted during recovery
		}
		g.Go(func() error {
			if err := d.mgr.Start(name); err != nil {
				return fmt.Errorf("autostart %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// tickLoop invokes fn on every tick. A tick that outlives the interval is
// not stacked: the next tick is skipped until the previous one returns.
func (d *Daemon) tickLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	var busy atomic.Bool
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !busy.CompareAndSwap(false, true) {
				d.log.Warn("tick still running, skipping", "loop", name)
				continue
			}
			go func() {
				defer busy.Store(false)
				tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				fn(tctx)
			}()
		}
	}
}
