// Package roost supervises AI capability servers and agent runtimes: it
// spawns them on allocated loopback ports, confirms their health,
// discovers what they can do, routes requests to them, and reconciles
// expected state against the operating system.
//
// This file is the embedding facade. Programs that want the supervisor
// in-process construct a Supervisor and use it directly; the roost binary
// wraps the same components behind a CLI and HTTP API.
package roost

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roost-run/roost/internal/bus"
	"github.com/roost-run/roost/internal/config"
	"github.com/roost-run/roost/internal/daemon"
	"github.com/roost-run/roost/internal/lifecycle"
	"github.com/roost-run/roost/internal/metrics"
	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/workload"
)

// Re-exported core types; aliases so conversions are zero-cost.

type Spec = workload.Spec

type Kind = workload.Kind

const (
	KindCapability = workload.KindCapability
	KindAgent      = workload.KindAgent
)

type State = workload.State

type RestartPolicy = workload.RestartPolicy

type Status = lifecycle.Status

type Entry = registry.Entry

type Capability = registry.Capability

type Event = bus.Event

type Config = config.FileConfig

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Supervisor is the embeddable supervisor: a fully wired daemon whose
// lifecycle the host program controls.
type Supervisor struct {
	d *daemon.Daemon
}

// NewSupervisor wires a supervisor from configuration.
func NewSupervisor(cfg *Config) (*Supervisor, error) {
	d, err := daemon.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Supervisor{d: d}, nil
}

// Run recovers state and serves until ctx is cancelled. It blocks.
func (s *Supervisor) Run(ctx context.Context) error { return s.d.Run(ctx) }

// Register declares a workload.
func (s *Supervisor) Register(spec Spec) error { return s.d.Manager().Register(spec) }

// Unregister stops and removes a workload.
func (s *Supervisor) Unregister(ctx context.Context, name string) error {
	return s.d.Manager().Unregister(ctx, name)
}

// Start launches a workload, blocking through health confirmation.
func (s *Supervisor) Start(name string) error { return s.d.Manager().Start(name) }

// Stop gracefully terminates a workload.
func (s *Supervisor) Stop(name string) error { return s.d.Manager().Stop(name) }

// Restart is stop then start, serialized per name.
func (s *Supervisor) Restart(name string) error { return s.d.Manager().Restart(name) }

// Status returns one workload's snapshot.
func (s *Supervisor) Status(name string) (Status, error) { return s.d.Manager().Status(name) }

// StatusAll snapshots every workload.
func (s *Supervisor) StatusAll() []Status { return s.d.Manager().StatusAll() }

// Services lists registry entries with discovered capabilities.
func (s *Supervisor) Services() []Entry { return s.d.Registry().List() }

// Resolve returns the port of a running workload, for direct dialing.
func (s *Supervisor) Resolve(name string) (int, bool) { return s.d.Registry().Resolve(name) }

// Subscribe attaches a handler to lifecycle events.
func (s *Supervisor) Subscribe(name string, buffer int, h func(Event)) {
	s.d.Bus().Subscribe(name, buffer, func(ev bus.Event) { h(ev) })
}

// Metrics helpers.

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
