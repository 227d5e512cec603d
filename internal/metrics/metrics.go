package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops, graceful or forced.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts.",
		}, []string{"name"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of crash transitions.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "State machine transitions by edge.",
		}, []string{"name", "from", "to"},
	)
	driftDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "reconcile",
			Name:      "drift_total",
			Help:      "Drift detections by classification.",
		}, []string{"class"},
	)
	reconcileTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "reconcile",
			Name:      "ticks_total",
			Help:      "Completed reconciliation ticks.",
		},
	)
	allocatedPorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "roost",
			Subsystem: "ports",
			Name:      "allocated",
			Help:      "Currently reserved ports.",
		},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roost",
			Subsystem: "health",
			Name:      "probe_failures_total",
			Help:      "Non-healthy probe results.",
		}, []string{"name", "verdict"},
	)
)

// Register registers all collectors with r. Safe to call more than once.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceRestarts, serviceCrashes,
		stateTransitions, driftDetections, reconcileTicks, allocatedPorts, probeFailures,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		serviceCrashes.WithLabelValues(name).Inc()
	}
}

func IncTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func IncDrift(class string) {
	if regOK.Load() {
		driftDetections.WithLabelValues(class).Inc()
	}
}

func IncReconcileTick() {
	if regOK.Load() {
		reconcileTicks.Inc()
	}
}

func SetAllocatedPorts(n int) {
	if regOK.Load() {
		allocatedPorts.Set(float64(n))
	}
}

func IncProbeFailure(name, verdict string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(name, verdict).Inc()
	}
}
