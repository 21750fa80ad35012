package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "renderd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "launches_total",
			Help:      "Render server launch attempts by result.",
		}, []string{"result"},
	)
	reuses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "reuses_total",
			Help:      "Ensure calls answered by an already running, validated server.",
		},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Records moved to stopped, by reason.",
		}, []string{"reason"},
	)
	launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "launch_duration_seconds",
			Help:      "Time from spawn to the end of the startup window.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Record status transitions.",
		}, []string{"from", "to"},
	)
	poolExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Ensure calls refused because every port was occupied.",
		},
	)
	portsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "ports_in_use",
			Help:      "Ports held by running records.",
		},
	)
	portsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "ports_available",
			Help:      "Ports currently bindable in the pool.",
		},
	)
	reaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "exits_total",
			Help:      "Child exits collected by the reaper.",
		},
	)
	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleaner",
			Name:      "swept_total",
			Help:      "Records invalidated by cleanup sweeps, by kind.",
		}, []string{"kind"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		launches, reuses, stops, launchDuration, stateTransitions,
		poolExhausted, portsInUse, portsAvailable, reaped, sweeps,
		serverCPU, serverMemory,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// allows double Register with the default registry
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

// Enabled reports whether Register succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(result string) {
	if regOK.Load() {
		launches.WithLabelValues(result).Inc()
	}
}

func IncReuse() {
	if regOK.Load() {
		reuses.Inc()
	}
}

func IncStop(reason string) {
	if regOK.Load() {
		stops.WithLabelValues(reason).Inc()
	}
}

func ObserveLaunchDuration(seconds float64) {
	if regOK.Load() {
		launchDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncPoolExhausted() {
	if regOK.Load() {
		poolExhausted.Inc()
	}
}

func SetPorts(inUse, available int) {
	if regOK.Load() {
		portsInUse.Set(float64(inUse))
		portsAvailable.Set(float64(available))
	}
}

func IncReaped() {
	if regOK.Load() {
		reaped.Inc()
	}
}

func AddSwept(kind string, n int) {
	if regOK.Load() && n > 0 {
		sweeps.WithLabelValues(kind).Add(float64(n))
	}
}
