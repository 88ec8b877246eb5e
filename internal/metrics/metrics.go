package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service spawns.",
		}, []string{"name"},
	)
	serviceSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts that failed before the process ran.",
		}, []string{"name"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of runs classified as crashed.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of restarts triggered by the crash backoff.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stop requests acted upon.",
		}, []string{"name"},
	)
	cronFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "cron",
			Name:      "fires_total",
			Help:      "Number of cron deadlines reached, by outcome.",
		}, []string{"name", "outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      "run_duration_seconds",
			Help:      "Wall time between spawn and exit.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between service states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "supervisr",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	registered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supervisr",
			Subsystem: "registry",
			Name:      "services",
			Help:      "Number of registered services.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Commands handled by the control loop, by result.",
		}, []string{"command", "result"},
	)
	clockJumps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "engine",
			Name:      "clock_jumps_total",
			Help:      "Wall clock jumps that forced a cron recompute.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceSpawnFailures, serviceCrashes, serviceRestarts, serviceStops,
		cronFires, runDuration, stateTransitions, currentStates, registered, commands, clockJumps,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		serviceSpawnFailures.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		serviceCrashes.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

// IncCronFire records a cron deadline; outcome is "started" or "skipped".
func IncCronFire(name, outcome string) {
	if regOK.Load() {
		cronFires.WithLabelValues(name, outcome).Inc()
	}
}

func ObserveRunDuration(name string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

// ForgetService drops every per-state series of a removed service.
func ForgetService(name string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"name": name})
	}
}

func SetRegistered(n int) {
	if regOK.Load() {
		registered.Set(float64(n))
	}
}

func IncCommand(command, result string) {
	if regOK.Load() {
		commands.WithLabelValues(command, result).Inc()
	}
}

func IncClockJump() {
	if regOK.Load() {
		clockJumps.Inc()
	}
}
