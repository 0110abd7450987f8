// Package metrics exposes the strategist's Prometheus collectors: per-phase
// outcome counters and durations fed by engine events, and the journal
// worker's queue and latency figures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slyt3/strategist/internal/engine"
)

const (
	namespace        = "strategist"
	subsystemEngine  = "engine"
	subsystemJournal = "journal"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// PhaseCollector turns engine events into metrics.
type PhaseCollector struct {
	phaseStarted  *prometheus.CounterVec
	phaseOutcomes *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	cycles        prometheus.Counter
	cursor        prometheus.Gauge
	stops         *prometheus.CounterVec
}

var _ engine.Observer = (*PhaseCollector)(nil)

// NewPhaseCollector registers the phase metrics on reg.
func NewPhaseCollector(reg prometheus.Registerer) *PhaseCollector {
	f := promauto.With(reg)
	return &PhaseCollector{
		phaseStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "phase_started_total",
			Help:      "number of phase runs started",
		}, []string{"phase"}),
		phaseOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "phase_outcomes_total",
			Help:      "number of phase runs by outcome status",
		}, []string{"phase", "status"}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "phase_duration_seconds",
			Help:      "wall time of a phase, including confirmation and proof waits",
			Buckets:   []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"phase"}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "cycles_total",
			Help:      "number of cycles begun",
		}),
		cursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "settlement_nonce",
			Help:      "last settlement nonce confirmed and persisted",
		}),
		stops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "stops_total",
			Help:      "engine stops by reason",
		}, []string{"reason"}),
	}
}

// SetCursor seeds the nonce gauge from the loaded config.
func (c *PhaseCollector) SetCursor(nonce uint64) {
	c.cursor.Set(float64(nonce))
}

// Observe implements engine.Observer.
func (c *PhaseCollector) Observe(ev engine.Event) {
	label := ev.Phase.String()
	switch ev.Kind {
	case engine.EventPhaseStarted:
		if ev.Phase == engine.Sentry {
			c.cycles.Inc()
		}
		c.phaseStarted.WithLabelValues(label).Inc()
	case engine.EventPhaseOutcome:
		c.phaseOutcomes.WithLabelValues(label, string(ev.Outcome.Status)).Inc()
		c.phaseDuration.WithLabelValues(label).Observe(ev.Duration.Seconds())
	case engine.EventCursorSaved:
		c.cursor.Set(float64(ev.Cursor))
	case engine.EventStopped:
		reason := "shutdown"
		if ev.Err != nil {
			reason = "fatal"
		}
		c.stops.WithLabelValues(reason).Inc()
	}
}
