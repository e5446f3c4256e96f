// Package metrics exposes orchestrator measurements as Prometheus
// collectors. Metrics implements the orchestrator's Recorder and the bus
// delivery observer.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// Metrics holds all Prometheus metrics for spectree.
type Metrics struct {
	RoundsStarted  *prometheus.CounterVec
	Rounds         *prometheus.CounterVec
	RoundDuration  *prometheus.HistogramVec
	Cost           *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	Wakes          *prometheus.CounterVec
	CapsReached    *prometheus.CounterVec
	Messages       *prometheus.CounterVec
	InFlightRounds prometheus.Gauge
	Nodes          *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		RoundsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectree_rounds_started_total",
				Help: "Agent rounds dispatched",
			},
			[]string{"role"},
		),
		Rounds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectree_rounds_total",
				Help: "Agent rounds finished, by outcome",
			},
			[]string{"role", "outcome"},
		),
		RoundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spectree_round_duration_seconds",
				Help:    "Agent round duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"role"},
		),
		Cost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectree_cost_usd_total",
				Help: "Model cost of agent rounds in USD",
			},
			[]string{"role"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectree_phase_transitions_total",
				Help: "Committed phase transitions",
			},
			[]string{"from", "to"},
		),
		Wakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectree_wakes_total",
				Help: "Hibernating nodes woken, by reason",
			},
			[]string{"reason"},
		),
		CapsReached: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectree_caps_reached_total",
				Help: "Times a run cap stopped work",
			},
			[]string{"cap"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectree_messages_total",
				Help: "Messages delivered on the bus",
			},
			[]string{"type", "priority"},
		),
		InFlightRounds: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "spectree_rounds_in_flight",
				Help: "Agent rounds currently running",
			},
		),
		Nodes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spectree_nodes",
				Help: "Spec nodes by phase",
			},
			[]string{"phase"},
		),
	}
}

// NewRegistry creates a new Prometheus registry with metrics.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, NewMetrics(reg)
}

// HandlerFor returns an HTTP handler for a specific registry.
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RoundStarted records a dispatched round.
func (m *Metrics) RoundStarted(role models.Role) {
	m.RoundsStarted.WithLabelValues(string(role)).Inc()
}

// RoundFinished records a finished round.
func (m *Metrics) RoundFinished(role models.Role, outcome string, d time.Duration, cost float64) {
	r := string(role)
	m.Rounds.WithLabelValues(r, outcome).Inc()
	m.RoundDuration.WithLabelValues(r).Observe(d.Seconds())
	if cost > 0 {
		m.Cost.WithLabelValues(r).Add(cost)
	}
}

// PhaseChanged records a committed transition.
func (m *Metrics) PhaseChanged(from, to models.Phase) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Woke records a wake.
func (m *Metrics) Woke(reason string) {
	m.Wakes.WithLabelValues(reason).Inc()
}

// InFlight sets the number of running rounds.
func (m *Metrics) InFlight(n int) {
	m.InFlightRounds.Set(float64(n))
}

// CapReached records a cap stopping work.
func (m *Metrics) CapReached(c models.CapKind) {
	m.CapsReached.WithLabelValues(string(c)).Inc()
}

// OnDelivered counts a delivered bus message.
func (m *Metrics) OnDelivered(_ context.Context, msg *models.Message) {
	m.Messages.WithLabelValues(string(msg.Type), string(msg.Priority)).Inc()
}

// SetNodes replaces the per-phase node gauges. Phases missing from counts
// are reported as zero.
func (m *Metrics) SetNodes(counts map[models.Phase]int) {
	for _, p := range models.AllPhases {
		m.Nodes.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}
