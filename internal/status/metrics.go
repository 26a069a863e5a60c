// Package status exposes the running agent over HTTP: Prometheus metrics,
// a health probe and a websocket stream of conversation events.
package status

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PhaseTransitions *prometheus.CounterVec
	ChannelsInPhase  *prometheus.GaugeVec
	StageDuration    *prometheus.HistogramVec
	StageErrors      *prometheus.CounterVec
	UtterancesDrop   *prometheus.CounterVec
	LoopStops        *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "companion"
	}
	registry := prometheus.NewRegistry()

	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Conversation phase transitions",
		},
		[]string{"from", "to"},
	)
	inPhase := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_in_phase",
			Help:      "Voice channels currently in each non-idle phase",
		},
		[]string{"phase"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Turn pipeline stage latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 12},
		},
		[]string{"stage", "outcome"},
	)
	stageErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Failed pipeline stages",
		},
		[]string{"stage"},
	)
	drops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_dropped_total",
			Help:      "Utterances discarded before or during a turn",
		},
		[]string{"reason"},
	)
	stops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_stops_total",
			Help:      "Conversation loop halts",
		},
		[]string{"reason"},
	)

	registry.MustRegister(transitions, inPhase, stageDuration, stageErrors, drops, stops)

	return &Metrics{
		registry:         registry,
		PhaseTransitions: transitions,
		ChannelsInPhase:  inPhase,
		StageDuration:    stageDuration,
		StageErrors:      stageErrors,
		UtterancesDrop:   drops,
		LoopStops:        stops,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordPhase(from, to string) {
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
	if from != "idle" {
		m.ChannelsInPhase.WithLabelValues(from).Dec()
	}
	if to != "idle" {
		m.ChannelsInPhase.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) RecordStage(stage string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.StageErrors.WithLabelValues(stage).Inc()
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(took.Seconds())
}
