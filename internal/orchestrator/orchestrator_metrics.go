package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/routing"
)

// Metrics holds Prometheus metrics for the orchestration service.
type Metrics struct {
	InboundTotal   *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	SessionsOpened prometheus.Counter
	SessionsClosed *prometheus.CounterVec
	HandoffsTotal  *prometheus.CounterVec
	OutboundTotal  *prometheus.CounterVec
	ShortcutsTotal *prometheus.CounterVec
	Selections     *prometheus.CounterVec
	Candidates     prometheus.Histogram
}

// NewMetrics registers and returns orchestrator metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_inbound_messages_total",
			Help: "Inbound messages by result.",
		}, []string{"result"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "concierge_turn_duration_seconds",
			Help:    "Time to process one inbound message, delivery included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concierge_sessions_opened_total",
			Help: "Sessions started.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_sessions_closed_total",
			Help: "Sessions closed, by final status.",
		}, []string{"status"}),
		HandoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_handoffs_total",
			Help: "Transfers to a human, by whether an agent was assigned.",
		}, []string{"assigned"}),
		OutboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_outbound_messages_total",
			Help: "Outbound messages by delivery result.",
		}, []string{"result"}),
		ShortcutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_shortcuts_offered_total",
			Help: "Keyword shortcuts offered, by category.",
		}, []string{"category"}),
		Selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_agent_selections_total",
			Help: "Agent selections by outcome.",
		}, []string{"outcome"}),
		Candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "concierge_agent_selection_candidates",
			Help:    "Eligible agents considered per selection.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
	}

	reg.MustRegister(
		m.InboundTotal,
		m.TurnDuration,
		m.SessionsOpened,
		m.SessionsClosed,
		m.HandoffsTotal,
		m.OutboundTotal,
		m.ShortcutsTotal,
		m.Selections,
		m.Candidates,
	)

	return m
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnInbound: func(result string, dur time.Duration) {
			m.InboundTotal.WithLabelValues(result).Inc()
			m.TurnDuration.Observe(dur.Seconds())
		},
		OnOpen: func() {
			m.SessionsOpened.Inc()
		},
		OnClose: func(status dialog.Status) {
			m.SessionsClosed.WithLabelValues(string(status)).Inc()
		},
		OnHandoff: func(assigned bool) {
			label := "false"
			if assigned {
				label = "true"
			}
			m.HandoffsTotal.WithLabelValues(label).Inc()
		},
		OnSend: func(err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.OutboundTotal.WithLabelValues(result).Inc()
		},
		OnShortcut: func(category string) {
			m.ShortcutsTotal.WithLabelValues(category).Inc()
		},
	}
}

// RoutingHooks returns resolver hooks recording selection outcomes.
func (m *Metrics) RoutingHooks() routing.Hooks {
	return routing.Hooks{
		OnSelect: func(outcome string, candidates int) {
			m.Selections.WithLabelValues(outcome).Inc()
			m.Candidates.Observe(float64(candidates))
		},
	}
}
