package dialog

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the dialog engine.
type Metrics struct {
	StepsTotal  *prometheus.CounterVec
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns dialog metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_dialog_steps_total",
			Help: "Script steps built by the engine, by step kind.",
		}, []string{"kind"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_dialog_errors_total",
			Help: "Script configuration errors hit during execution, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.StepsTotal,
		m.ErrorsTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStep: func(kind StepKind) {
			if kind == "" {
				kind = KindMessage
			}
			m.StepsTotal.WithLabelValues(string(kind)).Inc()
		},
		OnError: func(reason string) {
			m.ErrorsTotal.WithLabelValues(reason).Inc()
		},
	}
}
