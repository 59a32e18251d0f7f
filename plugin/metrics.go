package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts lifecycle transitions and hook dispatch failures.
type Metrics struct {
	transitions *prometheus.CounterVec
	hookErrors  prometheus.Counter
}

// NewMetrics creates and registers the runtime's collectors. Pass
// prometheus.DefaultRegisterer in production; tests use a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsdeck",
			Subsystem: "plugin",
			Name:      "lifecycle_transitions_total",
			Help:      "Plugin lifecycle operations by operation and result.",
		}, []string{"op", "result"}),
		hookErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsdeck",
			Subsystem: "plugin",
			Name:      "hook_dispatch_errors_total",
			Help:      "Handler errors collected from lifecycle event dispatch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.hookErrors)
	}
	return m
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transitions.WithLabelValues(op, result).Inc()
}

func (m *Metrics) hookError(n int) {
	if m == nil || n == 0 {
		return
	}
	m.hookErrors.Add(float64(n))
}
