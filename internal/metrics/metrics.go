package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_answer_submissions_total",
			Help: "Answer submissions by scoring source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ValidationFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quiz_validation_fallbacks_total",
			Help: "Submissions scored locally because the trusted validator was unreachable",
		},
	)

	PhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_phase_transitions_total",
			Help: "Session phase writes by target phase",
		},
		[]string{"phase"},
	)

	Failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_host_failovers_total",
			Help: "Host failover runs by outcome",
		},
		[]string{"outcome"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiz_gateway_connections",
			Help: "Open websocket connections",
		},
	)

	ValidatorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_validator_requests_total",
			Help: "Trusted validator requests handled by outcome",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// Init registers all collectors with the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Submissions,
			ValidationFallbacks,
			PhaseTransitions,
			Failovers,
			ActiveConnections,
			ValidatorRequests,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
