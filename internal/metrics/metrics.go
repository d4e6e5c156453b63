// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	leadsTotal                 *prometheus.CounterVec
	remedyAttemptsTotal        *prometheus.CounterVec
	recoveriesTotal            *prometheus.CounterVec
	sessionRestartsTotal       prometheus.Counter
	identityRotationsTotal     *prometheus.CounterVec
	challengeTransitionsTotal  *prometheus.CounterVec
	pacingDelaySeconds         prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		leadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_leads_total",
				Help: "Total number of leads seen, labeled by status.",
			},
			[]string{"status"},
		)

		remedyAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_remedy_attempts_total",
				Help: "Remedy applications, labeled by remedy and resulting health.",
			},
			[]string{"remedy", "result"},
		)

		recoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_recoveries_total",
				Help: "Recovery episodes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		sessionRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_session_restarts_total",
				Help: "Full session restarts after exhausted local remedies.",
			},
		)

		identityRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_identity_rotations_total",
				Help: "Identity rotations, labeled by trigger.",
			},
			[]string{"reason"},
		)

		challengeTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_challenge_transitions_total",
				Help: "Challenge state machine transitions, labeled by entered state.",
			},
			[]string{"state"},
		)

		pacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_pacing_delay_seconds",
				Help:    "Histogram of pauses inserted between work units.",
				Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLeads adds n leads with the given status.
func ObserveLeads(status string, n int) {
	if n > 0 {
		leadsTotal.WithLabelValues(status).Add(float64(n))
	}
}

// ObserveRemedy counts one remedy application.
func ObserveRemedy(remedy, result string) {
	remedyAttemptsTotal.WithLabelValues(remedy, result).Inc()
}

// ObserveRecovery counts a recovery episode.
func ObserveRecovery(outcome string) {
	recoveriesTotal.WithLabelValues(outcome).Inc()
}

// IncSessionRestarts counts a full restart.
func IncSessionRestarts() {
	sessionRestartsTotal.Inc()
}

// ObserveRotation counts an identity rotation.
func ObserveRotation(reason string) {
	identityRotationsTotal.WithLabelValues(reason).Inc()
}

// ObserveChallengeState counts entry into a challenge state.
func ObserveChallengeState(state string) {
	challengeTransitionsTotal.WithLabelValues(state).Inc()
}

// ObservePacingDelay records a pause between work units.
func ObservePacingDelay(d time.Duration) {
	pacingDelaySeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
