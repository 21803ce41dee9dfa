package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puzzlectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "puzzlectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	gatewayInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puzzlectl",
			Subsystem: "gateway",
			Name:      "invocations_total",
			Help:      "Remote call gateway invocations by outcome.",
		},
		[]string{"operation", "outcome"},
	)
	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "puzzlectl",
			Subsystem: "gateway",
			Name:      "invocation_duration_seconds",
			Help:      "Remote call gateway invocation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)
	goalResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puzzlectl",
			Subsystem: "goals",
			Name:      "results_total",
			Help:      "Terminal goal results by status.",
		},
		[]string{"status"},
	)
	goalAdmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puzzlectl",
			Subsystem: "goals",
			Name:      "admissions_total",
			Help:      "Goal admission decisions.",
		},
		[]string{"decision"},
	)
	goalsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "puzzlectl",
			Subsystem: "goals",
			Name:      "in_flight",
			Help:      "Goals accepted and not yet terminal.",
		},
	)
	lifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "puzzlectl",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Readiness state transitions.",
		},
		[]string{"trigger", "from", "to", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			gatewayInvocations,
			gatewayDuration,
			goalResults,
			goalAdmissions,
			goalsInFlight,
			lifecycleTransitions,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordGatewayInvocation tracks one gateway call; outcome is "ok" or the error kind.
func RecordGatewayInvocation(operation, outcome string, duration time.Duration) {
	RegisterMetrics()
	gatewayInvocations.WithLabelValues(operation, outcome).Inc()
	gatewayDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

func RecordGoalAdmission(accepted bool) {
	RegisterMetrics()
	decision := "reject"
	if accepted {
		decision = "accept"
		goalsInFlight.Inc()
	}
	goalAdmissions.WithLabelValues(decision).Inc()
}

func RecordGoalResult(status string) {
	RegisterMetrics()
	goalsInFlight.Dec()
	goalResults.WithLabelValues(status).Inc()
}

func RecordLifecycleTransition(trigger, from, to string, success bool) {
	RegisterMetrics()
	lifecycleTransitions.WithLabelValues(trigger, from, to, strconv.FormatBool(success)).Inc()
}
