package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tool invocation metrics
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snow_tool_invocations_total",
			Help: "Total tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snow_tool_duration_seconds",
			Help:    "Wall-clock duration of tool invocations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tool"},
	)

	// Session lifecycle metrics
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snow_logins_total",
			Help: "Login attempts by outcome",
		},
		[]string{"outcome"},
	)

	ElevationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snow_elevations_total",
			Help: "Privilege elevation attempts by outcome",
		},
		[]string{"outcome"},
	)

	SessionExpiriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snow_session_expiries_total",
			Help: "Sessions found expired by the remote platform",
		},
	)

	// Remote request metrics
	RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snow_remote_requests_total",
			Help: "HTTP requests to instances by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)

	RemoteRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snow_remote_request_seconds",
			Help:    "Latency of HTTP requests to instances",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Audit sink failures never fail the wrapped call; count them instead.
	AuditWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snow_audit_write_failures_total",
			Help: "Audit records a sink failed to persist",
		},
		[]string{"sink"},
	)
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// RecordToolInvocation records a completed tool call.
func RecordToolInvocation(tool string, err error, d time.Duration) {
	ToolInvocationsTotal.WithLabelValues(tool, outcome(err)).Inc()
	ToolDurationSeconds.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordLogin records a login attempt.
func RecordLogin(err error) {
	LoginsTotal.WithLabelValues(outcome(err)).Inc()
}

// RecordElevation records an elevation attempt.
func RecordElevation(err error) {
	ElevationsTotal.WithLabelValues(outcome(err)).Inc()
}

// RecordSessionExpired records a detected expiry.
func RecordSessionExpired() {
	SessionExpiriesTotal.Inc()
}

// RecordRemoteRequest records one HTTP exchange. code 0 means the request
// never got a response.
func RecordRemoteRequest(endpoint string, code int, d time.Duration) {
	label := "none"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	RemoteRequestsTotal.WithLabelValues(endpoint, label).Inc()
	RemoteRequestSeconds.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordAuditWriteFailure records a sink failure.
func RecordAuditWriteFailure(sink string) {
	AuditWriteFailuresTotal.WithLabelValues(sink).Inc()
}
