package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the broker-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broker",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "broker",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Total access request decisions by outcome.",
		},
		[]string{"decision"},
	)

	sessionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "access",
			Name:      "sessions_opened_total",
			Help:      "Total sessions opened.",
		},
	)

	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "access",
			Name:      "sessions_closed_total",
			Help:      "Total sessions closed, by cause.",
		},
		[]string{"cause"},
	)

	tokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "tokens",
			Name:      "issued_total",
			Help:      "Total proxy tokens minted.",
		},
	)

	tokensRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "tokens",
			Name:      "revoked_total",
			Help:      "Total proxy tokens revoked directly or by session cascade.",
		},
	)

	tokenResolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "tokens",
			Name:      "resolves_total",
			Help:      "Total proxy token resolutions by outcome.",
		},
		[]string{"outcome"},
	)

	rotationSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "rotation",
			Name:      "sweep_secrets_total",
			Help:      "Secrets touched by rotation sweeps, by outcome.",
		},
		[]string{"outcome"},
	)

	rotationDue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broker",
			Subsystem: "rotation",
			Name:      "due_secrets",
			Help:      "Secrets past their rotation due date at the last sweep.",
		},
	)

	auditAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "audit",
			Name:      "appends_total",
			Help:      "Total audit chain appends.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		accessDecisions,
		sessionsOpened,
		sessionsClosed,
		tokensIssued,
		tokensRevoked,
		tokenResolves,
		rotationSweeps,
		rotationDue,
		auditAppends,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordAccessDecision counts one rendered access decision.
func RecordAccessDecision(decision string) {
	if decision == "" {
		decision = "unknown"
	}
	accessDecisions.WithLabelValues(decision).Inc()
}

// RecordSessionOpened counts one opened session.
func RecordSessionOpened() {
	sessionsOpened.Inc()
}

// RecordSessionClosed counts closed sessions by cause (revoked, expired).
func RecordSessionClosed(cause string, n int) {
	if n <= 0 {
		return
	}
	sessionsClosed.WithLabelValues(cause).Add(float64(n))
}

// RecordTokenIssued counts one freshly minted proxy token.
func RecordTokenIssued() {
	tokensIssued.Inc()
}

// RecordTokensRevoked counts proxy tokens taken out of circulation.
func RecordTokensRevoked(n int) {
	if n <= 0 {
		return
	}
	tokensRevoked.Add(float64(n))
}

// SetRotationDue records how many secrets were past due at the last sweep.
func SetRotationDue(n int) {
	rotationDue.Set(float64(n))
}

// RecordTokenResolve counts one proxy token resolution attempt.
func RecordTokenResolve(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	tokenResolves.WithLabelValues(outcome).Inc()
}

// RecordRotationOutcome counts one secret handled by a rotation sweep.
func RecordRotationOutcome(outcome string, n int) {
	if n <= 0 {
		return
	}
	rotationSweeps.WithLabelValues(outcome).Add(float64(n))
}

// RecordAuditAppend counts one audit chain append.
func RecordAuditAppend() {
	auditAppends.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses resource ids so the label set stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	switch parts[0] {
	case "secrets", "tools", "requests", "sessions", "tokens":
		if parts[0] == "tokens" && parts[1] == "resolve" {
			return "/tokens/resolve"
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0] + "/:id/" + parts[2]
	}
	return "/" + parts[0]
}
