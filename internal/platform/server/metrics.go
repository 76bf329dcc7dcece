package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

// Metrics registers every open_paycode collector on the default registry.
// NewMetrics must only be called once per process.
type Metrics struct {
	redemptionsTotal      *prometheus.CounterVec
	redemptionDuration    *prometheus.HistogramVec
	codesCreatedTotal     prometheus.Counter
	codeCollisionsTotal   prometheus.Counter
	codeSpaceExhausted    prometheus.Counter
	codesByState          *prometheus.GaugeVec
	sweepRunsTotal        *prometheus.CounterVec
	sweepExpiredTotal     prometheus.Counter
	sweepLastExpired      prometheus.Gauge
	sweepLastRunUnix      prometheus.Gauge
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	grpcRequestsTotal     *prometheus.CounterVec
	remoteAccessDecisions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		redemptionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "settlement",
				Name:      "redemptions_total",
				Help:      "Total redemption attempts partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		redemptionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "open_paycode",
				Subsystem: "settlement",
				Name:      "redemption_duration_seconds",
				Help:      "Redemption latency including lock waits.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		codesCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "codes",
				Name:      "created_total",
				Help:      "Total payment codes issued.",
			},
		),
		codeCollisionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "codes",
				Name:      "collisions_total",
				Help:      "Generated candidates rejected because the code was already active.",
			},
		),
		codeSpaceExhausted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "codes",
				Name:      "space_exhausted_total",
				Help:      "Code creations that gave up after the retry bound.",
			},
		),
		codesByState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "open_paycode",
				Subsystem: "codes",
				Name:      "by_state",
				Help:      "Current count of payment codes per state.",
			},
			[]string{"state"},
		),
		sweepRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Total expiry sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		sweepExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "sweep",
				Name:      "expired_total",
				Help:      "Total codes moved to expired by the sweep.",
			},
		),
		sweepLastExpired: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_paycode",
				Subsystem: "sweep",
				Name:      "last_expired",
				Help:      "Number of codes expired in the most recent sweep.",
			},
		),
		sweepLastRunUnix: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_paycode",
				Subsystem: "sweep",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent sweep.",
			},
		),
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "open_paycode",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		grpcRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Unary gRPC requests by method and status code.",
			},
			[]string{"method", "code"},
		),
		remoteAccessDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_paycode",
				Subsystem: "remote_access",
				Name:      "decisions_total",
				Help:      "Admin path access decisions by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

var _ paycode.Observer = (*Metrics)(nil)

func (m *Metrics) ObserveRedemption(outcome paycode.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.redemptionsTotal.WithLabelValues(string(outcome)).Inc()
	m.redemptionDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveCodeCreated() {
	if m == nil {
		return
	}
	m.codesCreatedTotal.Inc()
}

func (m *Metrics) ObserveCodeCollision() {
	if m == nil {
		return
	}
	m.codeCollisionsTotal.Inc()
}

func (m *Metrics) ObserveCodeSpaceExhausted() {
	if m == nil {
		return
	}
	m.codeSpaceExhausted.Inc()
}

func (m *Metrics) ObserveSweep(expired int64, err error) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	m.sweepLastExpired.Set(float64(expired))
	if err != nil {
		m.sweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepRunsTotal.WithLabelValues("success").Inc()
	if expired > 0 {
		m.sweepExpiredTotal.Add(float64(expired))
	}
}

func (m *Metrics) ObserveRemoteAccessDecision(outcome string) {
	if m == nil {
		return
	}
	m.remoteAccessDecisions.WithLabelValues(outcome).Inc()
}

// StateCounter is satisfied by both ledger stores.
type StateCounter interface {
	CountCodesByState(ctx context.Context) (map[paycode.State]int64, error)
}

// RefreshCodeCounts resets the per-state gauges from storage. States with no
// rows report zero.
func (m *Metrics) RefreshCodeCounts(ctx context.Context, src StateCounter) {
	if m == nil || src == nil {
		return
	}
	counts, err := src.CountCodesByState(ctx)
	if err != nil {
		return
	}
	for _, st := range []paycode.State{paycode.StateActive, paycode.StateUsed, paycode.StateExpired, paycode.StateCancelled} {
		m.codesByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func HTTPMetricsMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if m == nil {
			return
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(started).Seconds())
	})
}

func UnaryMetricsInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if m != nil {
			m.grpcRequestsTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
		return resp, err
	}
}

func grpcCodeFromHTTPStatus(statusCode int) codes.Code {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return codes.OK
	case statusCode == http.StatusBadRequest:
		return codes.InvalidArgument
	case statusCode == http.StatusUnauthorized:
		return codes.Unauthenticated
	case statusCode == http.StatusForbidden:
		return codes.PermissionDenied
	case statusCode == http.StatusNotFound:
		return codes.NotFound
	case statusCode == http.StatusConflict:
		return codes.Aborted
	case statusCode == http.StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case statusCode == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case statusCode == http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
