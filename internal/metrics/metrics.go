// Package metrics provides Prometheus instrumentation for the flagz SDK and
// the relay.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagz metrics appear on the /metrics endpoint.
//
// Every recording method is safe on a nil *Metrics, so SDK components can be
// constructed without instrumentation.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Config fetch outcomes.
const (
	FetchUpdated     = "updated"
	FetchNotModified = "not_modified"
	FetchRetryable   = "retryable_error"
	FetchFatal       = "fatal_error"
)

// Flush outcomes.
const (
	FlushSuccess = "success"
	FlushRetry   = "retry"
	FlushDropped = "dropped"
)

// Metrics holds all Prometheus collectors used by the SDK and relay.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	ConfigFetchesTotal  *prometheus.CounterVec
	ConfigFetchDuration *prometheus.HistogramVec
	PushState           *prometheus.GaugeVec
	PushRestartsTotal   prometheus.Counter
	EventsQueuedTotal   *prometheus.CounterVec
	EventsDroppedTotal  *prometheus.CounterVec
	FlushesTotal        *prometheus.CounterVec
	FlushDuration       prometheus.Histogram
	EvaluationsTotal    *prometheus.CounterVec
	HookErrorsTotal     *prometheus.CounterVec
}

// New creates and registers all flagz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagz_http_requests_total",
			Help: "Total number of relay HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagz_http_request_duration_seconds",
			Help:    "Relay HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagz_grpc_requests_total",
			Help: "Total number of relay gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagz_grpc_request_duration_seconds",
			Help:    "Relay gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ConfigFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagz_config_fetches_total",
			Help: "Total number of configuration fetches by outcome.",
		}, []string{"outcome"}),

		ConfigFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagz_config_fetch_duration_seconds",
			Help:    "Configuration fetch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		PushState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagz_push_state",
			Help: "Current push channel state (1 for the active state).",
		}, []string{"state"}),

		PushRestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagz_push_restarts_total",
			Help: "Total number of push channel restarts after repeated errors.",
		}),

		EventsQueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagz_events_queued_total",
			Help: "Total number of events accepted into the queue.",
		}, []string{"kind"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagz_events_dropped_total",
			Help: "Total number of events dropped before delivery.",
		}, []string{"reason"}),

		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagz_event_flushes_total",
			Help: "Total number of event payload sends by outcome.",
		}, []string{"outcome"}),

		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flagz_event_flush_duration_seconds",
			Help:    "Duration of a full flush pass in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagz_variable_evaluations_total",
			Help: "Total number of variable evaluations.",
		}, []string{"result"}),

		HookErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagz_hook_errors_total",
			Help: "Total number of evaluation hook failures by stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ConfigFetchesTotal,
		m.ConfigFetchDuration,
		m.PushState,
		m.PushRestartsTotal,
		m.EventsQueuedTotal,
		m.EventsDroppedTotal,
		m.FlushesTotal,
		m.FlushDuration,
		m.EvaluationsTotal,
		m.HookErrorsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count and latency. Health watches are long-lived streams.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// ObserveHTTP records one relay HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// ObserveConfigFetch records one configuration fetch.
func (m *Metrics) ObserveConfigFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConfigFetchesTotal.WithLabelValues(outcome).Inc()
	m.ConfigFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetPushState marks state as the active push channel state.
func (m *Metrics) SetPushState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.PushState.WithLabelValues(s).Set(v)
	}
}

// IncPushRestarts increments the push restart counter.
func (m *Metrics) IncPushRestarts() {
	if m == nil {
		return
	}
	m.PushRestartsTotal.Inc()
}

// IncEventsQueued counts one accepted event of the given kind.
func (m *Metrics) IncEventsQueued(kind string) {
	if m == nil {
		return
	}
	m.EventsQueuedTotal.WithLabelValues(kind).Inc()
}

// AddEventsDropped counts n dropped events.
func (m *Metrics) AddEventsDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

// IncFlushes counts one payload send with the given outcome.
func (m *Metrics) IncFlushes(outcome string) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFlush records the duration of a flush pass.
func (m *Metrics) ObserveFlush(d time.Duration) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(d.Seconds())
}

// RecordEvaluation increments the evaluation counter.
func (m *Metrics) RecordEvaluation(defaulted bool) {
	if m == nil {
		return
	}
	result := "evaluated"
	if defaulted {
		result = "defaulted"
	}
	m.EvaluationsTotal.WithLabelValues(result).Inc()
}

// IncHookErrors counts one hook failure in stage.
func (m *Metrics) IncHookErrors(stage string) {
	if m == nil {
		return
	}
	m.HookErrorsTotal.WithLabelValues(stage).Inc()
}
