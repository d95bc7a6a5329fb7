package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global metrics container for the bridge.
type Metrics struct {
	// Dispatch (C11) metrics
	DispatchRequestsTotal   *prometheus.CounterVec
	DispatchDuration        *prometheus.HistogramVec
	DispatchRequestsInFlight prometheus.Gauge

	// Registry (C1) metrics
	RegistryServicesTotal  prometheus.Gauge
	RegistryInstancesTotal *prometheus.GaugeVec

	// Health (C2) metrics
	InstanceHealthState *prometheus.GaugeVec

	// Breaker (C3) metrics
	BreakerStateTransitions *prometheus.CounterVec
	BreakerOpenTotal        *prometheus.GaugeVec

	// Load balancer (C4) metrics
	LBSelectionsTotal *prometheus.CounterVec

	// Channel pool (C5) metrics
	ChannelsActive   *prometheus.GaugeVec
	ChannelsDialTotal *prometheus.CounterVec

	// Invoker (C6) metrics
	UpstreamCallsTotal    *prometheus.CounterVec
	UpstreamCallDuration  *prometheus.HistogramVec
	RetriesTotal          *prometheus.CounterVec
	HedgedCallsTotal      *prometheus.CounterVec

	// Cache (C9) metrics
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     *prometheus.CounterVec
	CacheEvictionsTotal  *prometheus.CounterVec
	CacheSingleflightWaitTotal prometheus.Counter

	// Admission/rate limit (C10) metrics
	AdmissionQueueDepth prometheus.Gauge
	AdmissionRejectedTotal *prometheus.CounterVec
	ThrottledTotal         *prometheus.CounterVec

	// Service info
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics initializes and registers the bridge's metrics.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		DispatchRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_requests_total",
				Help:      "Total number of dispatched requests",
			},
			[]string{"service", "method", "status"},
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_duration_seconds",
				Help:      "End-to-end dispatch latency",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method"},
		),

		DispatchRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_requests_in_flight",
				Help:      "Current number of requests being dispatched",
			},
		),

		RegistryServicesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "registry_services_total",
				Help:      "Number of registered services",
			},
		),

		RegistryInstancesTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "registry_instances_total",
				Help:      "Number of registered instances per service",
			},
			[]string{"service"},
		),

		InstanceHealthState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "instance_health_state",
				Help:      "Instance health state (0=Unknown,1=Healthy,2=Degraded,3=Unhealthy)",
			},
			[]string{"service", "instance"},
		),

		BreakerStateTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_state_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"service", "instance", "to"},
		),

		BreakerOpenTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_open",
				Help:      "Whether the breaker for an instance is currently open",
			},
			[]string{"service", "instance"},
		),

		LBSelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "lb_selections_total",
				Help:      "Load balancer instance selections",
			},
			[]string{"service", "policy"},
		),

		ChannelsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "channels_active",
				Help:      "Active gRPC channels per instance",
			},
			[]string{"service", "instance"},
		),

		ChannelsDialTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "channels_dial_total",
				Help:      "Channel dial attempts",
			},
			[]string{"service", "instance", "status"},
		),

		UpstreamCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upstream_calls_total",
				Help:      "Total upstream gRPC calls",
			},
			[]string{"service", "method", "status"},
		),

		UpstreamCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upstream_call_duration_seconds",
				Help:      "Upstream gRPC call latency",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retries_total",
				Help:      "Retry attempts issued by the invoker",
			},
			[]string{"service", "method"},
		),

		HedgedCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "hedged_calls_total",
				Help:      "Hedge requests issued by the invoker",
			},
			[]string{"service", "method"},
		),

		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_hits_total",
				Help:      "Response cache hits",
			},
			[]string{"service", "method"},
		),

		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_misses_total",
				Help:      "Response cache misses",
			},
			[]string{"service", "method"},
		),

		CacheEvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_evictions_total",
				Help:      "Response cache evictions by list",
			},
			[]string{"list"},
		),

		CacheSingleflightWaitTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_singleflight_waits_total",
				Help:      "Requests that waited on an in-flight fingerprint fetch",
			},
		),

		AdmissionQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "admission_queue_depth",
				Help:      "Current depth of the global admission queue",
			},
		),

		AdmissionRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "admission_rejected_total",
				Help:      "Requests rejected at the admission queue",
			},
			[]string{"reason"},
		),

		ThrottledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "throttled_total",
				Help:      "Requests throttled by the per-tenant token bucket",
			},
			[]string{"tenant"},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	prometheus.MustRegister(NewRuntimeCollector(namespace, subsystem))

	defaultMetrics = m
	return m
}

// Get returns the global metrics, initializing with defaults if needed.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("bridge", "")
	}
	return defaultMetrics
}

// RecordDispatch records a completed Dispatch call (C11 step 8).
func (m *Metrics) RecordDispatch(service, method, status string, duration time.Duration) {
	m.DispatchRequestsTotal.WithLabelValues(service, method, status).Inc()
	m.DispatchDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordUpstreamCall records one gRPC call made by the Invoker (C6).
func (m *Metrics) RecordUpstreamCall(service, method, status string, duration time.Duration) {
	m.UpstreamCallsTotal.WithLabelValues(service, method, status).Inc()
	m.UpstreamCallDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordRetry increments the retry counter for a method.
func (m *Metrics) RecordRetry(service, method string) {
	m.RetriesTotal.WithLabelValues(service, method).Inc()
}

// RecordHedge increments the hedge counter for a method.
func (m *Metrics) RecordHedge(service, method string) {
	m.HedgedCallsTotal.WithLabelValues(service, method).Inc()
}

// RecordCacheHit/RecordCacheMiss record Response Cache (C9) outcomes.
func (m *Metrics) RecordCacheHit(service, method string) {
	m.CacheHitsTotal.WithLabelValues(service, method).Inc()
}

func (m *Metrics) RecordCacheMiss(service, method string) {
	m.CacheMissesTotal.WithLabelValues(service, method).Inc()
}

// RecordCacheEviction records an ARC list eviction (list is one of t1,t2,b1,b2).
func (m *Metrics) RecordCacheEviction(list string) {
	m.CacheEvictionsTotal.WithLabelValues(list).Inc()
}

// RecordBreakerTransition records a breaker (C3) state change.
func (m *Metrics) RecordBreakerTransition(service, instance, to string) {
	m.BreakerStateTransitions.WithLabelValues(service, instance, to).Inc()
	isOpen := 0.0
	if to == "open" {
		isOpen = 1.0
	}
	m.BreakerOpenTotal.WithLabelValues(service, instance).Set(isOpen)
}

// RecordLBSelection records a load balancer (C4) instance pick.
func (m *Metrics) RecordLBSelection(service, policy string) {
	m.LBSelectionsTotal.WithLabelValues(service, policy).Inc()
}

// SetInstanceHealth records a health state transition (C2).
// state must be one of 0=Unknown,1=Healthy,2=Degraded,3=Unhealthy.
func (m *Metrics) SetInstanceHealth(service, instance string, state float64) {
	m.InstanceHealthState.WithLabelValues(service, instance).Set(state)
}

// RecordAdmissionRejected records a request rejected by the admission queue (C10).
func (m *Metrics) RecordAdmissionRejected(reason string) {
	m.AdmissionRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordThrottled records a request throttled by the per-tenant limiter (C10).
func (m *Metrics) RecordThrottled(tenant string) {
	m.ThrottledTotal.WithLabelValues(tenant).Inc()
}

// SetServiceInfo sets the service_info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts the metrics HTTP server.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
