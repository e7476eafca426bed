// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector holds every metric the payment core exports. All methods are safe
// on a nil receiver so components can run without metrics.
type Collector struct {
	// operation metrics (ledger calls, counterparty calls)
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// settlement metrics
	settlementsTotal   *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec

	// channel metrics
	channelUpdates     *prometheus.CounterVec
	channelTransitions *prometheus.CounterVec
	channelsActive     prometheus.Gauge

	// policy metrics
	policyDecisions *prometheus.CounterVec

	// resilience metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	retryAttempts      *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimited         *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.operationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of outbound operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Outbound operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.settlementsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Total number of settled demands",
		},
		[]string{"method", "status"},
	)

	c.settlementDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Demand settlement duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"method"},
	)

	c.channelUpdates = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_updates_total",
			Help:      "Total number of channel balance updates",
		},
		[]string{"direction", "result"}, // direction: outbound, inbound
	)

	c.channelTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_transitions_total",
			Help:      "Total number of channel state transitions",
		},
		[]string{"from", "to"},
	)

	c.channelsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of channels in the active table",
		},
	)

	c.policyDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Total number of policy evaluations",
		},
		[]string{"kind", "authorized"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"key"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"key", "to"},
	)

	c.retryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retried attempts",
		},
		[]string{"operation"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.rateLimited = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{"path"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// Recording
// =============================================================================

// RecordOperation records an outbound operation.
func (c *Collector) RecordOperation(operation, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.operationsTotal.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSettlement records a settled or failed demand.
func (c *Collector) RecordSettlement(method, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.settlementsTotal.WithLabelValues(method, status).Inc()
	c.settlementDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordChannelUpdate records a proposed or accepted update.
func (c *Collector) RecordChannelUpdate(direction, result string) {
	if c == nil {
		return
	}
	c.channelUpdates.WithLabelValues(direction, result).Inc()
}

// RecordChannelTransition records a channel state change.
func (c *Collector) RecordChannelTransition(from, to string) {
	if c == nil {
		return
	}
	c.channelTransitions.WithLabelValues(from, to).Inc()
}

// SetActiveChannels sets the size of the active channel table.
func (c *Collector) SetActiveChannels(n int) {
	if c == nil {
		return
	}
	c.channelsActive.Set(float64(n))
}

// RecordPolicyDecision records a policy evaluation.
func (c *Collector) RecordPolicyDecision(kind string, authorized bool) {
	if c == nil {
		return
	}
	c.policyDecisions.WithLabelValues(kind, strconv.FormatBool(authorized)).Inc()
}

// RecordBreakerState records a breaker transition. state is the numeric
// state value (0=closed, 1=open, 2=half_open).
func (c *Collector) RecordBreakerState(key, to string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(key).Set(float64(state))
	c.breakerTransitions.WithLabelValues(key, to).Inc()
}

// RecordRetry records one retried attempt.
func (c *Collector) RecordRetry(operation string) {
	if c == nil {
		return
	}
	c.retryAttempts.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimited records a request rejected by the rate limiter.
func (c *Collector) RecordRateLimited(path string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(path).Inc()
}

// =============================================================================
// Combinators
// =============================================================================

// Timed runs fn and records it as operation, labelled ok or error.
func Timed[T any](c *Collector, operation string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.RecordOperation(operation, status, time.Since(start))
	return v, err
}
