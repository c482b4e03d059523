package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the service's Prometheus metrics.
// All metrics share one namespace and are registered on the default
// registry via promauto, so a process must create at most one Collector
// per namespace. Methods are safe for concurrent use.
type Collector struct {
	// HTTP surface.
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Task lifecycle.
	tasksSubmitted *prometheus.CounterVec
	tasksCancelled prometheus.Counter
	tasksEscalated *prometheus.CounterVec
	tasksActive    *prometheus.GaugeVec

	// Delivery queue.
	queueReady      *prometheus.GaugeVec
	queueDelayed    prometheus.Gauge
	queueInFlight   prometheus.Gauge
	queueDeadLetter prometheus.Gauge

	// Agent pool and circuit breakers.
	agentsRegistered   *prometheus.GaugeVec
	breakerStates      *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// Database.
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a Collector and registers its metrics under the
// given namespace on the default Prometheus registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests served, by method, path and status class.",
	}, []string{"method", "path", "status"})

	c.httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.httpRequestSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_size_bytes",
		Help:      "HTTP request body size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"method", "path"})

	c.httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response body size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"method", "path"})

	c.tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted for dispatch, by priority and capability.",
	}, []string{"priority", "capability"})

	c.tasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_cancelled_total",
		Help:      "Tasks cancelled by callers before completion.",
	})

	c.tasksEscalated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_escalated_total",
		Help:      "Tasks escalated to human review, by trigger.",
	}, []string{"trigger"})

	c.tasksActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_active",
		Help:      "Tasks currently held by the lifecycle manager, by stage.",
	}, []string{"stage"})

	c.queueReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_ready",
		Help:      "Deliverable queue entries, by priority lane.",
	}, []string{"lane"})

	c.queueDelayed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_delayed",
		Help:      "Queue entries parked on a future not-before time.",
	})

	c.queueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_in_flight",
		Help:      "Delivered queue entries awaiting acknowledgement.",
	})

	c.queueDeadLetter = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_dead_letter",
		Help:      "Queue entries that exhausted their delivery attempts.",
	})

	c.agentsRegistered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents_registered",
		Help:      "Registered agents, by status.",
	}, []string{"status"})

	c.breakerStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_states",
		Help:      "Circuit breakers, by current state.",
	}, []string{"state"})

	c.breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions, by agent and target state.",
	}, []string{"agent_id", "to"})

	c.dbConnectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Open database connections.",
	}, []string{"database"})

	c.dbConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Idle database connections.",
	}, []string{"database"})

	c.dbQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_query_duration_seconds",
		Help:      "Database query latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"database", "operation"})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one served HTTP request. Sizes of zero or
// below are skipped so missing Content-Length headers do not skew the
// size histograms.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if requestSize > 0 {
		c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	}
	if responseSize > 0 {
		c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
	}
}

// RecordTaskSubmitted counts one accepted task.
func (c *Collector) RecordTaskSubmitted(priority, capability string) {
	c.tasksSubmitted.WithLabelValues(priority, capability).Inc()
}

// RecordTaskCancelled counts one caller-initiated cancellation.
func (c *Collector) RecordTaskCancelled() {
	c.tasksCancelled.Inc()
}

// RecordEscalation counts one escalation by trigger.
func (c *Collector) RecordEscalation(trigger string) {
	c.tasksEscalated.WithLabelValues(trigger).Inc()
}

// SetActiveTasks replaces the per-stage active task gauges. Callers
// should pass every stage they track, including zero counts, so stages
// that empty out drop back to zero.
func (c *Collector) SetActiveTasks(byStage map[string]int) {
	for stage, n := range byStage {
		c.tasksActive.WithLabelValues(stage).Set(float64(n))
	}
}

// SetQueueDepth sets the ready-entry gauge for one priority lane.
func (c *Collector) SetQueueDepth(lane string, ready int) {
	c.queueReady.WithLabelValues(lane).Set(float64(ready))
}

// SetQueueBacklog sets the lane-independent queue gauges.
func (c *Collector) SetQueueBacklog(delayed, inFlight, deadLetter int) {
	c.queueDelayed.Set(float64(delayed))
	c.queueInFlight.Set(float64(inFlight))
	c.queueDeadLetter.Set(float64(deadLetter))
}

// SetAgents sets the registered-agent gauge for one status.
func (c *Collector) SetAgents(status string, n int) {
	c.agentsRegistered.WithLabelValues(status).Set(float64(n))
}

// SetBreakerStates replaces the per-state breaker gauges. As with
// SetActiveTasks, callers pass zero counts for states they track.
func (c *Collector) SetBreakerStates(byState map[string]int) {
	for state, n := range byState {
		c.breakerStates.WithLabelValues(state).Set(float64(n))
	}
}

// RecordBreakerTransition counts one breaker state change.
func (c *Collector) RecordBreakerTransition(agentID, to string) {
	c.breakerTransitions.WithLabelValues(agentID, to).Inc()
}

// RecordDBConnections sets the connection pool gauges for one database.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records one database query.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// statusCode folds an HTTP status into its class to keep label
// cardinality bounded.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
