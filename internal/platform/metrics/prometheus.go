package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide Prometheus metrics. The HTTP metrics are
// updated by HTTPMetricsMiddleware and the pool gauges by ObservePoolStats;
// the task, affinity, coalescing, Turbo, DB, cache and Kafka collectors are
// registered but nothing in the module updates them.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec
	HTTPActiveRequests  *prometheus.GaugeVec

	// Task execution engine metrics
	TasksExecutedTotal  *prometheus.CounterVec
	TasksFailedTotal    *prometheus.CounterVec
	TaskRetriesTotal    prometheus.Counter
	TaskDuration        *prometheus.HistogramVec
	PoolSize            *prometheus.GaugeVec
	PoolBusyWorkers     *prometheus.GaugeVec
	PoolIdleWorkers     *prometheus.GaugeVec
	PoolQueueLength     *prometheus.GaugeVec
	PoolTemporaryActive *prometheus.GaugeVec
	AffinityHitsTotal   prometheus.Counter
	AffinityMissTotal   prometheus.Counter
	CoalescedTotal      prometheus.Counter
	TurboChunksTotal    *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  *prometheus.GaugeVec
	DBConnectionsInUse *prometheus.GaugeVec
	DBQueryDuration    *prometheus.HistogramVec
	DBQueryErrors      *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Kafka metrics
	KafkaMessagesProduced *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_size_bytes", Help: "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7)},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "http_response_size_bytes", Help: "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7)},
			[]string{"method", "path"},
		),
		HTTPActiveRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "http_active_requests", Help: "Number of active HTTP requests"},
			[]string{"method"},
		),

		TasksExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_executed_total", Help: "Total number of successfully executed tasks"},
			[]string{"pool_type"},
		),
		TasksFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_failed_total", Help: "Total number of failed tasks"},
			[]string{"pool_type", "error_kind"},
		),
		TaskRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "task_retries_total", Help: "Total number of retry attempts issued"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "task_duration_seconds", Help: "Task execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}},
			[]string{"pool_type"},
		),
		PoolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pool_size", Help: "Current number of pooled workers"},
			[]string{"pool_type"},
		),
		PoolBusyWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pool_busy_workers", Help: "Number of busy pooled workers"},
			[]string{"pool_type"},
		),
		PoolIdleWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pool_idle_workers", Help: "Number of idle pooled workers"},
			[]string{"pool_type"},
		),
		PoolQueueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pool_queue_length", Help: "Number of waiters queued for a worker"},
			[]string{"pool_type"},
		),
		PoolTemporaryActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pool_temporary_workers_active", Help: "Number of active overflow (temporary) workers"},
			[]string{"pool_type"},
		),
		AffinityHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "affinity_hits_total", Help: "Total number of affinity-matched acquisitions"},
		),
		AffinityMissTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "affinity_misses_total", Help: "Total number of acquisitions with no affinity match"},
		),
		CoalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "coalesced_total", Help: "Total number of submissions joined to an in-flight call"},
		),
		TurboChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "turbo_chunks_total", Help: "Total number of Turbo chunk dispatches"},
			[]string{"op"},
		),

		DBConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "db_connections_open", Help: "Number of open database connections"},
			[]string{"database"},
		),
		DBConnectionsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "db_connections_in_use", Help: "Number of database connections in use"},
			[]string{"database"},
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "db_query_duration_seconds", Help: "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1}},
			[]string{"operation"},
		),
		DBQueryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "db_query_errors_total", Help: "Total number of database query errors"},
			[]string{"operation", "error_type"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "cache_hits_total", Help: "Total number of cache hits"},
			[]string{"cache_name"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "cache_misses_total", Help: "Total number of cache misses"},
			[]string{"cache_name"},
		),

		KafkaMessagesProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "kafka_messages_produced_total", Help: "Total number of Kafka messages produced"},
			[]string{"topic"},
		),
	}

	m.Register()
	return m
}

// Register registers all metrics with the default Prometheus registry.
func (m *Metrics) Register() {
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.HTTPActiveRequests,
		m.TasksExecutedTotal,
		m.TasksFailedTotal,
		m.TaskRetriesTotal,
		m.TaskDuration,
		m.PoolSize,
		m.PoolBusyWorkers,
		m.PoolIdleWorkers,
		m.PoolQueueLength,
		m.PoolTemporaryActive,
		m.AffinityHitsTotal,
		m.AffinityMissTotal,
		m.CoalescedTotal,
		m.TurboChunksTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBQueryDuration,
		m.DBQueryErrors,
		m.CacheHits,
		m.CacheMisses,
		m.KafkaMessagesProduced,
	)
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMetricsMiddleware returns middleware that collects HTTP metrics.
func (m *Metrics) HTTPMetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPActiveRequests.WithLabelValues(r.Method).Inc()
			defer m.HTTPActiveRequests.WithLabelValues(r.Method).Dec()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			if r.ContentLength > 0 {
				m.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)

			if wrapped.size > 0 {
				m.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(wrapped.size))
			}
		})
	}
}

// ObservePoolStats records a point-in-time pool.Stats snapshot under the
// given pool type label, bridging the engine's internal metrics.Bag/Stats
// types to the Prometheus registry an ops server exposes.
func (m *Metrics) ObservePoolStats(poolType string, size, busy, idle, queueLength, temporaryActive int) {
	m.PoolSize.WithLabelValues(poolType).Set(float64(size))
	m.PoolBusyWorkers.WithLabelValues(poolType).Set(float64(busy))
	m.PoolIdleWorkers.WithLabelValues(poolType).Set(float64(idle))
	m.PoolQueueLength.WithLabelValues(poolType).Set(float64(queueLength))
	m.PoolTemporaryActive.WithLabelValues(poolType).Set(float64(temporaryActive))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	size, err := w.ResponseWriter.Write(b)
	w.size += size
	return size, err
}
