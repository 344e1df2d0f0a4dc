// Package metrics provides Prometheus metrics for the trackgate gateway and ingest service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the trackgate process.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Gateway - device sessions and the AVL stream
	gatewayActiveSessions prometheus.Gauge
	gatewaySessions       *prometheus.CounterVec
	gatewayBytes          prometheus.Counter
	gatewayFrames         prometheus.Counter
	gatewayRecords        prometheus.Counter
	gatewayDecodeErrors   *prometheus.CounterVec
	gatewayCodecFallbacks prometheus.Counter
	gatewayAcks           prometheus.Counter
	gatewayReplaySkipped  prometheus.Counter
	forwardLatency        prometheus.Histogram
	forwardErrors         *prometheus.CounterVec

	// Ingest - HTTP ingestion outcomes and persistence
	ingestRequests *prometheus.CounterVec
	storeRetries   *prometheus.CounterVec
	historyPruned  prometheus.Counter
	pruneErrors    prometheus.Counter
	storeLatency   *prometheus.HistogramVec
	storeKeys      *prometheus.GaugeVec

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorRateByComponent *prometheus.CounterVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "trackgate",
		histogramBuckets: prometheus.DefBuckets,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels, Buckets: m.histogramBuckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() {
	m.gatewayActiveSessions = m.gauge("gateway_active_sessions", "Device connections currently open")
	m.gatewaySessions = m.counterVec("gateway_sessions_total", "Device sessions by handshake outcome", "outcome")
	m.gatewayBytes = m.counter("gateway_bytes_received_total", "Bytes read from device connections")
	m.gatewayFrames = m.counter("gateway_frames_decoded_total", "AVL frames decoded")
	m.gatewayRecords = m.counter("gateway_records_decoded_total", "AVL records decoded")
	m.gatewayDecodeErrors = m.counterVec("gateway_decode_errors_total", "Stream decode failures by kind", "kind")
	m.gatewayCodecFallbacks = m.counter("gateway_codec_fallbacks_total", "Extended payloads that only decoded as standard width")
	m.gatewayAcks = m.counter("gateway_acks_sent_total", "Frame acknowledgements written")
	m.gatewayReplaySkipped = m.counter("gateway_replay_skipped_total", "Retransmitted records acknowledged without forwarding")
	m.forwardLatency = m.histogram("gateway_forward_latency_milliseconds", "Uplink forward latency in milliseconds",
		[]float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000})
	m.forwardErrors = m.counterVec("gateway_forward_errors_total", "Uplink forward failures by kind", "kind")

	m.ingestRequests = m.counterVec("ingest_requests_total", "Ingest requests by outcome", "outcome")
	m.storeRetries = m.counterVec("ingest_store_retries_total", "Store operations retried", "op")
	m.historyPruned = m.counter("ingest_history_pruned_total", "History points removed by retention")
	m.pruneErrors = m.counter("ingest_prune_errors_total", "Retention prunes that failed")
	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Store call latency in milliseconds", "op")
	m.storeKeys = m.gaugeVec("store_keys", "Keys held by the in-memory store by structure", "kind")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method",
		"endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds",
		"endpoint", "method", "status_code")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Errors by component and type",
		"component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels,
	}, labels)
}

// Gateway Metrics Functions.

// IncGatewayActiveSessions marks a session as opened.
func IncGatewayActiveSessions() { globalManager.gatewayActiveSessions.Inc() }

// DecGatewayActiveSessions marks a session as closed.
func DecGatewayActiveSessions() { globalManager.gatewayActiveSessions.Dec() }

// RecordGatewaySession counts a handshake outcome ("accepted", "rejected").
func RecordGatewaySession(outcome string) {
	globalManager.gatewaySessions.WithLabelValues(outcome).Inc()
}

// RecordGatewayBytes adds n received bytes.
func RecordGatewayBytes(n int) { globalManager.gatewayBytes.Add(float64(n)) }

// RecordGatewayFrame counts one decoded frame with its record count.
func RecordGatewayFrame(records int) {
	globalManager.gatewayFrames.Inc()
	globalManager.gatewayRecords.Add(float64(records))
}

// RecordGatewayDecodeError counts a decode failure.
func RecordGatewayDecodeError(kind string) {
	globalManager.gatewayDecodeErrors.WithLabelValues(kind).Inc()
}

// RecordGatewayCodecFallback counts an extended-to-standard retry that succeeded.
func RecordGatewayCodecFallback() { globalManager.gatewayCodecFallbacks.Inc() }

// RecordGatewayAck counts an acknowledgement.
func RecordGatewayAck() { globalManager.gatewayAcks.Inc() }

// RecordGatewayReplaySkipped counts retransmitted records that were not forwarded again.
func RecordGatewayReplaySkipped(n int) { globalManager.gatewayReplaySkipped.Add(float64(n)) }

// RecordForwardLatency records uplink latency in milliseconds.
func RecordForwardLatency(latencyMs float64) { globalManager.forwardLatency.Observe(latencyMs) }

// RecordForwardError counts an uplink failure.
func RecordForwardError(kind string) { globalManager.forwardErrors.WithLabelValues(kind).Inc() }

// Ingest Metrics Functions.

// RecordIngestRequest counts an ingest outcome ("accepted", "unauthorized", ...).
func RecordIngestRequest(outcome string) {
	globalManager.ingestRequests.WithLabelValues(outcome).Inc()
}

// RecordStoreRetry counts a retried store operation.
func RecordStoreRetry(op string) { globalManager.storeRetries.WithLabelValues(op).Inc() }

// RecordHistoryPruned adds n pruned history points.
func RecordHistoryPruned(n int) { globalManager.historyPruned.Add(float64(n)) }

// RecordPruneError counts a failed prune.
func RecordPruneError() { globalManager.pruneErrors.Inc() }

// RecordStoreLatency records a store call latency in milliseconds.
func RecordStoreLatency(op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
}

// UpdateStoreKeys sets the number of keys of one structure kind.
func UpdateStoreKeys(kind string, n int) {
	globalManager.storeKeys.WithLabelValues(kind).Set(float64(n))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// System Performance Metrics Functions.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
