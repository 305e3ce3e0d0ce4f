// Package metrics provides Prometheus metrics for the camwatch pipeline.
// All collectors live on a private registry so tests can create isolated
// instances; a process-wide default is used by the pipeline components.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "camwatch"

	subsystemScan        = "scan"
	subsystemPool        = "pool"
	subsystemGeolocation = "geolocation"
	subsystemBus         = "bus"
	subsystemMJPEG       = "mjpeg"
	subsystemHTTP        = "http"
	subsystemStore       = "store"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds all Prometheus collectors used by camwatch.
type Metrics struct {
	scansTotal      *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	camerasDetected prometheus.Counter

	poolRejected *prometheus.CounterVec
	poolQueued   prometheus.Gauge
	poolInFlight prometheus.Gauge
	poolPanics   prometheus.Counter

	geoLookups    *prometheus.CounterVec
	geoQueueDepth prometheus.Gauge
	geoDuration   prometheus.Histogram

	busPublished *prometheus.CounterVec
	busDropped   *prometheus.CounterVec

	mjpegBlocks *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	storeWrites *prometheus.CounterVec

	startTime time.Time
	registry  *prometheus.Registry
}

// New creates a Metrics instance with every collector registered.
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
	}

	m.scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemScan,
		Name: "total", Help: "Completed scans by status and error kind",
	}, []string{"status", "kind"})
	m.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystemScan,
		Name: "duration_seconds", Help: "Duration of scan jobs in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	})
	m.camerasDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemScan,
		Name: "cameras_detected_total", Help: "Scans whose title matched the detection rules",
	})

	m.poolRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemPool,
		Name: "rejected_total", Help: "Submissions rejected by the worker pool",
	}, []string{"reason"})
	m.poolQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystemPool,
		Name: "queued", Help: "Scan requests waiting in the pool queue",
	})
	m.poolInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystemPool,
		Name: "in_flight", Help: "Scan requests currently executing",
	})
	m.poolPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemPool,
		Name: "panics_total", Help: "Job handlers that panicked and were recovered",
	})

	m.geoLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemGeolocation,
		Name: "lookups_total", Help: "Geolocation lookups by status",
	}, []string{"status"})
	m.geoQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystemGeolocation,
		Name: "queue_depth", Help: "Addresses waiting for geolocation",
	})
	m.geoDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystemGeolocation,
		Name: "duration_seconds", Help: "Duration of geolocation lookups in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemBus,
		Name: "published_total", Help: "Messages published on the bus by type",
	}, []string{"type"})
	m.busDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemBus,
		Name: "dropped_total", Help: "Messages dropped from bounded subscriber mailboxes",
	}, []string{"type"})

	m.mjpegBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemMJPEG,
		Name: "blocks_total", Help: "Multipart blocks demuxed by validity",
	}, []string{"valid"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemHTTP,
		Name: "requests_total", Help: "API requests by method, route and status",
	}, []string{"method", "route", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystemHTTP,
		Name: "request_duration_seconds", Help: "API request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
	}, []string{"method", "route"})

	m.storeWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystemStore,
		Name: "writes_total", Help: "Result rows written by table and status",
	}, []string{"table", "status"})

	m.registry.MustRegister(
		m.scansTotal, m.scanDuration, m.camerasDetected,
		m.poolRejected, m.poolQueued, m.poolInFlight, m.poolPanics,
		m.geoLookups, m.geoQueueDepth, m.geoDuration,
		m.busPublished, m.busDropped,
		m.mjpegBlocks,
		m.httpRequests, m.httpDuration,
		m.storeWrites,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Uptime returns the time since the metrics were created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// RecordScan records a finished scan. kind is empty for successful scans.
func (m *Metrics) RecordScan(kind string, isCamera bool, d time.Duration) {
	status := StatusSuccess
	if kind != "" {
		status = StatusError
	}
	m.scansTotal.WithLabelValues(status, kind).Inc()
	m.scanDuration.Observe(d.Seconds())
	if isCamera {
		m.camerasDetected.Inc()
	}
}

// PoolRejected counts a rejected submission.
func (m *Metrics) PoolRejected(reason string) {
	m.poolRejected.WithLabelValues(reason).Inc()
}

// SetPoolQueued sets the pool queue depth.
func (m *Metrics) SetPoolQueued(n int) {
	m.poolQueued.Set(float64(n))
}

// PoolJobStarted marks a job as in flight.
func (m *Metrics) PoolJobStarted() {
	m.poolInFlight.Inc()
}

// PoolJobFinished marks a job as no longer in flight.
func (m *Metrics) PoolJobFinished() {
	m.poolInFlight.Dec()
}

// PoolPanic counts a recovered handler panic.
func (m *Metrics) PoolPanic() {
	m.poolPanics.Inc()
}

// RecordGeolocation records a geolocation lookup outcome.
func (m *Metrics) RecordGeolocation(success bool, d time.Duration) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.geoLookups.WithLabelValues(status).Inc()
	m.geoDuration.Observe(d.Seconds())
}

// SetGeolocationQueue sets the geolocation queue depth.
func (m *Metrics) SetGeolocationQueue(n int) {
	m.geoQueueDepth.Set(float64(n))
}

// BusPublished counts a published message.
func (m *Metrics) BusPublished(msgType string) {
	m.busPublished.WithLabelValues(msgType).Inc()
}

// BusDropped counts a message dropped from a bounded mailbox.
func (m *Metrics) BusDropped(msgType string) {
	m.busDropped.WithLabelValues(msgType).Inc()
}

// MJPEGBlock counts a demuxed multipart block.
func (m *Metrics) MJPEGBlock(valid bool) {
	label := "false"
	if valid {
		label = "true"
	}
	m.mjpegBlocks.WithLabelValues(label).Inc()
}

// RecordHTTP records an API request.
func (m *Metrics) RecordHTTP(method, route, status string, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// StoreWrite counts a persisted row.
func (m *Metrics) StoreWrite(table string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.storeWrites.WithLabelValues(table, status).Inc()
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}
