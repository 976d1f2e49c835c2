package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/wtp/pkg/core/concurrency"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "wtp"}, DefaultRegistry)

	// Metrics collection
	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds the worker pool metrics. It implements concurrency.Observer.
type Metrics struct {
	// Worker lifecycle
	WorkersRunning *prometheus.GaugeVec
	WorkerStarts   *prometheus.CounterVec
	WorkerExits    *prometheus.CounterVec

	// Shutdown and cancellation
	Shutdowns        *prometheus.CounterVec
	ShutdownDuration *prometheus.HistogramVec
	Cancellations    *prometheus.CounterVec

	// Work
	ItemsProcessedTotal *prometheus.CounterVec
	QueueDepthGauge     *prometheus.GaugeVec

	registerer prometheus.Registerer

	// Custom metrics registry
	CustomCounters   map[string]*prometheus.CounterVec
	CustomGauges     map[string]*prometheus.GaugeVec
	CustomHistograms map[string]*prometheus.HistogramVec
	customMu         sync.RWMutex
}

var _ concurrency.Observer = (*Metrics)(nil)

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		WorkersRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wtp_workers_running",
				Help: "Number of running worker threads",
			},
			[]string{"pool"},
		),
		WorkerStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wtp_worker_starts_total",
				Help: "Total number of worker thread starts",
			},
			[]string{"pool"},
		),
		WorkerExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wtp_worker_exits_total",
				Help: "Total number of worker thread exits",
			},
			[]string{"pool"},
		),
		Shutdowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wtp_shutdowns_total",
				Help: "Total number of pool shutdown waits by mode and result",
			},
			[]string{"pool", "mode", "result"}, // result: ok, timeout
		),
		ShutdownDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wtp_shutdown_duration_seconds",
				Help:    "Time spent waiting for workers to terminate",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
			},
			[]string{"pool", "mode"},
		),
		Cancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wtp_cancellations_total",
				Help: "Total number of cancel-all requests",
			},
			[]string{"pool"},
		),
		ItemsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wtp_items_processed_total",
				Help: "Total number of work items processed",
			},
			[]string{"pool"},
		),
		QueueDepthGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wtp_queue_depth",
				Help: "Number of queued work items",
			},
			[]string{"pool"},
		),

		registerer: registerer,

		// Custom metrics
		CustomCounters:   make(map[string]*prometheus.CounterVec),
		CustomGauges:     make(map[string]*prometheus.GaugeVec),
		CustomHistograms: make(map[string]*prometheus.HistogramVec),
	}
}

// WorkerStarted implements concurrency.Observer
func (m *Metrics) WorkerStarted(pool string, running int) {
	m.WorkerStarts.WithLabelValues(pool).Inc()
	m.WorkersRunning.WithLabelValues(pool).Set(float64(running))
}

// WorkerStopped implements concurrency.Observer
func (m *Metrics) WorkerStopped(pool string, running int) {
	m.WorkerExits.WithLabelValues(pool).Inc()
	m.WorkersRunning.WithLabelValues(pool).Set(float64(running))
}

// ShutdownFinished implements concurrency.Observer
func (m *Metrics) ShutdownFinished(pool string, mode concurrency.PoolState, timedOut bool, took time.Duration) {
	result := "ok"
	if timedOut {
		result = "timeout"
	}
	m.Shutdowns.WithLabelValues(pool, mode.String(), result).Inc()
	m.ShutdownDuration.WithLabelValues(pool, mode.String()).Observe(took.Seconds())
}

// WorkersCancelled implements concurrency.Observer
func (m *Metrics) WorkersCancelled(pool string) {
	m.Cancellations.WithLabelValues(pool).Inc()
}

// ItemsProcessed implements concurrency.Observer
func (m *Metrics) ItemsProcessed(pool string, n int) {
	m.ItemsProcessedTotal.WithLabelValues(pool).Add(float64(n))
}

// QueueDepth implements concurrency.Observer
func (m *Metrics) QueueDepth(pool string, depth int) {
	m.QueueDepthGauge.WithLabelValues(pool).Set(float64(depth))
}

// Counter creates or returns a custom counter metric
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if counter, exists := m.CustomCounters[name]; exists {
		m.customMu.RUnlock()
		return counter
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := m.CustomCounters[name]; exists {
		return counter
	}

	counter := promauto.With(m.registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomCounters[name] = counter
	return counter
}

// Gauge creates or returns a custom gauge metric
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if gauge, exists := m.CustomGauges[name]; exists {
		m.customMu.RUnlock()
		return gauge
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if gauge, exists := m.CustomGauges[name]; exists {
		return gauge
	}

	gauge := promauto.With(m.registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomGauges[name] = gauge
	return gauge
}

// Histogram creates or returns a custom histogram metric
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	m.customMu.RLock()
	if histogram, exists := m.CustomHistograms[name]; exists {
		m.customMu.RUnlock()
		return histogram
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if histogram, exists := m.CustomHistograms[name]; exists {
		return histogram
	}

	opts := prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}
	if buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}

	histogram := promauto.With(m.registerer).NewHistogramVec(opts, labels)
	m.CustomHistograms[name] = histogram
	return histogram
}

// Convenience functions for global metrics

// Counter returns a custom counter metric (creates if doesn't exist)
func Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return GetMetrics().Counter(name, help, labels...)
}

// Gauge returns a custom gauge metric (creates if doesn't exist)
func Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return GetMetrics().Gauge(name, help, labels...)
}

// Histogram returns a custom histogram metric (creates if doesn't exist)
func Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return GetMetrics().Histogram(name, help, buckets, labels...)
}
