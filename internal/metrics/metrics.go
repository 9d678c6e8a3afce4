package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP requests
	RequestsTotal *prometheus.CounterVec

	// Batch outcomes
	BatchesTotal       *prometheus.CounterVec // by outcome: complete, nothing_succeeded, insufficient_credits, unrecognized, busy
	FormatsRequested   prometheus.Histogram
	FormatsSucceeded   prometheus.Histogram
	FormatResultsTotal *prometheus.CounterVec // by platform, result
	RecordSaveFailures prometheus.Counter
	CreditsConsumed    prometheus.Counter
	ActiveBatches      prometheus.Gauge
	OrchestratorState  *prometheus.GaugeVec // machines per state

	// Vendor gateway
	VendorRequestDuration *prometheus.HistogramVec // by platform, result

	// Promotion
	PromotedBytesHist    prometheus.Histogram
	ActivePromotions     prometheus.Gauge
	StorageWriteDuration *prometheus.HistogramVec // by storage_type, result

	// Retrieval
	RetrievalsTotal    *prometheus.CounterVec // by result: success, expired, integrity, network, failed
	RetrievedBytesHist prometheus.Histogram

	// Backend performance
	DatabaseQueryDuration *prometheus.HistogramVec // by db_type

	// Session
	SignatureFailuresTotal prometheus.Counter

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec // by backend: vendor, storage

	// Health checks
	HealthStatus       *prometheus.GaugeVec   // by component: database, storage (1=healthy, 0=unhealthy)
	HealthChecksFailed *prometheus.CounterVec // by component: database, storage

	// System metrics
	MemoryGauge     prometheus.Gauge
	GoroutinesGauge prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stokbro_requests_total",
				Help: "Total number of HTTP requests by status code",
			}, []string{"status"}),

			BatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stokbro_batches_total",
				Help: "Total number of orchestration runs by outcome",
			}, []string{"outcome"}),
			FormatsRequested: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "stokbro_formats_requested",
				Help:    "Number of formats requested per batch",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			}),
			FormatsSucceeded: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "stokbro_formats_succeeded",
				Help:    "Number of formats promoted per batch",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
			}),
			FormatResultsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stokbro_format_results_total",
				Help: "Per-format pipeline results by platform and result",
			}, []string{"platform", "result"}),
			RecordSaveFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "stokbro_record_save_failures_total",
				Help: "Download records that could not be persisted",
			}),
			CreditsConsumed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "stokbro_credits_consumed_total",
				Help: "Total credits charged across all users",
			}),
			ActiveBatches: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "stokbro_active_batches",
				Help: "Number of batches currently running",
			}),
			OrchestratorState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "stokbro_orchestrator_state",
				Help: "Number of per-user state machines in each state",
			}, []string{"state"}),

			VendorRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "stokbro_vendor_request_duration_seconds",
				Help:    "Vendor download-link request latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"platform", "result"}),

			PromotedBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "stokbro_promoted_bytes",
				Help:    "Size of assets republished to durable storage",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
			}),
			ActivePromotions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "stokbro_active_promotions",
				Help: "Number of promotions in flight",
			}),
			StorageWriteDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "stokbro_storage_write_duration_seconds",
				Help:    "Durable storage write latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"storage_type", "result"}),

			RetrievalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stokbro_retrievals_total",
				Help: "Streaming retrievals by result",
			}, []string{"result"}),
			RetrievedBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "stokbro_retrieved_bytes",
				Help:    "Bytes delivered per successful retrieval",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
			}),

			DatabaseQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "stokbro_database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			}, []string{"db_type"}),

			SignatureFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "stokbro_signature_failures_total",
				Help: "Total number of failed session signature verifications",
			}),

			CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "stokbro_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			}, []string{"backend"}),

			HealthStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "stokbro_health_status",
				Help: "Health status by component (1=healthy, 0=unhealthy)",
			}, []string{"component"}),
			HealthChecksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stokbro_health_checks_failed_total",
				Help: "Total number of failed health checks by component",
			}, []string{"component"}),

			MemoryGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "stokbro_memory_heap_alloc_bytes",
				Help: "Current heap allocation in bytes",
			}),
			GoroutinesGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "stokbro_goroutines",
				Help: "Number of goroutines",
			}),
		}
	})

	return defaultMetrics
}

// StartRuntimeMetricsCollector starts a goroutine that updates runtime metrics
func (m *Metrics) StartRuntimeMetricsCollector() {
	go func() {
		for {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			m.MemoryGauge.Set(float64(mem.HeapAlloc))
			m.GoroutinesGauge.Set(float64(runtime.NumGoroutine()))
			time.Sleep(10 * time.Second)
		}
	}()
}
