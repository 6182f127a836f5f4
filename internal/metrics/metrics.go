// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal            *prometheus.CounterVec
	outcomesTotal         *prometheus.CounterVec
	sessionRotationsTotal prometheus.Counter
	activeScrapes         prometheus.Gauge
	bufferDepth           prometheus.Gauge
	flushesTotal          *prometheus.CounterVec
	flushBatchSize        prometheus.Histogram
	droppedOutcomesTotal  *prometheus.CounterVec
	rateLimitDelaySeconds prometheus.Histogram
	ingestEnqueuedTotal   *prometheus.CounterVec

	once sync.Once
)

func init() {
	Init()
}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Total number of scrape tasks handled, labeled by queue and result.",
			},
			[]string{"queue", "result"},
		)

		outcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_outcomes_total",
				Help: "Total number of outcomes produced, labeled by status.",
			},
			[]string{"status"},
		)

		sessionRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_session_rotations_total",
				Help: "Total number of session rotation advances.",
			},
		)

		activeScrapes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_scrapes",
				Help: "Number of scrape tasks currently in flight.",
			},
		)

		bufferDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_buffer_depth",
				Help: "Total buffered outcomes awaiting flush across destinations.",
			},
		)

		flushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_flushes_total",
				Help: "Total flush attempts against the sink, labeled by result.",
			},
			[]string{"result"},
		)

		flushBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_flush_batch_size",
				Help:    "Histogram of outcomes written per flush.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		)

		droppedOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_dropped_outcomes_total",
				Help: "Outcomes dropped after flush failure, labeled by reason.",
			},
			[]string{"reason"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Histogram of queue rate-ceiling wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		ingestEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_ingest_enqueued_total",
				Help: "Tasks enqueued by the ingest poll loop, labeled by destination.",
			},
			[]string{"destination"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the per-queue task counter.
func ObserveTask(queue, result string) {
	tasksTotal.WithLabelValues(queue, result).Inc()
}

// ObserveOutcome increments the outcome counter for the given status.
func ObserveOutcome(status string) {
	outcomesTotal.WithLabelValues(status).Inc()
}

// ObserveRotation increments the session rotation counter.
func ObserveRotation() {
	sessionRotationsTotal.Inc()
}

// IncActiveScrapes increments the in-flight scrape gauge.
func IncActiveScrapes() {
	activeScrapes.Inc()
}

// DecActiveScrapes decrements the in-flight scrape gauge.
func DecActiveScrapes() {
	activeScrapes.Dec()
}

// SetBufferDepth records the current buffered outcome count.
func SetBufferDepth(n int) {
	bufferDepth.Set(float64(n))
}

// ObserveFlush records one flush attempt and, on success, its batch size.
func ObserveFlush(result string, size int) {
	flushesTotal.WithLabelValues(result).Inc()
	if size > 0 {
		flushBatchSize.Observe(float64(size))
	}
}

// ObserveDropped counts outcomes lost to the bounded-loss policy.
func ObserveDropped(reason string, count int) {
	droppedOutcomesTotal.WithLabelValues(reason).Add(float64(count))
}

// ObserveRateLimitDelay records a queue rate-ceiling wait.
func ObserveRateLimitDelay(d time.Duration) {
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// ObserveIngest counts tasks enqueued by the poll loop.
func ObserveIngest(destination string, count int) {
	ingestEnqueuedTotal.WithLabelValues(destination).Add(float64(count))
}
