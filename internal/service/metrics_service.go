package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	ledgerPostings  *prometheus.CounterVec
	attendanceMarks *prometheus.CounterVec
	txRetries       prometheus.Counter

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	ledgerPostCount      uint64
	ledgerReversalCount  uint64
	attendanceCount      uint64
	txRetryCount         uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for read-model lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total read-model hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total read-model misses",
	})

	ledgerPostings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_entries_posted_total",
		Help: "Ledger entries committed, by entry type and whether they reverse an earlier entry",
	}, []string{"type", "reversal"})

	attendanceMarks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_mark_requests_total",
		Help: "Attendance marking attempts by cohort kind and outcome",
	}, []string{"cohort", "outcome"})

	txRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "db_transaction_retries_total",
		Help: "Transactions re-run after a serialization failure or deadlock",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHits, cacheMisses, ledgerPostings, attendanceMarks, txRetries, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		ledgerPostings:  ledgerPostings,
		attendanceMarks: attendanceMarks,
		txRetries:       txRetries,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records read-model hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
		return
	}
	m.cacheMisses.Inc()
	atomic.AddUint64(&m.cacheMissCount, 1)
}

// RecordLedgerEntry counts a committed ledger entry.
func (m *MetricsService) RecordLedgerEntry(entryType models.EntryType, reversal bool) {
	if m == nil {
		return
	}
	m.ledgerPostings.WithLabelValues(string(entryType), fmt.Sprintf("%t", reversal)).Inc()
	if reversal {
		atomic.AddUint64(&m.ledgerReversalCount, 1)
		return
	}
	atomic.AddUint64(&m.ledgerPostCount, 1)
}

// RecordAttendanceMark counts an attendance marking attempt. outcome is "recorded" or an error code.
func (m *MetricsService) RecordAttendanceMark(cohort models.CohortKind, outcome string) {
	if m == nil {
		return
	}
	m.attendanceMarks.WithLabelValues(string(cohort), outcome).Inc()
	atomic.AddUint64(&m.attendanceCount, 1)
}

// RecordTxRetry counts a re-run transaction. Its signature matches database.TxRunner's retry hook.
func (m *MetricsService) RecordTxRetry(attempt int, err error) {
	if m == nil {
		return
	}
	m.txRetries.Inc()
	atomic.AddUint64(&m.txRetryCount, 1)
}

// Snapshot returns aggregated metrics.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		CacheHits:                hits,
		CacheMisses:              misses,
		CacheHitRatio:            cacheRatio,
		LedgerPostings:           atomic.LoadUint64(&m.ledgerPostCount),
		LedgerReversals:          atomic.LoadUint64(&m.ledgerReversalCount),
		AttendanceMarks:          atomic.LoadUint64(&m.attendanceCount),
		TxRetries:                atomic.LoadUint64(&m.txRetryCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
