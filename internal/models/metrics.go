package models

import "time"

// SystemMetrics is a point-in-time summary of service counters.
type SystemMetrics struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	LedgerPostings           uint64    `json:"ledger_postings"`
	LedgerReversals          uint64    `json:"ledger_reversals"`
	AttendanceMarks          uint64    `json:"attendance_marks"`
	TxRetries                uint64    `json:"tx_retries"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
