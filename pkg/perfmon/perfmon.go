// Package perfmon implements the Performance Monitor of spec §4.7:
// per-query-shape metrics, a bounded slow-query log, threshold evaluation,
// and periodic retention cleanup.
//
// Grounded on spec.md §4.7 directly; exposed additionally through
// Prometheus collectors scoped to one registry per Monitor instance (rather
// than cuemby-warren's package-level MustRegister globals, since this is an
// embeddable library and multiple engines may coexist in one process, e.g.
// under test).
package perfmon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueryMetrics aggregates executions of one query shape (spec §4.7).
type QueryMetrics struct {
	ExecutionCount  int64
	TotalTime       time.Duration
	AvgTime         time.Duration
	MinTime         time.Duration
	MaxTime         time.Duration
	SuccessCount    int64
	FailureCount    int64
	AvgRowsReturned float64
	LastExecution   time.Time
}

// SlowQuery is one entry in the bounded slow-query ring.
type SlowQuery struct {
	Hash      string
	SQL       string
	Duration  time.Duration
	Timestamp time.Time
	RowCount  *int
	Error     string
}

// Thresholds configures CheckThresholds (spec §4.7 "check_thresholds").
type Thresholds struct {
	CriticalAvgDuration time.Duration
	WarningAvgDuration  time.Duration
	CriticalErrorRate   float64
	WarningErrorRate    float64
	CriticalMemoryBytes uint64
	WarningMemoryBytes  uint64
	CriticalSlowRate    float64
	WarningSlowRate     float64
}

// ThresholdResult is the outcome of CheckThresholds.
type ThresholdResult struct {
	Alerts   []string
	Warnings []string
}

// Config controls retention and slow-query classification.
type Config struct {
	SlowQueryThreshold   time.Duration
	Retention            time.Duration
	MaxSlowQueriesStored int
	CleanupInterval       time.Duration
}

func (c *Config) setDefaults() {
	if c.SlowQueryThreshold < 0 {
		c.SlowQueryThreshold = 500 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.MaxSlowQueriesStored <= 0 {
		c.MaxSlowQueriesStored = 100
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = c.Retention
	}
}

type shapeMetrics struct {
	execCount    int64
	totalTime    time.Duration
	minTime      time.Duration
	maxTime      time.Duration
	successCount int64
	failureCount int64
	rowSum       int64
	rowSamples   int64
	lastExec     time.Time
	sql          string
}

// Report is the result of GetPerformanceReport.
type Report struct {
	TotalQueries   int64
	TotalFailures  int64
	TopSlowQueries []SlowQuery
	MemoryBytes    uint64
	ErrorStats     any
}

// Monitor is the Performance Monitor.
type Monitor struct {
	cfg Config

	mu     sync.Mutex
	shapes map[string]*shapeMetrics
	slow   []SlowQuery

	registry      *prometheus.Registry
	queryDuration prometheus.Histogram
	queryTotal    *prometheus.CounterVec
	acquireTime   prometheus.Histogram

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor constructs a Monitor and registers its collectors on a
// private registry (Registry()).
func NewMonitor(cfg Config) *Monitor {
	cfg.setDefaults()
	m := &Monitor{
		cfg:      cfg,
		shapes:   make(map[string]*shapeMetrics),
		registry: prometheus.NewRegistry(),
	}
	m.queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "codeindex_query_duration_seconds",
		Help: "Database query duration in seconds",
	})
	m.queryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codeindex_queries_total",
		Help: "Total queries by outcome",
	}, []string{"outcome"})
	m.acquireTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "codeindex_pool_acquire_seconds",
		Help: "Connection pool acquisition latency in seconds",
	})
	m.registry.MustRegister(m.queryDuration, m.queryTotal, m.acquireTime)
	return m
}

// Registry exposes the private Prometheus registry for hosts that want to
// expose it over /metrics.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

func hashSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:8])
}

// RecordQueryExecution records one query outcome (spec §4.7
// "record_query_execution").
func (m *Monitor) RecordQueryExecution(sql string, duration time.Duration, ok bool, rowCount *int, queryErr error) {
	hash := hashSQL(sql)
	now := time.Now()

	m.mu.Lock()
	sm, exists := m.shapes[hash]
	if !exists {
		sm = &shapeMetrics{sql: sql, minTime: duration, maxTime: duration}
		m.shapes[hash] = sm
	}
	sm.execCount++
	sm.totalTime += duration
	if duration < sm.minTime || sm.execCount == 1 {
		sm.minTime = duration
	}
	if duration > sm.maxTime {
		sm.maxTime = duration
	}
	sm.lastExec = now
	if ok {
		sm.successCount++
		if rowCount != nil {
			sm.rowSum += int64(*rowCount)
			sm.rowSamples++
		}
	} else {
		sm.failureCount++
	}

	if duration > m.cfg.SlowQueryThreshold {
		entry := SlowQuery{Hash: hash, SQL: sql, Duration: duration, Timestamp: now, RowCount: rowCount}
		if queryErr != nil {
			entry.Error = queryErr.Error()
		}
		m.slow = append(m.slow, entry)
		if len(m.slow) > m.cfg.MaxSlowQueriesStored {
			m.slow = m.slow[len(m.slow)-m.cfg.MaxSlowQueriesStored:]
		}
	}
	m.mu.Unlock()

	m.queryDuration.Observe(duration.Seconds())
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.queryTotal.WithLabelValues(outcome).Inc()
}

// RecordConnectionAcquisition records a pool acquisition latency sample
// (spec §4.7 "record_connection_acquisition").
func (m *Monitor) RecordConnectionAcquisition(duration time.Duration) {
	m.acquireTime.Observe(duration.Seconds())
}

// GetQueryMetrics returns the aggregated metrics for sql's shape.
func (m *Monitor) GetQueryMetrics(sql string) (QueryMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.shapes[hashSQL(sql)]
	if !ok {
		return QueryMetrics{}, false
	}
	return toQueryMetrics(sm), true
}

func toQueryMetrics(sm *shapeMetrics) QueryMetrics {
	avg := time.Duration(0)
	if sm.execCount > 0 {
		avg = sm.totalTime / time.Duration(sm.execCount)
	}
	avgRows := 0.0
	if sm.rowSamples > 0 {
		avgRows = float64(sm.rowSum) / float64(sm.rowSamples)
	}
	return QueryMetrics{
		ExecutionCount:  sm.execCount,
		TotalTime:       sm.totalTime,
		AvgTime:         avg,
		MinTime:         sm.minTime,
		MaxTime:         sm.maxTime,
		SuccessCount:    sm.successCount,
		FailureCount:    sm.failureCount,
		AvgRowsReturned: avgRows,
		LastExecution:   sm.lastExec,
	}
}

// GetSlowQueries returns a snapshot of the slow-query ring.
func (m *Monitor) GetSlowQueries() []SlowQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SlowQuery, len(m.slow))
	copy(out, m.slow)
	return out
}

// GetPerformanceReport aggregates totals, the top slow queries, and
// caller-supplied memory/error figures (spec §4.7
// "get_performance_report": error stats are "delegated" — callers pass their
// own snapshot in). The report carries no pool statistics.
func (m *Monitor) GetPerformanceReport(memoryBytes uint64, errorStats any) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total, failures int64
	for _, sm := range m.shapes {
		total += sm.execCount
		failures += sm.failureCount
	}

	top := make([]SlowQuery, len(m.slow))
	copy(top, m.slow)
	sortSlowByDurationDesc(top)
	if len(top) > 10 {
		top = top[:10]
	}

	return Report{
		TotalQueries:   total,
		TotalFailures:  failures,
		TopSlowQueries: top,
		MemoryBytes:    memoryBytes,
		ErrorStats:     errorStats,
	}
}

func sortSlowByDurationDesc(s []SlowQuery) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Duration > s[j-1].Duration; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// ClearOldMetrics drops per-shape and slow-query entries older than the
// configured retention window (spec §4.7 "clear_old_metrics").
func (m *Monitor) ClearOldMetrics() {
	cutoff := time.Now().Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, sm := range m.shapes {
		if sm.lastExec.Before(cutoff) {
			delete(m.shapes, hash)
		}
	}
	kept := m.slow[:0]
	for _, sq := range m.slow {
		if sq.Timestamp.After(cutoff) {
			kept = append(kept, sq)
		}
	}
	m.slow = kept
}

// ResetMetrics clears all accumulated state.
func (m *Monitor) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shapes = make(map[string]*shapeMetrics)
	m.slow = nil
}

// CheckThresholds compares current aggregates against t (spec §4.7
// "check_thresholds").
func (m *Monitor) CheckThresholds(t Thresholds, memoryBytes uint64) ThresholdResult {
	m.mu.Lock()
	var totalExec, totalFail int64
	var totalTime time.Duration
	for _, sm := range m.shapes {
		totalExec += sm.execCount
		totalFail += sm.failureCount
		totalTime += sm.totalTime
	}
	slowCount := int64(len(m.slow))
	m.mu.Unlock()

	var result ThresholdResult
	avgDuration := time.Duration(0)
	if totalExec > 0 {
		avgDuration = totalTime / time.Duration(totalExec)
	}
	errRate := 0.0
	slowRate := 0.0
	if totalExec > 0 {
		errRate = float64(totalFail) / float64(totalExec)
		slowRate = float64(slowCount) / float64(totalExec)
	}

	classify := func(value, warn, crit float64, label string) {
		switch {
		case crit > 0 && value >= crit:
			result.Alerts = append(result.Alerts, label)
		case warn > 0 && value >= warn:
			result.Warnings = append(result.Warnings, label)
		}
	}
	classify(float64(avgDuration), float64(t.WarningAvgDuration), float64(t.CriticalAvgDuration), "avg_duration")
	classify(errRate, t.WarningErrorRate, t.CriticalErrorRate, "error_rate")
	classify(float64(memoryBytes), float64(t.WarningMemoryBytes), float64(t.CriticalMemoryBytes), "memory_usage")
	classify(slowRate, t.WarningSlowRate, t.CriticalSlowRate, "slow_query_rate")
	return result
}

// UpdateConfig replaces the monitor's configuration.
func (m *Monitor) UpdateConfig(cfg Config) {
	cfg.setDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// StartCleanupLoop runs ClearOldMetrics every CleanupInterval until ctx is
// cancelled or Close is called.
func (m *Monitor) StartCleanupLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ClearOldMetrics()
			}
		}
	}()
}

// Close stops the cleanup loop, if running.
func (m *Monitor) Close() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}
