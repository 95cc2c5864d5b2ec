package perfmon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordQueryExecutionAggregatesByShape(t *testing.T) {
	m := NewMonitor(Config{})
	rows := 3
	m.RecordQueryExecution("SELECT * FROM files WHERE id = ?", 10*time.Millisecond, true, &rows, nil)
	m.RecordQueryExecution("SELECT * FROM files WHERE id = ?", 30*time.Millisecond, true, &rows, nil)

	metrics, ok := m.GetQueryMetrics("SELECT * FROM files WHERE id = ?")
	require.True(t, ok)
	assert.Equal(t, int64(2), metrics.ExecutionCount)
	assert.Equal(t, int64(2), metrics.SuccessCount)
	assert.Equal(t, int64(0), metrics.FailureCount)
	assert.Equal(t, 20*time.Millisecond, metrics.AvgTime)
	assert.Equal(t, 10*time.Millisecond, metrics.MinTime)
	assert.Equal(t, 30*time.Millisecond, metrics.MaxTime)
	assert.Equal(t, 3.0, metrics.AvgRowsReturned)
}

func TestRecordQueryExecutionTracksFailures(t *testing.T) {
	m := NewMonitor(Config{})
	m.RecordQueryExecution("SELECT 1", time.Millisecond, false, nil, assert.AnError)

	metrics, ok := m.GetQueryMetrics("SELECT 1")
	require.True(t, ok)
	assert.Equal(t, int64(1), metrics.FailureCount)
	assert.Equal(t, int64(0), metrics.SuccessCount)
}

func TestGetQueryMetricsUnknownShapeReturnsFalse(t *testing.T) {
	m := NewMonitor(Config{})
	_, ok := m.GetQueryMetrics("SELECT 1")
	assert.False(t, ok)
}

func TestRecordQueryExecutionLogsSlowQueryAboveThreshold(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 5 * time.Millisecond})
	m.RecordQueryExecution("SELECT * FROM files", 50*time.Millisecond, true, nil, nil)
	m.RecordQueryExecution("SELECT 1", time.Millisecond, true, nil, nil)

	slow := m.GetSlowQueries()
	require.Len(t, slow, 1)
	assert.Equal(t, "SELECT * FROM files", slow[0].SQL)
}

func TestRecordQueryExecutionSlowQueryRecordsErrorText(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: time.Millisecond})
	m.RecordQueryExecution("SELECT * FROM files", 10*time.Millisecond, false, nil, assert.AnError)

	slow := m.GetSlowQueries()
	require.Len(t, slow, 1)
	assert.Equal(t, assert.AnError.Error(), slow[0].Error)
}

func TestRecordQueryExecutionSlowQueryRingBoundedByMaxStored(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0, MaxSlowQueriesStored: 2})
	m.RecordQueryExecution("q1", time.Millisecond, true, nil, nil)
	m.RecordQueryExecution("q2", time.Millisecond, true, nil, nil)
	m.RecordQueryExecution("q3", time.Millisecond, true, nil, nil)

	slow := m.GetSlowQueries()
	require.Len(t, slow, 2)
	assert.Equal(t, "q2", slow[0].SQL)
	assert.Equal(t, "q3", slow[1].SQL)
}

func TestGetPerformanceReportTotalsAndTopSlowQueriesSortedDesc(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0})
	m.RecordQueryExecution("fast", 2*time.Millisecond, true, nil, nil)
	m.RecordQueryExecution("slow", 20*time.Millisecond, true, nil, nil)
	m.RecordQueryExecution("failing", time.Millisecond, false, nil, assert.AnError)

	report := m.GetPerformanceReport(1024, "error-stats")
	assert.Equal(t, int64(3), report.TotalQueries)
	assert.Equal(t, int64(1), report.TotalFailures)
	assert.Equal(t, uint64(1024), report.MemoryBytes)
	assert.Equal(t, "error-stats", report.ErrorStats)
	require.Len(t, report.TopSlowQueries, 3)
	assert.Equal(t, "slow", report.TopSlowQueries[0].SQL)
}

func TestGetPerformanceReportCapsTopSlowQueriesAtTen(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0, MaxSlowQueriesStored: 20})
	for i := 0; i < 15; i++ {
		m.RecordQueryExecution("q", time.Duration(i+1)*time.Millisecond, true, nil, nil)
	}

	report := m.GetPerformanceReport(0, nil)
	assert.Len(t, report.TopSlowQueries, 10)
	assert.Equal(t, 15*time.Millisecond, report.TopSlowQueries[0].Duration)
}

func TestClearOldMetricsDropsExpiredShapesAndSlowQueries(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0, Retention: time.Hour})
	m.RecordQueryExecution("old", time.Millisecond, true, nil, nil)

	m.mu.Lock()
	for _, sm := range m.shapes {
		sm.lastExec = time.Now().Add(-2 * time.Hour)
	}
	for i := range m.slow {
		m.slow[i].Timestamp = time.Now().Add(-2 * time.Hour)
	}
	m.mu.Unlock()

	m.RecordQueryExecution("fresh", time.Millisecond, true, nil, nil)
	m.ClearOldMetrics()

	_, ok := m.GetQueryMetrics("old")
	assert.False(t, ok)
	_, ok = m.GetQueryMetrics("fresh")
	assert.True(t, ok)

	slow := m.GetSlowQueries()
	for _, sq := range slow {
		assert.Equal(t, "fresh", sq.SQL)
	}
}

func TestResetMetricsClearsShapesAndSlowQueries(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0})
	m.RecordQueryExecution("q", time.Millisecond, true, nil, nil)
	m.ResetMetrics()

	_, ok := m.GetQueryMetrics("q")
	assert.False(t, ok)
	assert.Empty(t, m.GetSlowQueries())
}

func TestCheckThresholdsClassifiesCriticalOverWarning(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0})
	m.RecordQueryExecution("q", 100*time.Millisecond, true, nil, nil)

	result := m.CheckThresholds(Thresholds{
		WarningAvgDuration:  10 * time.Millisecond,
		CriticalAvgDuration: 50 * time.Millisecond,
	}, 0)
	assert.Contains(t, result.Alerts, "avg_duration")
	assert.NotContains(t, result.Warnings, "avg_duration")
}

func TestCheckThresholdsClassifiesWarningWhenBelowCritical(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0})
	m.RecordQueryExecution("q", 20*time.Millisecond, true, nil, nil)

	result := m.CheckThresholds(Thresholds{
		WarningAvgDuration:  10 * time.Millisecond,
		CriticalAvgDuration: 50 * time.Millisecond,
	}, 0)
	assert.Contains(t, result.Warnings, "avg_duration")
	assert.NotContains(t, result.Alerts, "avg_duration")
}

func TestCheckThresholdsEvaluatesErrorRateMemoryAndSlowRate(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0})
	m.RecordQueryExecution("ok", time.Millisecond, true, nil, nil)
	m.RecordQueryExecution("fail", time.Millisecond, false, nil, assert.AnError)

	result := m.CheckThresholds(Thresholds{
		CriticalErrorRate:   0.4,
		CriticalMemoryBytes: 100,
		CriticalSlowRate:    0.4,
	}, 200)
	assert.Contains(t, result.Alerts, "error_rate")
	assert.Contains(t, result.Alerts, "memory_usage")
	assert.Contains(t, result.Alerts, "slow_query_rate")
}

func TestCheckThresholdsNoExecutionsProducesNoAlerts(t *testing.T) {
	m := NewMonitor(Config{})
	result := m.CheckThresholds(Thresholds{CriticalErrorRate: 0.1}, 0)
	assert.Empty(t, result.Alerts)
	assert.Empty(t, result.Warnings)
}

func TestUpdateConfigAppliesDefaultsAndAffectsFutureClassification(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: time.Hour})
	m.RecordQueryExecution("q", 10*time.Millisecond, true, nil, nil)
	assert.Empty(t, m.GetSlowQueries())

	m.UpdateConfig(Config{SlowQueryThreshold: time.Millisecond})
	m.RecordQueryExecution("q2", 10*time.Millisecond, true, nil, nil)
	assert.NotEmpty(t, m.GetSlowQueries())
}

func TestRecordConnectionAcquisitionDoesNotPanic(t *testing.T) {
	m := NewMonitor(Config{})
	assert.NotPanics(t, func() { m.RecordConnectionAcquisition(5 * time.Millisecond) })
}

func TestRegistryExposesRegisteredCollectors(t *testing.T) {
	m := NewMonitor(Config{})
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStartCleanupLoopRunsUntilClose(t *testing.T) {
	m := NewMonitor(Config{SlowQueryThreshold: 0, Retention: time.Millisecond, CleanupInterval: 5 * time.Millisecond})
	m.RecordQueryExecution("q", time.Millisecond, true, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartCleanupLoop(ctx)

	assert.Eventually(t, func() bool {
		_, ok := m.GetQueryMetrics("q")
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
}

func TestCloseWithoutStartIsNoop(t *testing.T) {
	m := NewMonitor(Config{})
	assert.NoError(t, m.Close())
}
