package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNopSinkDiscardsEverything(t *testing.T) {
	sink := Nop()
	assert.NotPanics(t, func() {
		sink.Trace("trace", nil, nil)
		sink.Debug("debug", errors.New("x"), Fields{"a": 1})
		sink.Info("info", nil, nil)
		sink.Warn("warn", nil, nil)
		sink.Error("error", errors.New("x"), nil)
		sink.Fatal("fatal", nil, nil)
	})
}

func TestTestSinkRecordsByLevel(t *testing.T) {
	sink := NewTestSink()
	sink.Info("started", nil, Fields{"path": "/a.ts"})
	sink.Warn("slow query", nil, Fields{"elapsed_ms": 600})
	sink.Error("query failed", errors.New("boom"), nil)

	assert.Equal(t, 3, sink.Count(""))
	assert.Equal(t, 1, sink.Count("info"))
	assert.Equal(t, 1, sink.Count("warn"))
	assert.Equal(t, 1, sink.Count("error"))
	assert.Equal(t, 0, sink.Count("debug"))

	records := sink.Records()
	require := assert.New(t)
	require.Len(records, 3)
	require.Equal("started", records[0].Msg)
	require.Equal("/a.ts", records[0].Fields["path"])
	require.Error(records[2].Err)
}

func TestTestSinkRecordsSnapshotIsIndependent(t *testing.T) {
	sink := NewTestSink()
	sink.Info("one", nil, nil)
	first := sink.Records()
	sink.Info("two", nil, nil)
	second := sink.Records()

	assert.Len(t, first, 1)
	assert.Len(t, second, 2)
}
