package logging

import "sync"

// Record is one captured log call, for test assertions.
type Record struct {
	Level  string
	Msg    string
	Err    error
	Fields Fields
}

// TestSink collects records in memory so tests can assert on what was
// logged without wiring a real backend.
type TestSink struct {
	mu      sync.Mutex
	records []Record
}

// NewTestSink returns an empty TestSink.
func NewTestSink() *TestSink { return &TestSink{} }

func (s *TestSink) record(level, msg string, err error, fields Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{Level: level, Msg: msg, Err: err, Fields: fields})
}

func (s *TestSink) Trace(msg string, err error, fields Fields) { s.record("trace", msg, err, fields) }
func (s *TestSink) Debug(msg string, err error, fields Fields) { s.record("debug", msg, err, fields) }
func (s *TestSink) Info(msg string, err error, fields Fields)  { s.record("info", msg, err, fields) }
func (s *TestSink) Warn(msg string, err error, fields Fields)  { s.record("warn", msg, err, fields) }
func (s *TestSink) Error(msg string, err error, fields Fields) { s.record("error", msg, err, fields) }
func (s *TestSink) Fatal(msg string, err error, fields Fields) { s.record("fatal", msg, err, fields) }

// Records returns a snapshot of everything captured so far.
func (s *TestSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Count returns how many records were captured at the given level ("" for
// all levels).
func (s *TestSink) Count(level string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level == "" {
		return len(s.records)
	}
	n := 0
	for _, r := range s.records {
		if r.Level == level {
			n++
		}
	}
	return n
}
