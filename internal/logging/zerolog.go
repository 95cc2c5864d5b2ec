package logging

import "github.com/rs/zerolog"

// zerologSink adapts a zerolog.Logger to the Sink interface.
type zerologSink struct {
	logger zerolog.Logger
}

// NewZerolog wraps an existing zerolog.Logger as a Sink. Callers own the
// logger's output/level configuration; this adapter only shapes records.
func NewZerolog(logger zerolog.Logger) Sink {
	return &zerologSink{logger: logger}
}

func (s *zerologSink) emit(ev *zerolog.Event, msg string, err error, fields Fields) {
	if err != nil {
		ev = ev.Err(err)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (s *zerologSink) Trace(msg string, err error, fields Fields) {
	s.emit(s.logger.Trace(), msg, err, fields)
}

func (s *zerologSink) Debug(msg string, err error, fields Fields) {
	s.emit(s.logger.Debug(), msg, err, fields)
}

func (s *zerologSink) Info(msg string, err error, fields Fields) {
	s.emit(s.logger.Info(), msg, err, fields)
}

func (s *zerologSink) Warn(msg string, err error, fields Fields) {
	s.emit(s.logger.Warn(), msg, err, fields)
}

func (s *zerologSink) Error(msg string, err error, fields Fields) {
	s.emit(s.logger.Error(), msg, err, fields)
}

// Fatal logs at zerolog's fatal level without exiting the process: a
// library must never call os.Exit out from under its host.
func (s *zerologSink) Fatal(msg string, err error, fields Fields) {
	s.emit(s.logger.WithLevel(zerolog.FatalLevel), msg, err, fields)
}
