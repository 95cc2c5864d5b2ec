// Package erroragg implements the Error Aggregator of spec §4.8: per-kind
// aggregation, rate computation, pattern detection, and alert dispatch
// with cooldowns. It satisfies the Error-aggregator interface (spec §6)
// that pkg/searchrepo and pkg/degrade consume.
//
// Grounded on spec.md §4.8/§6 directly. Handler-failure containment (spec
// §4.8 "Failures in any handler must be caught and logged ... must not
// prevent recording") uses hashicorp/go-multierror to fold multiple failed
// sink calls into one logged aggregate, the same library pkg/errors uses
// for Aggregate.
package erroragg

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/alexcollie/codeindex/internal/logging"
	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
)

// Observation is one raw error/success record (spec §4.8).
type Observation struct {
	Service       string
	Operation     string
	Timestamp     time.Time
	ErrorCount    int
	TotalRequests int
}

// Aggregation is the rolled-up view of one distinct error kind/code pair.
type Aggregation struct {
	Kind         codeerrors.Kind
	Code         string
	Count        int
	FirstSeen    time.Time
	LastSeen     time.Time
	SampleErrors []string
	Services     map[string]bool
	Operations   map[string]bool
}

// Pattern is a detected cluster of related errors (spec §4.8).
type Pattern struct {
	Name        string
	Description string
	Count       int
}

// AlertKind is one of the three alert conditions spec §4.8 defines.
type AlertKind string

const (
	AlertErrorRate    AlertKind = "error_rate"
	AlertCriticalError AlertKind = "critical_error"
	AlertErrorSpike   AlertKind = "error_spike"
)

// Alert is a fired alert, handed to every configured sink.
type Alert struct {
	Kind      AlertKind
	Message   string
	Timestamp time.Time
	Context   map[string]any
}

// AlertSink receives fired alerts. Handler failures must not block
// recording (spec §4.8); Dispatch enforces this regardless of sink
// implementation.
type AlertSink interface {
	Notify(a Alert) error
}

// LogSink is the always-available sink that writes alerts through the
// injected logging.Sink.
type LogSink struct{ Logger logging.Sink }

// Notify logs the alert at Warn level.
func (s LogSink) Notify(a Alert) error {
	s.Logger.Warn(a.Message, nil, logging.Fields{"alert_kind": string(a.Kind), "context": a.Context})
	return nil
}

// CallbackSink adapts a plain function into an AlertSink.
type CallbackSink func(a Alert) error

// Notify invokes the wrapped function.
func (f CallbackSink) Notify(a Alert) error { return f(a) }

// Thresholds configures alert firing (spec §4.8 "Alerting").
type Thresholds struct {
	ErrorRatePerMinute float64
	CriticalErrorCount int
	Cooldown           time.Duration
}

// Config controls retention windows and alert thresholds.
type Config struct {
	RateWindow       time.Duration
	AggregationWindow time.Duration
	MinCountToKeep   int
	CleanupInterval  time.Duration
	Thresholds       Thresholds
}

func (c *Config) setDefaults() {
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.AggregationWindow <= 0 {
		c.AggregationWindow = 24 * time.Hour
	}
	if c.MinCountToKeep <= 0 {
		c.MinCountToKeep = 3
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = c.RateWindow
	}
	if c.Thresholds.Cooldown <= 0 {
		c.Thresholds.Cooldown = 5 * time.Minute
	}
}

type aggKey struct {
	kind codeerrors.Kind
	code string
}

// Aggregator is the Error Aggregator.
type Aggregator struct {
	cfg    Config
	logger logging.Sink
	sinks  []AlertSink

	mu            sync.Mutex
	observations  []Observation
	aggregations  map[aggKey]*Aggregation
	lastAlertAt   map[AlertKind]time.Time
}

// New constructs an Aggregator. LogSink is always included; extra sinks
// are appended (spec §4.8 "configurable sink set: log, callback, zero or
// more custom handlers").
func New(cfg Config, logger logging.Sink, extraSinks ...AlertSink) *Aggregator {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	a := &Aggregator{
		cfg:          cfg,
		logger:       logger,
		aggregations: make(map[aggKey]*Aggregation),
		lastAlertAt:  make(map[AlertKind]time.Time),
	}
	a.sinks = append([]AlertSink{LogSink{Logger: logger}}, extraSinks...)
	return a
}

// RecordError records one error observation, satisfying the injected
// Error-aggregator interface (spec §6 "record_error").
func (a *Aggregator) RecordError(err error, ctx map[string]any) {
	now := time.Now()
	kind, _ := codeerrors.KindOf(err)
	var code string
	if ce, ok := err.(*codeerrors.CodeError); ok {
		code = ce.Code
	}

	a.mu.Lock()
	a.observations = append(a.observations, Observation{Timestamp: now, ErrorCount: 1, TotalRequests: 1})

	key := aggKey{kind: kind, code: code}
	agg, exists := a.aggregations[key]
	if !exists {
		agg = &Aggregation{Kind: kind, Code: code, FirstSeen: now, Services: map[string]bool{}, Operations: map[string]bool{}}
		a.aggregations[key] = agg
	}
	agg.Count++
	agg.LastSeen = now
	if len(agg.SampleErrors) < 5 {
		agg.SampleErrors = append(agg.SampleErrors, err.Error())
	}
	if svc, ok := ctx["service"].(string); ok {
		agg.Services[svc] = true
	}
	if op, ok := ctx["operation"].(string); ok {
		agg.Operations[op] = true
	}
	a.mu.Unlock()

	a.evaluateAlerts(now)
}

// RecordSuccess records a successful operation for rate-denominator
// purposes (spec §6 "record_success").
func (a *Aggregator) RecordSuccess(service, operation string, meta map[string]any) {
	a.mu.Lock()
	a.observations = append(a.observations, Observation{Service: service, Operation: operation, Timestamp: time.Now(), TotalRequests: 1})
	a.mu.Unlock()
}

// GetErrorRate returns errors-per-minute over the configured rate window
// (spec §6 "get_error_rate").
func (a *Aggregator) GetErrorRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errorRateLocked(time.Now())
}

func (a *Aggregator) errorRateLocked(now time.Time) float64 {
	cutoff := now.Add(-a.cfg.RateWindow)
	var errs int
	for _, o := range a.observations {
		if o.Timestamp.After(cutoff) {
			errs += o.ErrorCount
		}
	}
	minutes := a.cfg.RateWindow.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(errs) / minutes
}

// GetErrorStatistics returns a plain-map snapshot suitable for the
// searchrepo.ErrorAggregator interface (spec §6 "get_error_statistics").
func (a *Aggregator) GetErrorStatistics() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := make(map[string]any, len(a.aggregations))
	for key, agg := range a.aggregations {
		stats[string(key.kind)+":"+key.code] = map[string]any{
			"count":      agg.Count,
			"first_seen": agg.FirstSeen,
			"last_seen":  agg.LastSeen,
			"samples":    agg.SampleErrors,
		}
	}
	return stats
}

// GetErrorPatterns detects clusters such as "timeout cluster" or
// "connection cluster" when >= 3 distinct aggregated error types (kind/code
// pairs) share a keyword (spec §4.8 "detects patterns").
func (a *Aggregator) GetErrorPatterns() []Pattern {
	a.mu.Lock()
	defer a.mu.Unlock()

	keywordHits := map[string]int{}
	for _, agg := range a.aggregations {
		matched := map[string]bool{}
		for _, sample := range agg.SampleErrors {
			lower := strings.ToLower(sample)
			for _, kw := range []string{"timeout", "connection", "network", "transient"} {
				if !matched[kw] && strings.Contains(lower, kw) {
					matched[kw] = true
					keywordHits[kw]++
				}
			}
		}
	}
	var patterns []Pattern
	for kw, count := range keywordHits {
		if count >= 3 {
			patterns = append(patterns, Pattern{Name: kw + "_cluster", Description: "multiple errors reference " + kw, Count: count})
		}
	}
	return patterns
}

// GetActiveAlerts returns alerts fired within the current cooldown window
// (spec §6 "get_active_alerts").
func (a *Aggregator) GetActiveAlerts() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	var out []map[string]any
	for kind, at := range a.lastAlertAt {
		if now.Sub(at) < a.cfg.Thresholds.Cooldown {
			out = append(out, map[string]any{"kind": string(kind), "fired_at": at})
		}
	}
	return out
}

// evaluateAlerts checks the three alert conditions and dispatches any that
// fire and are outside their cooldown (spec §4.8 "Alerting").
func (a *Aggregator) evaluateAlerts(now time.Time) {
	a.mu.Lock()
	rate := a.errorRateLocked(now)
	var criticalCount int
	for _, agg := range a.aggregations {
		if agg.Kind == codeerrors.KindConnectionFailed || agg.Kind == codeerrors.KindTransactionFailed {
			criticalCount += agg.Count
		}
	}
	lastMinuteCount := 0
	cutoff := now.Add(-time.Minute)
	for _, o := range a.observations {
		if o.Timestamp.After(cutoff) {
			lastMinuteCount += o.ErrorCount
		}
	}
	rollingAvg := rate
	thresholds := a.cfg.Thresholds
	a.mu.Unlock()

	if thresholds.ErrorRatePerMinute > 0 && rate > thresholds.ErrorRatePerMinute {
		a.fireAlert(AlertErrorRate, now, map[string]any{"rate_per_minute": rate})
	}
	if thresholds.CriticalErrorCount > 0 && criticalCount > thresholds.CriticalErrorCount {
		a.fireAlert(AlertCriticalError, now, map[string]any{"critical_count": criticalCount})
	}
	if lastMinuteCount > 5 && float64(lastMinuteCount) > 3*rollingAvg {
		a.fireAlert(AlertErrorSpike, now, map[string]any{"last_minute_count": lastMinuteCount, "rolling_avg": rollingAvg})
	}
}

func (a *Aggregator) fireAlert(kind AlertKind, now time.Time, context map[string]any) {
	a.mu.Lock()
	last, fired := a.lastAlertAt[kind]
	if fired && now.Sub(last) < a.cfg.Thresholds.Cooldown {
		a.mu.Unlock()
		return
	}
	a.lastAlertAt[kind] = now
	a.mu.Unlock()

	alert := Alert{Kind: kind, Message: "alert fired: " + string(kind), Timestamp: now, Context: context}
	var failures *multierror.Error
	for _, sink := range a.sinks {
		if err := sink.Notify(alert); err != nil {
			failures = multierror.Append(failures, err)
		}
	}
	if failures != nil {
		a.logger.Error("alert sink failures", failures, logging.Fields{"alert_kind": string(kind)})
	}
}

// Cleanup drops raw observations older than RateWindow and aggregations
// whose last_seen is stale and whose count is below MinCountToKeep (spec
// §4.8 "Cleanup runs at CLEANUP_INTERVAL").
func (a *Aggregator) Cleanup() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	rateCutoff := now.Add(-a.cfg.RateWindow)
	keptObs := a.observations[:0]
	for _, o := range a.observations {
		if o.Timestamp.After(rateCutoff) {
			keptObs = append(keptObs, o)
		}
	}
	a.observations = keptObs

	aggCutoff := now.Add(-a.cfg.AggregationWindow)
	for key, agg := range a.aggregations {
		if agg.LastSeen.Before(aggCutoff) && agg.Count < a.cfg.MinCountToKeep {
			delete(a.aggregations, key)
		}
	}
}
