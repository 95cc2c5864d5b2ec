// Package degrade implements the Degradation Manager of spec §4.9: four
// capability tiers, trigger evaluation on a periodic tick, and a bounded
// transition history.
//
// Grounded on spec.md §4.9 directly. Manager takes no monitor or aggregator
// at construction: each input reaches it only through a Trigger's Observe
// function registered with AddTrigger. The example host in cmd/codeindex
// registers one trigger over the error aggregator's error rate; nothing
// feeds pkg/perfmon.Monitor.CheckThresholds into a Manager. The periodic
// evaluation tick uses golang.org/x/sync/errgroup the same way pkg/pool
// supervises its reaper.
package degrade

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexcollie/codeindex/internal/logging"
)

// Level is one of the four capability tiers, ordered from most to least
// capable.
type Level int

const (
	LevelFull Level = iota
	LevelLimited
	LevelBasic
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelLimited:
		return "LIMITED"
	case LevelBasic:
		return "BASIC"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Capability is a named privilege gated by the current Level.
type Capability string

const (
	CapSearch    Capability = "search"
	CapIndexing  Capability = "indexing"
	CapParsing   Capability = "parsing"
	CapFileOps   Capability = "file_ops"
	CapDBOps     Capability = "db_ops"
	CapNetwork   Capability = "network_ops"
	CapCaching   Capability = "caching"
)

// levelCapabilities is the fixed capability map of spec §4.9.
var levelCapabilities = map[Level]map[Capability]bool{
	LevelFull:      set(CapSearch, CapIndexing, CapParsing, CapFileOps, CapDBOps, CapNetwork, CapCaching),
	LevelLimited:   set(CapSearch, CapFileOps, CapDBOps),
	LevelBasic:     set(CapSearch, CapFileOps),
	LevelEmergency: set(CapFileOps),
}

func set(caps ...Capability) map[Capability]bool {
	m := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return m
}

// TriggerKind names the four trigger sources spec §4.9 recognizes.
type TriggerKind string

const (
	TriggerResourceUsage TriggerKind = "resource_usage"
	TriggerErrorRate     TriggerKind = "error_rate"
	TriggerResponseTime  TriggerKind = "response_time"
	TriggerManual        TriggerKind = "manual"
)

// Trigger maps an observed metric to a Level once its threshold is
// exceeded.
type Trigger struct {
	Kind      TriggerKind
	Enabled   bool
	Threshold float64
	Level     Level
	// Observe returns the current value for comparison against Threshold.
	// Unused for TriggerManual, whose level is set via SetManualLevel.
	Observe func() float64
}

// Transition is one recorded level change.
type Transition struct {
	From      Level
	To        Level
	Reason    string
	Timestamp time.Time
}

const maxHistory = 50

// Manager is the Degradation Manager.
type Manager struct {
	logger logging.Sink

	mu          sync.Mutex
	level       Level
	triggers    []Trigger
	manualLevel *Level
	history     []Transition

	evalInterval time.Duration
	cancel       context.CancelFunc
	group        *errgroup.Group
}

// New constructs a Manager at LevelFull with no triggers registered.
func New(logger logging.Sink, evalInterval time.Duration) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if evalInterval <= 0 {
		evalInterval = 30 * time.Second
	}
	return &Manager{logger: logger, level: LevelFull, evalInterval: evalInterval}
}

// AddTrigger registers t. Manual triggers are evaluated via SetManualLevel
// rather than Observe.
func (m *Manager) AddTrigger(t Trigger) {
	m.mu.Lock()
	m.triggers = append(m.triggers, t)
	m.mu.Unlock()
}

// SetManualLevel forces the manual trigger's contribution to level; pass
// nil to clear it.
func (m *Manager) SetManualLevel(level *Level) {
	m.mu.Lock()
	m.manualLevel = level
	m.mu.Unlock()
	m.Evaluate()
}

// CurrentLevel returns the active degradation level.
func (m *Manager) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// IsCapabilityAvailable is the single query callers make before starting
// expensive work (spec §4.9 "is_capability_available"); O(1) against the
// fixed capability map for the active level.
func (m *Manager) IsCapabilityAvailable(cap Capability) bool {
	m.mu.Lock()
	level := m.level
	m.mu.Unlock()
	return levelCapabilities[level][cap]
}

// History returns a snapshot of recorded transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Evaluate checks every enabled trigger and adopts the strictest firing
// level, or FULL if none fire (spec §4.9: "Level can only be re-entered at
// FULL via explicit reset or when all triggers clear").
func (m *Manager) Evaluate() {
	m.mu.Lock()
	strictest := LevelFull
	if m.manualLevel != nil && *m.manualLevel > strictest {
		strictest = *m.manualLevel
	}
	for _, t := range m.triggers {
		if !t.Enabled || t.Kind == TriggerManual || t.Observe == nil {
			continue
		}
		if t.Observe() >= t.Threshold && t.Level > strictest {
			strictest = t.Level
		}
	}
	from := m.level
	if strictest != from {
		m.level = strictest
		m.history = append(m.history, Transition{From: from, To: strictest, Reason: "trigger evaluation", Timestamp: time.Now()})
		if len(m.history) > maxHistory {
			m.history = m.history[len(m.history)-maxHistory:]
		}
	}
	m.mu.Unlock()

	if strictest != from {
		m.logger.Warn("degradation level changed", nil, logging.Fields{"from": from.String(), "to": strictest.String()})
	}
}

// Reset forces the manager back to FULL, recording the transition (spec
// §4.9 "explicit reset").
func (m *Manager) Reset() {
	m.mu.Lock()
	from := m.level
	m.manualLevel = nil
	m.level = LevelFull
	if from != LevelFull {
		m.history = append(m.history, Transition{From: from, To: LevelFull, Reason: "manual reset", Timestamp: time.Now()})
		if len(m.history) > maxHistory {
			m.history = m.history[len(m.history)-maxHistory:]
		}
	}
	m.mu.Unlock()
}

// Start runs Evaluate on evalInterval until ctx is cancelled or Close is
// called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	m.group = group
	group.Go(func() error {
		ticker := time.NewTicker(m.evalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.Evaluate()
			}
		}
	})
}

// Close stops the evaluation loop.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.group != nil {
		return m.group.Wait()
	}
	return nil
}
