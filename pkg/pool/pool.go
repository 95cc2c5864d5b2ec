// Package pool implements the connection pool of spec §4.1: a bounded set
// of database/sql handles over one SQLite file (or :memory:), with
// acquire/release leasing, idle reaping, and published counters.
//
// Each handle is its own *sql.DB pinned to a single connection
// (SetMaxOpenConns(1)): spec §4.1 describes a pool of whole handles, each
// carrying its own pragmas, not database/sql's own internal connection
// pooling within one *sql.DB. Grounded on the teacher's single-*sql.DB
// construction in pkg/storage/sqlite.go, generalized to many handles.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"
	"golang.org/x/sync/errgroup"

	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
	"github.com/alexcollie/codeindex/internal/logging"
)

// Config configures the pool.
type Config struct {
	Path              string
	Min               int
	Max               int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	ReadOnly          bool
	Pragmas           map[string]string
	Logger            logging.Sink
}

func (c *Config) setDefaults() {
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Max <= 0 {
		c.Max = 10
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Pragmas == nil {
		c.Pragmas = defaultPragmas(c.ConnectionTimeout)
	}
}

func defaultPragmas(connTimeout time.Duration) map[string]string {
	return map[string]string{
		"journal_mode": "WAL",
		"synchronous":  "NORMAL",
		"foreign_keys": "ON",
		"temp_store":   "MEMORY",
		"busy_timeout": fmt.Sprintf("%d", connTimeout.Milliseconds()),
		"cache_size":   "-2000",
	}
}

// handle wraps one live *sql.DB with bookkeeping for idle reaping.
type handle struct {
	db           *sql.DB
	createdAt    time.Time
	lastReleased time.Time
}

// Lease is a borrowed handle; callers must call Release exactly once.
type Lease struct {
	pool   *Pool
	handle *handle
	start  time.Time
	done   bool
}

// DB returns the underlying *sql.DB for this lease.
func (l *Lease) DB() *sql.DB { return l.handle.db }

// Release returns the handle to the pool, validating it first. A failed
// validation destroys the handle instead of recycling it.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.pool.release(l.handle)
}

// Stats is a snapshot of pool counters (spec §4.1).
type Stats struct {
	Created        int64
	Acquired       int64
	Released       int64
	Destroyed      int64
	Available      int
	Waiters        int
	AcqTimeAvgMs   float64
	AcqTimePeakMs  float64
}

// Pool owns a bounded set of handles over a single database.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	cond      *sync.Cond
	available []*handle
	liveCount int
	waiters   int
	closed    bool

	created   int64
	acquired  int64
	released  int64
	destroyed int64

	acqCount   int64
	acqTotalMs float64
	acqPeakMs  float64

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs the pool, opening Min handles eagerly.
func New(cfg Config) (*Pool, error) {
	cfg.setDefaults()
	p := &Pool{cfg: cfg}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < cfg.Min; i++ {
		h, err := p.newHandle()
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.available = append(p.available, h)
		p.liveCount++
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	p.group = group
	group.Go(func() error {
		p.reapLoop(gctx)
		return nil
	})

	return p, nil
}

func (p *Pool) newHandle() (*handle, error) {
	db, err := sql.Open("sqlite", p.cfg.Path)
	if err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindConnectionFailed, "open_failed",
			"failed to open database handle", err, map[string]any{"path": p.cfg.Path})
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for pragma, value := range p.cfg.Pragmas {
		stmt := fmt.Sprintf("PRAGMA %s = %s", pragma, value)
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, codeerrors.Wrap(codeerrors.KindConnectionFailed, "pragma_failed",
				"failed to apply pragma", err, map[string]any{"pragma": pragma, "value": value})
		}
	}
	if p.cfg.ReadOnly {
		if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
			_ = db.Close()
			return nil, codeerrors.Wrap(codeerrors.KindConnectionFailed, "pragma_failed",
				"failed to apply readonly pragma", err, nil)
		}
	}

	now := time.Now()
	p.created++
	p.cfg.Logger.Debug("pool handle created", nil, logging.Fields{"path": p.cfg.Path})
	return &handle{db: db, createdAt: now, lastReleased: now}, nil
}

// Acquire blocks until a handle is free or ConnectionTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	deadline := time.Now().Add(p.cfg.ConnectionTimeout)
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, codeerrors.New(codeerrors.KindConnectionFailed, "pool_closed",
				"connection pool is closed", nil)
		}
		if len(p.available) > 0 {
			h := p.available[len(p.available)-1]
			p.available = p.available[:len(p.available)-1]
			p.acquired++
			p.recordAcqTime(time.Since(start))
			return &Lease{pool: p, handle: h, start: time.Now()}, nil
		}
		if p.liveCount < p.cfg.Max {
			p.mu.Unlock()
			h, err := p.newHandle()
			p.mu.Lock()
			if err != nil {
				return nil, err
			}
			p.liveCount++
			p.acquired++
			p.recordAcqTime(time.Since(start))
			return &Lease{pool: p, handle: h, start: time.Now()}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, codeerrors.New(codeerrors.KindResourceExhausted, "acquire_timeout",
				"connection pool acquisition timed out", map[string]any{
					"timeout_ms": p.cfg.ConnectionTimeout.Milliseconds(),
				})
		}

		p.waiters++
		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			close(waitDone)
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		// Wait releases p.mu and reacquires it on wake; the timer and any
		// release() broadcast wake it up, so we loop back to re-check.
		p.cond.Wait()
		timer.Stop()
		p.waiters--
		select {
		case <-waitDone:
			if len(p.available) == 0 && p.liveCount >= p.cfg.Max {
				return nil, codeerrors.New(codeerrors.KindResourceExhausted, "acquire_timeout",
					"connection pool acquisition timed out", map[string]any{
						"timeout_ms": p.cfg.ConnectionTimeout.Milliseconds(),
					})
			}
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) recordAcqTime(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	p.acqCount++
	p.acqTotalMs += ms
	if ms > p.acqPeakMs {
		p.acqPeakMs = ms
	}
}

// release validates h and either recycles or destroys it, then wakes one
// waiter.
func (p *Pool) release(h *handle) {
	valid := true
	if _, err := h.db.Exec("SELECT 1"); err != nil {
		valid = false
	}

	p.mu.Lock()
	defer func() {
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	p.released++
	if p.closed {
		_ = h.db.Close()
		p.liveCount--
		p.destroyed++
		return
	}
	if !valid {
		_ = h.db.Close()
		p.liveCount--
		p.destroyed++
		p.cfg.Logger.Warn("pool handle failed validation, destroying", nil, nil)
		return
	}
	h.lastReleased = time.Now()
	p.available = append(p.available, h)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := 0.0
	if p.acqCount > 0 {
		avg = p.acqTotalMs / float64(p.acqCount)
	}
	return Stats{
		Created:       p.created,
		Acquired:      p.acquired,
		Released:      p.released,
		Destroyed:     p.destroyed,
		Available:     len(p.available),
		Waiters:       p.waiters,
		AcqTimeAvgMs:  avg,
		AcqTimePeakMs: p.acqPeakMs,
	}
}

// reapLoop closes idle handles beyond Min every ReapInterval, until ctx is
// cancelled by Close.
func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	now := time.Now()
	kept := p.available[:0]
	for _, h := range p.available {
		if p.liveCount > p.cfg.Min && now.Sub(h.lastReleased) > p.cfg.IdleTimeout {
			_ = h.db.Close()
			p.liveCount--
			p.destroyed++
			continue
		}
		kept = append(kept, h)
	}
	p.available = kept
}

// Close stops the reaper and closes every idle handle. Handles currently on
// loan stay open until their lease is released, and are closed then.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := p.available
	p.available = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}

	var firstErr error
	for _, h := range handles {
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
