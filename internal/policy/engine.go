package policy

import (
	"fmt"
	"sync"
	"time"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Result is the outcome of a single validation call.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func allow() Result { return Result{Valid: true} }

func deny(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Window holds the rolling spend counters of one wallet. Both counters share
// a single LastReset timestamp.
type Window struct {
	HourlySpent float64   `json:"hourly_spent"`
	DailySpent  float64   `json:"daily_spent"`
	LastReset   time.Time `json:"last_reset"`
}

// Engine gates transfers of a single wallet. It owns the wallet's Config and
// Window; callers serialise validate and record through the wallet lock.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	window Window
	frozen bool
}

// Option customises an Engine at construction time.
type Option func(*Engine)

// WithWindow seeds the engine with persisted counters.
func WithWindow(w Window) Option {
	return func(e *Engine) {
		e.window = w
	}
}

// NewEngine builds an engine for cfg. Without WithWindow the counters start
// at zero with LastReset set to the current time.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.clone(),
		window: Window{LastReset: time.Now()},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Validate checks amount against the per-transaction, hourly and daily
// limits, in that order. The per-transaction check runs before any window
// reset and never mutates state.
//
// Resets are lazy: more than 24h since LastReset clears both counters and
// moves LastReset to now; otherwise more than 1h clears only the hourly
// counter and leaves LastReset where it was.
func (e *Engine) Validate(amount float64, now time.Time) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount > e.cfg.PerTransaction {
		return deny("transaction value %s exceeds per-transaction limit %s",
			formatAmount(amount), formatAmount(e.cfg.PerTransaction))
	}

	elapsed := now.Sub(e.window.LastReset)
	switch {
	case elapsed > dayWindow:
		e.window.HourlySpent = 0
		e.window.DailySpent = 0
		e.window.LastReset = now
	case elapsed > hourWindow:
		e.window.HourlySpent = 0
	}

	if e.window.HourlySpent+amount > e.cfg.PerHour {
		return deny("hourly limit %s exceeded (spent %s, requested %s)",
			formatAmount(e.cfg.PerHour), formatAmount(e.window.HourlySpent), formatAmount(amount))
	}
	if e.window.DailySpent+amount > e.cfg.PerDay {
		return deny("daily limit %s exceeded (spent %s, requested %s)",
			formatAmount(e.cfg.PerDay), formatAmount(e.window.DailySpent), formatAmount(amount))
	}
	return allow()
}

// CheckTarget enforces the optional program and asset allow-lists. Empty
// lists and empty identifiers are unrestricted.
func (e *Engine) CheckTarget(program, asset string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if program != "" && len(e.cfg.AllowedPrograms) > 0 && !contains(e.cfg.AllowedPrograms, program) {
		return deny("program %s is not in the allow-list", program)
	}
	if asset != "" && len(e.cfg.AllowedAssets) > 0 && !contains(e.cfg.AllowedAssets, asset) {
		return deny("asset %s is not in the allow-list", asset)
	}
	return allow()
}

// RecordSpend adds amount to both counters. Call it exactly once per
// confirmed transfer.
func (e *Engine) RecordSpend(amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window.HourlySpent += amount
	e.window.DailySpent += amount
}

// Freeze zeroes every limit. There is no unfreeze; build a new engine with
// a fresh Config instead.
func (e *Engine) Freeze() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.PerTransaction = 0
	e.cfg.PerHour = 0
	e.cfg.PerDay = 0
	e.frozen = true
}

// Frozen reports whether Freeze has been called on this engine.
func (e *Engine) Frozen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frozen
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.clone()
}

// Window returns a snapshot of the spend counters.
func (e *Engine) Window() Window {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window
}

// Restore replaces the spend counters, typically with state loaded from a
// WindowStore shared by several processes.
func (e *Engine) Restore(w Window) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = w
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func formatAmount(v float64) string {
	return fmt.Sprintf("%g", v)
}
