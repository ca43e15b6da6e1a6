// Package cost tracks per-document OCR spend against a declared budget:
// a maximum pass count and a wall-clock ceiling. Exhaustion is a scheduling
// outcome, not an error; downstream consumers proceed with whatever
// confidence the completed passes bought.
package cost

import (
	"sync"
	"time"
)

// Budget declares the resource ceiling for one document run.
type Budget struct {
	// MaxPasses caps scheduled pass rounds. Zero means unlimited.
	MaxPasses int
	// Wall caps elapsed time from the first pass. Zero means unlimited.
	Wall time.Duration
}

// ExhaustionReason says which ceiling was hit first.
type ExhaustionReason string

const (
	ReasonNone      ExhaustionReason = ""
	ReasonMaxPasses ExhaustionReason = "max_passes"
	ReasonWallClock ExhaustionReason = "wall_clock"
)

// Ledger accumulates pass spend for one document. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	budget  Budget
	passes  int
	failed  int
	engines map[string]time.Duration
	started time.Time
	nowFunc func() time.Time
}

// NewLedger starts an empty ledger against budget.
func NewLedger(budget Budget) *Ledger {
	return &Ledger{
		budget:  budget,
		engines: make(map[string]time.Duration),
		nowFunc: time.Now,
	}
}

// Start marks the beginning of the wall-clock window. Calling it again is a
// no-op, so the window anchors to the first pass.
func (l *Ledger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started.IsZero() {
		l.started = l.nowFunc()
	}
}

// RecordPass charges one completed pass to the ledger.
func (l *Ledger) RecordPass(engine string, d time.Duration, failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.passes++
	if failed {
		l.failed++
	}
	l.engines[engine] += d
}

// Exhausted reports whether either ceiling has been reached, and which.
func (l *Ledger) Exhausted() (ExhaustionReason, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.budget.MaxPasses > 0 && l.passes >= l.budget.MaxPasses {
		return ReasonMaxPasses, true
	}
	if l.budget.Wall > 0 && !l.started.IsZero() && l.nowFunc().Sub(l.started) >= l.budget.Wall {
		return ReasonWallClock, true
	}
	return ReasonNone, false
}

// Summary is a point-in-time snapshot for logs and audit notes.
type Summary struct {
	Passes     int                      `json:"passes"`
	Failed     int                      `json:"failed"`
	Elapsed    time.Duration            `json:"elapsed"`
	EngineTime map[string]time.Duration `json:"engine_time,omitempty"`
}

// Snapshot returns the current spend.
func (l *Ledger) Snapshot() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	engines := make(map[string]time.Duration, len(l.engines))
	for k, v := range l.engines {
		engines[k] = v
	}
	var elapsed time.Duration
	if !l.started.IsZero() {
		elapsed = l.nowFunc().Sub(l.started)
	}
	return Summary{Passes: l.passes, Failed: l.failed, Elapsed: elapsed, EngineTime: engines}
}
