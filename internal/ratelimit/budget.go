package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRunBudgetExhausted signals the per-run call ceiling was reached. The
// caller ends the run partial with a resumable cursor.
var ErrRunBudgetExhausted = errors.New("per-run call budget exhausted")

// ErrHourBudgetExhausted signals the rolling-hour call ceiling was reached.
// The caller aborts the run as rate-limited.
var ErrHourBudgetExhausted = errors.New("hourly call budget exhausted")

// Budget bounds outbound call volume for one connector: a hard per-run
// ceiling, a rolling-hour ceiling, and inter-call pacing.
type Budget struct {
	perRun  int
	perHour int
	delay   time.Duration
	pacer   *rate.Limiter

	mu       sync.Mutex
	runUsed  int
	hourLog  []time.Time
	now      func() time.Time
}

// NewBudget creates a budget. Zero ceilings mean unlimited.
func NewBudget(perRun, perHour int, interCallDelay time.Duration) *Budget {
	pacer := rate.NewLimiter(rate.Inf, 1)
	if interCallDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(interCallDelay), 1)
	}
	return &Budget{
		perRun:  perRun,
		perHour: perHour,
		delay:   interCallDelay,
		pacer:   pacer,
		now:     time.Now,
	}
}

// SetNow injects a clock for tests.
func (b *Budget) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// StartRun resets the per-run counter. The rolling-hour window carries over.
func (b *Budget) StartRun() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runUsed = 0
}

// Acquire reserves one outbound call. It blocks for inter-call pacing, and
// returns ErrRunBudgetExhausted or ErrHourBudgetExhausted when a ceiling is
// hit without consuming the call.
func (b *Budget) Acquire(ctx context.Context) error {
	b.mu.Lock()
	now := b.now()
	b.trimHourLogLocked(now)
	if b.perRun > 0 && b.runUsed >= b.perRun {
		b.mu.Unlock()
		return ErrRunBudgetExhausted
	}
	if b.perHour > 0 && len(b.hourLog) >= b.perHour {
		b.mu.Unlock()
		return ErrHourBudgetExhausted
	}
	b.runUsed++
	b.hourLog = append(b.hourLog, now)
	b.mu.Unlock()

	if err := b.pacer.Wait(ctx); err != nil {
		return err
	}
	return nil
}

// RunUsed returns calls consumed in the current run.
func (b *Budget) RunUsed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runUsed
}

// HourUsed returns calls consumed in the rolling hour.
func (b *Budget) HourUsed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trimHourLogLocked(b.now())
	return len(b.hourLog)
}

func (b *Budget) trimHourLogLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	trimmed := b.hourLog[:0]
	for _, stamp := range b.hourLog {
		if stamp.After(cutoff) {
			trimmed = append(trimmed, stamp)
		}
	}
	b.hourLog = trimmed
}
