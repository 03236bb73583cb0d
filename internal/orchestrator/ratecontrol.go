package orchestrator

import (
	"sync"
	"time"
)

// admitDecision reports why a launch is currently blocked.
type admitDecision struct {
	OK         bool
	Reason     string // "launch-hold" | "budget-hold"
	RetryAfter time.Duration
	FirstHold  bool // true on the first refusal of a budget-hold window
}

// rateController owns the adaptive-parallelism state: the effective
// ceiling, the post-signal launch hold, the sliding launch budget, and
// the cooldown-gated recovery.
type rateController struct {
	mu     sync.Mutex
	params Params

	effective      int
	signalCount    int
	totalBackoff   time.Duration
	signalTimes    []time.Time
	lastSignalAt   time.Time
	lastRecoveryAt time.Time
	holdUntil      time.Time

	launches       []time.Time
	budgetHolds    int
	lastHoldAt     time.Time
	budgetHoldOpen bool
}

func newRateController(params Params) *rateController {
	return &rateController{params: params, effective: params.MaxParallel}
}

// Effective returns the current effective parallel ceiling.
func (c *rateController) Effective() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effective
}

// OnSignal records a rate-limit signal at instant now: count it, add the
// backoff, drop effective one step toward the floor, and open the launch
// hold window. A signal burst above the threshold within the signal
// window drops effective further, toward the dynamic budget floor.
// Returns the new effective value and whether it was reduced.
func (c *rateController) OnSignal(now time.Time, backoff time.Duration) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.signalCount++
	c.totalBackoff += backoff
	c.lastSignalAt = now
	c.signalTimes = append(c.signalTimes, now)
	if hold := now.Add(c.params.ExtraHold); hold.After(c.holdUntil) {
		c.holdUntil = hold
	}

	if !c.params.AdaptiveParallel {
		return c.effective, false
	}

	before := c.effective
	if c.effective > c.params.ParallelFloor {
		c.effective--
	}

	// Burst detection within the signal window.
	cutoff := now.Add(-c.params.SignalWindow)
	recent := 0
	for _, t := range c.signalTimes {
		if t.After(cutoff) {
			recent++
		}
	}
	if c.params.SignalThreshold > 0 && recent > c.params.SignalThreshold {
		target := c.params.DynamicBudgetFloor
		if target < c.params.ParallelFloor {
			target = c.params.ParallelFloor
		}
		if c.effective > target {
			c.effective--
		}
	}

	return c.effective, c.effective < before
}

// MaybeRecover raises effective one step when a full cooldown has passed
// with no signal since the last signal or recovery. Never exceeds max.
func (c *rateController) MaybeRecover(now time.Time) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.params.AdaptiveParallel || c.effective >= c.params.MaxParallel {
		return c.effective, false
	}
	if c.lastSignalAt.IsZero() {
		return c.effective, false
	}
	last := c.lastSignalAt
	if c.lastRecoveryAt.After(last) {
		last = c.lastRecoveryAt
	}
	if now.Sub(last) < c.params.Cooldown {
		return c.effective, false
	}
	c.effective++
	c.lastRecoveryAt = now
	return c.effective, true
}

// Admit decides whether a launch may proceed at instant now, checking
// the post-signal hold window and the sliding launch budget. It does not
// count running specs; the caller owns the slot accounting.
func (c *rateController) Admit(now time.Time) admitDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.holdUntil) {
		return admitDecision{Reason: "launch-hold", RetryAfter: c.holdUntil.Sub(now)}
	}

	c.pruneLaunches(now)
	if c.params.BudgetPerMinute > 0 && len(c.launches) >= c.params.BudgetPerMinute {
		oldest := c.launches[0]
		retry := oldest.Add(c.params.BudgetWindow).Sub(now)
		first := !c.budgetHoldOpen
		if first {
			c.budgetHoldOpen = true
			c.budgetHolds++
			c.lastHoldAt = now
		}
		return admitDecision{Reason: "budget-hold", RetryAfter: retry, FirstHold: first}
	}

	return admitDecision{OK: true}
}

// RecordLaunch consumes one unit of launch budget.
func (c *rateController) RecordLaunch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLaunches(now)
	c.launches = append(c.launches, now)
}

// pruneLaunches drops launches that fell out of the sliding window.
// Callers hold the lock.
func (c *rateController) pruneLaunches(now time.Time) {
	cutoff := now.Add(-c.params.BudgetWindow)
	i := 0
	for i < len(c.launches) && !c.launches[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.launches = c.launches[i:]
	}
	// Budget regenerated; the next exhaustion opens a new hold window.
	if c.budgetHoldOpen && len(c.launches) < c.params.BudgetPerMinute {
		c.budgetHoldOpen = false
	}
}

// stats is a locked snapshot of the controller counters.
type rateStats struct {
	SignalCount    int
	TotalBackoffMs int64
	BudgetUsed     int
	BudgetHolds    int
	LastHoldAt     time.Time
	Effective      int
}

func (c *rateController) Stats(now time.Time) rateStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLaunches(now)
	return rateStats{
		SignalCount:    c.signalCount,
		TotalBackoffMs: c.totalBackoff.Milliseconds(),
		BudgetUsed:     len(c.launches),
		BudgetHolds:    c.budgetHolds,
		LastHoldAt:     c.lastHoldAt,
		Effective:      c.effective,
	}
}
