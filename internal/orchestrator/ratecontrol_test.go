package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testParams() Params {
	return Params{
		Profile:            ProfileBalanced,
		MaxParallel:        4,
		MaxRetries:         3,
		BackoffBase:        time.Second,
		BackoffMax:         time.Minute,
		AdaptiveParallel:   true,
		ParallelFloor:      1,
		Cooldown:           time.Minute,
		BudgetPerMinute:    3,
		BudgetWindow:       time.Minute,
		SignalWindow:       time.Minute,
		SignalThreshold:    2,
		ExtraHold:          10 * time.Second,
		DynamicBudgetFloor: 1,
	}
}

func TestOnSignal_DecrementsTowardFloor(t *testing.T) {
	c := newRateController(testParams())
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	eff, throttled := c.OnSignal(base, time.Second)
	assert.Equal(t, 3, eff)
	assert.True(t, throttled)

	// Never increasing after a signal, bounded below by floor.
	for i := 0; i < 10; i++ {
		prev := c.Effective()
		eff, _ = c.OnSignal(base.Add(time.Duration(i)*time.Second), time.Second)
		assert.LessOrEqual(t, eff, prev)
		assert.GreaterOrEqual(t, eff, 1)
	}
	assert.Equal(t, 1, c.Effective())
}

func TestOnSignal_BurstDropsFaster(t *testing.T) {
	p := testParams()
	p.MaxParallel = 8
	p.SignalThreshold = 1
	c := newRateController(p)
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	c.OnSignal(base, time.Second) // 7
	eff, _ := c.OnSignal(base.Add(time.Second), time.Second)
	assert.Equal(t, 5, eff, "burst above threshold drops an extra step")
}

func TestOnSignal_NonAdaptiveKeepsEffective(t *testing.T) {
	p := testParams()
	p.AdaptiveParallel = false
	c := newRateController(p)
	eff, throttled := c.OnSignal(time.Now(), time.Second)
	assert.Equal(t, 4, eff)
	assert.False(t, throttled)
}

func TestAdmit_LaunchHoldAfterSignal(t *testing.T) {
	c := newRateController(testParams())
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, c.Admit(base).OK)

	c.OnSignal(base, time.Second)
	d := c.Admit(base.Add(5 * time.Second))
	assert.False(t, d.OK)
	assert.Equal(t, "launch-hold", d.Reason)
	assert.Equal(t, 5*time.Second, d.RetryAfter)

	assert.True(t, c.Admit(base.Add(11*time.Second)).OK, "hold expires after extra_hold_ms")
}

func TestAdmit_BudgetExhaustionSingleHoldWindow(t *testing.T) {
	c := newRateController(testParams())
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		assert.True(t, c.Admit(now).OK)
		c.RecordLaunch(now)
	}

	d1 := c.Admit(base.Add(4 * time.Second))
	assert.False(t, d1.OK)
	assert.Equal(t, "budget-hold", d1.Reason)
	assert.True(t, d1.FirstHold, "first refusal opens the hold window")

	d2 := c.Admit(base.Add(5 * time.Second))
	assert.False(t, d2.OK)
	assert.False(t, d2.FirstHold, "one hold event per window")

	// The oldest launch leaves the window; budget regenerates.
	later := base.Add(61 * time.Second)
	d3 := c.Admit(later)
	assert.True(t, d3.OK)
	c.RecordLaunch(later)

	// Exhausting again opens a fresh hold window.
	c.RecordLaunch(later.Add(time.Second))
	c.RecordLaunch(later.Add(2 * time.Second))
	d4 := c.Admit(later.Add(3 * time.Second))
	assert.False(t, d4.OK)
	assert.True(t, d4.FirstHold)

	stats := c.Stats(later.Add(3 * time.Second))
	assert.Equal(t, 2, stats.BudgetHolds)
}

func TestMaybeRecover_SingleStepAfterCooldown(t *testing.T) {
	c := newRateController(testParams())
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	c.OnSignal(base, time.Second)
	c.OnSignal(base.Add(time.Second), time.Second)
	assert.Equal(t, 2, c.Effective())

	_, recovered := c.MaybeRecover(base.Add(30 * time.Second))
	assert.False(t, recovered, "cooldown not yet elapsed")

	eff, recovered := c.MaybeRecover(base.Add(62 * time.Second))
	assert.True(t, recovered)
	assert.Equal(t, 3, eff)

	_, recovered = c.MaybeRecover(base.Add(63 * time.Second))
	assert.False(t, recovered, "one step per cooldown interval")

	eff, recovered = c.MaybeRecover(base.Add(123 * time.Second))
	assert.True(t, recovered)
	assert.Equal(t, 4, eff)

	_, recovered = c.MaybeRecover(base.Add(184 * time.Second))
	assert.False(t, recovered, "never above max")
}

func TestStats(t *testing.T) {
	c := newRateController(testParams())
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	c.OnSignal(base, 2*time.Second)
	c.RecordLaunch(base)

	stats := c.Stats(base.Add(time.Second))
	assert.Equal(t, 1, stats.SignalCount)
	assert.Equal(t, int64(2000), stats.TotalBackoffMs)
	assert.Equal(t, 1, stats.BudgetUsed)
	assert.Equal(t, 3, stats.Effective)
}
