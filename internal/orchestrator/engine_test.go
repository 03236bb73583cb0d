package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/internal/agent"
	"github.com/sce-dev/sce/internal/layout"
	"github.com/sce-dev/sce/internal/specmeta"
	"github.com/sce-dev/sce/internal/store"
)

// launcherFunc adapts a function to agent.Launcher.
type launcherFunc func(ctx context.Context, task agent.Task) agent.Result

func (f launcherFunc) Launch(ctx context.Context, task agent.Task) agent.Result {
	return f(ctx, task)
}

// eventRecorder collects emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) count(typ string) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func fastParams() Params {
	return Params{
		Profile:            ProfileBalanced,
		MaxParallel:        4,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
		AdaptiveParallel:   true,
		ParallelFloor:      1,
		Cooldown:           time.Hour,
		BudgetPerMinute:    100,
		BudgetWindow:       time.Minute,
		SignalWindow:       time.Minute,
		SignalThreshold:    10,
		ExtraHold:          time.Millisecond,
		DynamicBudgetFloor: 1,
	}
}

func specSet(ids ...string) []specmeta.Spec {
	specs := make([]specmeta.Spec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, specmeta.Spec{ID: id})
	}
	return specs
}

func newRunEngine(t *testing.T, launcher agent.Launcher, rec *eventRecorder) *Engine {
	t.Helper()
	st := store.New(layout.New(t.TempDir(), ""), clock.System())
	var obs Observer
	if rec != nil {
		obs = rec.observe
	}
	return NewEngine(st, clock.System(), nil, nil, launcher, obs)
}

func TestRun_AllComplete(t *testing.T) {
	rec := &eventRecorder{}
	e := newRunEngine(t, agent.NewScripted(), rec)

	status, err := e.Run(context.Background(), specSet("a", "b", "c"), fastParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, OrchCompleted, status.Status)
	assert.Equal(t, 3, status.CompletedSpecs)
	assert.Zero(t, status.FailedSpecs)
	assert.Zero(t, status.RunningSpecs)
	assert.Equal(t, 3, rec.count(EventSpecComplete))
	assert.Equal(t, 1, rec.count(EventOrchestrationComplete))
}

func TestRun_BatchOrdering(t *testing.T) {
	scripted := agent.NewScripted()
	rec := &eventRecorder{}
	e := newRunEngine(t, scripted, rec)

	specs := []specmeta.Spec{
		{ID: "core"},
		{ID: "api", Dependencies: []string{"core"}},
	}
	status, err := e.Run(context.Background(), specs, fastParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, OrchCompleted, status.Status)
	assert.Equal(t, 2, status.TotalBatches)
	require.Equal(t, []string{"core", "api"}, scripted.Started,
		"dependent spec starts only after its batch predecessor completes")
	assert.Equal(t, 2, rec.count(EventBatchStart))
	assert.Equal(t, 2, rec.count(EventBatchComplete))
}

// Property: running agents never exceed the effective ceiling.
func TestRun_AdmissionBound(t *testing.T) {
	params := fastParams()
	params.MaxParallel = 2

	var inFlight, peak int64
	launcher := launcherFunc(func(ctx context.Context, task agent.Task) agent.Result {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			prev := atomic.LoadInt64(&peak)
			if cur <= prev || atomic.CompareAndSwapInt64(&peak, prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return agent.Result{Status: agent.StatusCompleted}
	})

	e := newRunEngine(t, launcher, nil)
	status, err := e.Run(context.Background(), specSet("a", "b", "c", "d", "e", "f"), params, nil)
	require.NoError(t, err)
	assert.Equal(t, OrchCompleted, status.Status)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

// Four specs, one rate-limit signal on the second. Effective
// drops, the throttle events fire, and the run still completes.
func TestRun_RateLimitSignal(t *testing.T) {
	scripted := agent.NewScripted()
	scripted.Script("b", agent.Result{Status: agent.StatusRateLimited, Error: "429"},
		agent.Result{Status: agent.StatusCompleted})
	rec := &eventRecorder{}
	e := newRunEngine(t, scripted, rec)

	params := fastParams()
	status, err := e.Run(context.Background(), specSet("a", "b", "c", "d"), params, nil)
	require.NoError(t, err)
	assert.Equal(t, OrchCompleted, status.Status)
	assert.Equal(t, 4, status.CompletedSpecs)

	assert.Equal(t, 1, rec.count(EventSpecRateLimited))
	assert.Equal(t, 1, rec.count(EventParallelThrottled))
	assert.Equal(t, 1, status.RateLimit.SignalCount)
	assert.Less(t, status.Parallel.Effective, params.MaxParallel,
		"effective stays reduced without recovery cooldown")
	assert.LessOrEqual(t, status.RunningSpecs, status.Parallel.Effective)
}

func TestRun_RateLimitRetriesExhausted(t *testing.T) {
	scripted := agent.NewScripted()
	params := fastParams()
	params.MaxRetries = 1
	scripted.Script("a",
		agent.Result{Status: agent.StatusRateLimited},
		agent.Result{Status: agent.StatusRateLimited})
	rec := &eventRecorder{}
	e := newRunEngine(t, scripted, rec)

	status, err := e.Run(context.Background(), specSet("a"), params, nil)
	require.NoError(t, err)
	assert.Equal(t, OrchFailed, status.Status)
	assert.Equal(t, SpecFailed, status.Specs["a"].Status)
	assert.Equal(t, 2, rec.count(EventSpecRateLimited))
	assert.Equal(t, 1, rec.count(EventSpecFailed))
}

func TestRun_TimeoutIsTerminal(t *testing.T) {
	scripted := agent.NewScripted()
	scripted.Script("a", agent.Result{Status: agent.StatusTimeout, Error: "agent deadline exceeded"})
	e := newRunEngine(t, scripted, nil)

	status, err := e.Run(context.Background(), specSet("a", "b"), fastParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, OrchFailed, status.Status)
	assert.Equal(t, SpecTimeout, status.Specs["a"].Status)
	assert.Equal(t, SpecCompleted, status.Specs["b"].Status)
}

// Property: within the budget window, launches never exceed the budget,
// and exhaustion emits exactly one hold event per window.
func TestRun_LaunchBudget(t *testing.T) {
	params := fastParams()
	params.MaxParallel = 8
	params.BudgetPerMinute = 2
	params.BudgetWindow = 80 * time.Millisecond

	var mu sync.Mutex
	var launchTimes []time.Time
	launcher := launcherFunc(func(ctx context.Context, task agent.Task) agent.Result {
		mu.Lock()
		launchTimes = append(launchTimes, time.Now())
		mu.Unlock()
		return agent.Result{Status: agent.StatusCompleted}
	})

	rec := &eventRecorder{}
	e := newRunEngine(t, launcher, rec)
	status, err := e.Run(context.Background(), specSet("a", "b", "c", "d"), params, nil)
	require.NoError(t, err)
	assert.Equal(t, OrchCompleted, status.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, launchTimes, 4)
	for i := range launchTimes {
		inWindow := 1
		for j := range launchTimes {
			if j != i && launchTimes[j].After(launchTimes[i]) &&
				launchTimes[j].Sub(launchTimes[i]) < params.BudgetWindow-10*time.Millisecond {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, params.BudgetPerMinute, "budget window exceeded")
	}
	assert.GreaterOrEqual(t, rec.count(EventLaunchBudgetHold), 1)
	assert.GreaterOrEqual(t, status.RateLimit.LaunchBudget.HoldCount, 1)
}

func TestRun_StopSkipsQueued(t *testing.T) {
	params := fastParams()
	params.MaxParallel = 1

	e := newRunEngine(t, nil, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	e.launcher = launcherFunc(func(ctx context.Context, task agent.Task) agent.Result {
		started <- struct{}{}
		select {
		case <-release:
			return agent.Result{Status: agent.StatusCompleted}
		case <-ctx.Done():
			return agent.Result{Status: agent.StatusFailed, Error: "agent cancelled"}
		}
	})

	done := make(chan *Status, 1)
	go func() {
		status, _ := e.Run(context.Background(), specSet("a", "b", "c"), params, nil)
		done <- status
	}()

	<-started
	e.Stop()
	e.Stop() // idempotent
	close(release)

	status := <-done
	require.NotNil(t, status)
	assert.Equal(t, OrchStopped, status.Status)
	skipped := 0
	for _, st := range status.Specs {
		if st.Status == SpecSkipped {
			skipped++
		}
	}
	assert.GreaterOrEqual(t, skipped, 2, "queued specs become skipped")
}

func TestRun_PersistsSnapshots(t *testing.T) {
	st := store.New(layout.New(t.TempDir(), ""), clock.System())
	e := NewEngine(st, clock.System(), nil, nil, agent.NewScripted(), nil)

	status, err := e.Run(context.Background(), specSet("a"), fastParams(), nil)
	require.NoError(t, err)

	var persisted Status
	require.NoError(t, st.ReadJSON(st.Layout().OrchestrationStatus(), &persisted))
	assert.Equal(t, status.Status, persisted.Status)
	assert.Equal(t, status.Seq, persisted.Seq)
	assert.Positive(t, persisted.Seq)
}
