// Package orchestrator executes many specs in parallel, ordered by
// dependency batches and admission-controlled by adaptive concurrency
// under upstream rate-limit signals.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/infrastructure/logging"
	"github.com/sce-dev/sce/infrastructure/metrics"
	"github.com/sce-dev/sce/internal/agent"
	"github.com/sce-dev/sce/internal/specmeta"
	"github.com/sce-dev/sce/internal/store"
)

// Observer receives every orchestration event as it is emitted.
type Observer func(Event)

// Engine is the single coordinator for one orchestration run.
type Engine struct {
	store    *store.Store
	clock    clock.Clock
	log      *logging.Logger
	metrics  *metrics.Metrics
	launcher agent.Launcher
	observer Observer

	mu       sync.Mutex
	status   Status
	rc       *rateController
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  bool
}

// NewEngine constructs an Engine. The observer may be nil.
func NewEngine(st *store.Store, clk clock.Clock, log *logging.Logger, m *metrics.Metrics, launcher agent.Launcher, observer Observer) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logging.Discard()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{store: st, clock: clk, log: log, metrics: m, launcher: launcher, observer: observer}
}

// Stop requests cooperative cancellation: in-flight agents are
// cancelled, queued specs become skipped, and the persisted snapshot
// ends in status stopped. Stop is idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// pendingItem is one queued spec execution attempt.
type pendingItem struct {
	spec      string
	attempt   int
	notBefore time.Time
}

// specOutcome flows back from an agent goroutine.
type specOutcome struct {
	spec    string
	attempt int
	result  agent.Result
}

// Run executes the specs to completion (or stop) and returns the final
// persisted status snapshot.
func (e *Engine) Run(ctx context.Context, specs []specmeta.Spec, params Params, specOptions map[string]string) (*Status, error) {
	batches, err := BuildBatches(specs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.cancel = cancel
	if e.stopped {
		// Stop arrived before Run; honor it.
		cancel()
	}
	e.rc = newRateController(params)
	e.status = Status{
		Status:       OrchRunning,
		TotalSpecs:   len(specs),
		TotalBatches: len(batches),
		Parallel:     ParallelInfo{Max: params.MaxParallel, Effective: params.MaxParallel, Adaptive: params.AdaptiveParallel},
		Specs:        make(map[string]SpecState, len(specs)),
	}
	for _, s := range specs {
		e.status.Specs[s.ID] = SpecState{Status: SpecPending}
	}
	e.mu.Unlock()

	e.metrics.EffectiveParallelism.Set(float64(params.MaxParallel))

	for bi, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		e.emit(Event{Type: EventBatchStart, Batch: bi + 1}, func(s *Status) {
			s.CurrentBatch = bi + 1
		})
		e.runBatch(ctx, bi+1, batch, params, specOptions)
		if ctx.Err() != nil {
			break
		}
		e.emit(Event{Type: EventBatchComplete, Batch: bi + 1}, nil)
	}

	final := OrchCompleted
	e.mu.Lock()
	stopped := e.stopped || ctx.Err() != nil
	e.mu.Unlock()
	if stopped {
		final = OrchStopped
		e.skipQueued()
	} else {
		for _, st := range e.snapshotSpecs() {
			if st.Status == SpecFailed || st.Status == SpecTimeout {
				final = OrchFailed
				break
			}
		}
	}

	e.emit(Event{Type: EventOrchestrationComplete, Details: map[string]any{"status": final}}, func(s *Status) {
		s.Status = final
	})

	e.mu.Lock()
	result := cloneStatus(e.status)
	e.mu.Unlock()
	return &result, nil
}

// runBatch drives one batch to quiescence under admission control.
func (e *Engine) runBatch(ctx context.Context, batchNum int, batch []string, params Params, specOptions map[string]string) {
	pending := make([]pendingItem, 0, len(batch))
	for _, spec := range batch {
		pending = append(pending, pendingItem{spec: spec})
	}
	results := make(chan specOutcome)
	running := 0

	for len(pending) > 0 || running > 0 {
		if ctx.Err() != nil {
			// Queued specs are skipped; in-flight agents drain below.
			for _, item := range pending {
				spec := item.spec
				e.emit(Event{}, func(s *Status) {
					s.Specs[spec] = SpecState{Status: SpecSkipped}
				})
			}
			pending = nil
			for running > 0 {
				out := <-results
				running--
				e.handleOutcome(batchNum, out, params, &pending)
				pending = nil
			}
			return
		}

		now := e.clock.Now()
		var wait time.Duration

		// Admit as many queued specs as the ceiling and controls allow.
		for len(pending) > 0 && running < e.rc.Effective() {
			idx := admissibleIndex(pending, now)
			if idx < 0 {
				wait = earliestNotBefore(pending, now)
				break
			}
			decision := e.rc.Admit(now)
			if !decision.OK {
				if decision.FirstHold {
					e.metrics.LaunchBudgetHolds.Inc()
					e.emit(Event{Type: EventLaunchBudgetHold, Batch: batchNum,
						Details: map[string]any{"retry_after_ms": decision.RetryAfter.Milliseconds()}}, nil)
				}
				wait = decision.RetryAfter
				break
			}

			item := pending[idx]
			pending = append(pending[:idx], pending[idx+1:]...)
			e.rc.RecordLaunch(now)
			running++
			spec := item.spec
			e.emit(Event{Type: EventSpecStart, Spec: spec, Batch: batchNum,
				Details: map[string]any{"attempt": item.attempt + 1}}, func(s *Status) {
				s.Specs[spec] = SpecState{Status: SpecRunning}
			})

			go func(item pendingItem) {
				res := e.launcher.Launch(ctx, agent.Task{SpecID: item.spec, Options: specOptions})
				results <- specOutcome{spec: item.spec, attempt: item.attempt, result: res}
			}(item)
		}

		if _, recovered := e.rc.MaybeRecover(now); recovered {
			eff := e.rc.Effective()
			e.metrics.EffectiveParallelism.Set(float64(eff))
			e.emit(Event{Type: EventParallelRecovered, Batch: batchNum,
				Details: map[string]any{"effective": eff}}, func(s *Status) {
				s.Parallel.Effective = eff
			})
			continue
		}

		if running == 0 && len(pending) > 0 && wait <= 0 {
			// Nothing in flight and nothing admissible right now; poll the
			// controls again shortly.
			wait = 10 * time.Millisecond
		}

		if running > 0 && wait <= 0 {
			select {
			case out := <-results:
				running--
				e.handleOutcome(batchNum, out, params, &pending)
			case <-ctx.Done():
			}
			continue
		}

		select {
		case out := <-results:
			running--
			e.handleOutcome(batchNum, out, params, &pending)
		case <-e.clock.After(wait):
		case <-ctx.Done():
		}
	}
}

// handleOutcome applies one agent result: terminal bookkeeping or a
// rate-limit retry requeue.
func (e *Engine) handleOutcome(batchNum int, out specOutcome, params Params, pending *[]pendingItem) {
	now := e.clock.Now()
	spec := out.spec

	switch out.result.Status {
	case agent.StatusCompleted:
		e.metrics.AgentLaunchesTotal.WithLabelValues(spec, agent.StatusCompleted).Inc()
		e.emit(Event{Type: EventSpecComplete, Spec: spec, Batch: batchNum}, func(s *Status) {
			s.Specs[spec] = SpecState{Status: SpecCompleted}
		})

	case agent.StatusRateLimited:
		backoff := retryBackoff(params, out.attempt)
		e.metrics.RateLimitSignals.Inc()
		eff, throttled := e.rc.OnSignal(now, backoff)
		e.emit(Event{Type: EventSpecRateLimited, Spec: spec, Batch: batchNum,
			Details: map[string]any{"attempt": out.attempt + 1, "backoff_ms": backoff.Milliseconds()}}, func(s *Status) {
			s.Parallel.Effective = eff
		})
		if throttled {
			e.metrics.ParallelThrottles.Inc()
			e.metrics.EffectiveParallelism.Set(float64(eff))
			e.emit(Event{Type: EventParallelThrottled, Batch: batchNum,
				Details: map[string]any{"effective": eff}}, nil)
		}
		if out.attempt+1 > params.MaxRetries {
			e.metrics.AgentLaunchesTotal.WithLabelValues(spec, agent.StatusRateLimited).Inc()
			e.emit(Event{Type: EventSpecFailed, Spec: spec, Batch: batchNum,
				Details: map[string]any{"reason": "rate-limit retries exhausted"}}, func(s *Status) {
				s.Specs[spec] = SpecState{Status: SpecFailed, Error: "rate-limit retries exhausted"}
			})
			return
		}
		e.emit(Event{}, func(s *Status) {
			s.Specs[spec] = SpecState{Status: SpecPending}
		})
		*pending = append(*pending, pendingItem{spec: spec, attempt: out.attempt + 1, notBefore: now.Add(backoff)})

	case agent.StatusTimeout:
		e.metrics.AgentLaunchesTotal.WithLabelValues(spec, agent.StatusTimeout).Inc()
		e.emit(Event{Type: EventSpecFailed, Spec: spec, Batch: batchNum,
			Details: map[string]any{"reason": "timeout"}}, func(s *Status) {
			s.Specs[spec] = SpecState{Status: SpecTimeout, Error: out.result.Error}
		})

	default:
		e.metrics.AgentLaunchesTotal.WithLabelValues(spec, agent.StatusFailed).Inc()
		e.emit(Event{Type: EventSpecFailed, Spec: spec, Batch: batchNum,
			Details: map[string]any{"reason": out.result.Error}}, func(s *Status) {
			s.Specs[spec] = SpecState{Status: SpecFailed, Error: out.result.Error}
		})
	}
}

// retryBackoff computes the exponential backoff for a retry attempt.
func retryBackoff(params Params, attempt int) time.Duration {
	backoff := params.BackoffBase
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= params.BackoffMax {
			return params.BackoffMax
		}
	}
	if backoff > params.BackoffMax {
		backoff = params.BackoffMax
	}
	return backoff
}

// admissibleIndex returns the first queued item whose backoff has
// elapsed, or -1.
func admissibleIndex(pending []pendingItem, now time.Time) int {
	for i, item := range pending {
		if !item.notBefore.After(now) {
			return i
		}
	}
	return -1
}

// earliestNotBefore returns the shortest wait until any queued item
// becomes admissible.
func earliestNotBefore(pending []pendingItem, now time.Time) time.Duration {
	var best time.Duration
	for _, item := range pending {
		d := item.notBefore.Sub(now)
		if d > 0 && (best == 0 || d < best) {
			best = d
		}
	}
	return best
}

// skipQueued marks every still-pending spec skipped.
func (e *Engine) skipQueued() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, st := range e.status.Specs {
		if st.Status == SpecPending || st.Status == SpecRunning {
			e.status.Specs[id] = SpecState{Status: SpecSkipped}
		}
	}
}

// emit applies the status mutation, persists an internally consistent
// snapshot, and notifies the observer. An Event with an empty Type only
// persists the snapshot.
func (e *Engine) emit(ev Event, mutate func(*Status)) {
	now := e.clock.Now().UTC()
	ev.At = now

	e.mu.Lock()
	if mutate != nil {
		mutate(&e.status)
	}
	e.refreshCountersLocked(now)
	e.status.Seq++
	e.status.UpdatedAt = now
	snapshot := cloneStatus(e.status)
	e.mu.Unlock()

	if err := e.store.WriteJSON(e.store.Layout().OrchestrationStatus(), snapshot); err != nil {
		e.log.Warnf("persist orchestration status: %v", err)
	}
	if ev.Type != "" && e.observer != nil {
		e.observer(ev)
	}
}

// refreshCountersLocked recomputes the derived counters from the spec
// map and controller stats. Callers hold the lock.
func (e *Engine) refreshCountersLocked(now time.Time) {
	completed, failed, running := 0, 0, 0
	for _, st := range e.status.Specs {
		switch st.Status {
		case SpecCompleted, SpecSkipped:
			completed++
		case SpecFailed, SpecTimeout:
			failed++
		case SpecRunning:
			running++
		}
	}
	e.status.CompletedSpecs = completed
	e.status.FailedSpecs = failed
	e.status.RunningSpecs = running
	e.metrics.RunningSpecs.Set(float64(running))

	if e.rc != nil {
		stats := e.rc.Stats(now)
		e.status.Parallel.Effective = stats.Effective
		e.status.RateLimit.SignalCount = stats.SignalCount
		e.status.RateLimit.TotalBackoffMs = stats.TotalBackoffMs
		budget := LaunchBudgetInfo{
			PerMinute: e.rc.params.BudgetPerMinute,
			WindowMs:  e.rc.params.BudgetWindow.Milliseconds(),
			Used:      stats.BudgetUsed,
			HoldCount: stats.BudgetHolds,
		}
		if !stats.LastHoldAt.IsZero() {
			t := stats.LastHoldAt
			budget.LastHoldAt = &t
		}
		e.status.RateLimit.LaunchBudget = budget
	}
}

func (e *Engine) snapshotSpecs() map[string]SpecState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSpecs(e.status.Specs)
}

func cloneStatus(s Status) Status {
	out := s
	out.Specs = cloneSpecs(s.Specs)
	return out
}

func cloneSpecs(in map[string]SpecState) map[string]SpecState {
	out := make(map[string]SpecState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
