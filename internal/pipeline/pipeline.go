// Package pipeline drives a single spec through its ordered stage chain
// (requirements, design, tasks, gate) with resumable, crash-safe state.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/infrastructure/logging"
	"github.com/sce-dev/sce/infrastructure/metrics"
	"github.com/sce-dev/sce/internal/store"
)

// Stage statuses.
const (
	StageCompleted = "completed"
	StageWarning   = "warning"
	StageSkipped   = "skipped"
	StageFailed    = "failed"
)

// Run statuses.
const (
	RunInProgress = "in-progress"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

// StageNames is the fixed stage order.
var StageNames = []string{"requirements", "design", "tasks", "gate"}

// Options configure a run.
type Options struct {
	FailFast          bool   `json:"fail_fast"`
	ContinueOnWarning bool   `json:"continue_on_warning"`
	Strict            bool   `json:"strict"`
	FromStage         string `json:"from_stage,omitempty"`
	ToStage           string `json:"to_stage,omitempty"`
}

// StageResult is the recorded outcome of one stage.
type StageResult struct {
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Run is the persisted state of one pipeline run.
type Run struct {
	SpecID    string        `json:"spec_id"`
	RunID     string        `json:"run_id"`
	Status    string        `json:"status"`
	Options   Options       `json:"options"`
	Stages    []StageResult `json:"stages"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// stageResult returns the recorded result for a stage name, if any.
func (r *Run) stageResult(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// ExecContext is handed to every stage adapter.
type ExecContext struct {
	SpecID  string
	Strict  bool
	Store   *store.Store
	Options Options
}

// AdapterResult is what a stage adapter reports back.
type AdapterResult struct {
	Status    string
	Artifacts map[string]string
	Warnings  []string
}

// StageAdapter executes one named stage.
type StageAdapter interface {
	Name() string
	Execute(ctx context.Context, ec *ExecContext) (AdapterResult, error)
}

// Engine runs and resumes pipelines.
type Engine struct {
	store    *store.Store
	clock    clock.Clock
	log      *logging.Logger
	metrics  *metrics.Metrics
	adapters map[string]StageAdapter
	owner    string
}

// New constructs an Engine with the given stage adapters. Stages without
// an adapter are recorded as skipped.
func New(st *store.Store, clk clock.Clock, log *logging.Logger, m *metrics.Metrics, adapters []StageAdapter) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logging.Discard()
	}
	if m == nil {
		m = metrics.Nop()
	}
	byName := make(map[string]StageAdapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Engine{store: st, clock: clk, log: log, metrics: m, adapters: byName, owner: "pipeline"}
}

// Start begins a new run for the spec. A live in-progress run is a
// conflict; callers resume or abandon it instead.
func (e *Engine) Start(ctx context.Context, specID string, opts Options) (*Run, error) {
	if specID == "" {
		return nil, errors.MissingParameter("spec")
	}
	if err := validateWindow(opts); err != nil {
		return nil, err
	}
	if existing, err := e.latestInProgress(specID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, errors.Conflict("an in-progress run exists for this spec").
			WithDetails("spec", specID).
			WithDetails("run_id", existing.RunID).
			WithDetails("hint", "resume it instead")
	}

	if _, err := e.store.AcquireLock(specID, e.owner, "pipeline run", 2, false); err != nil {
		return nil, err
	}
	defer func() { _ = e.store.ReleaseLock(specID, e.owner, false) }()

	now := e.clock.Now().UTC()
	run := &Run{
		SpecID:    specID,
		RunID:     "run-" + uuid.NewString()[:8],
		Status:    RunInProgress,
		Options:   opts,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.persist(run); err != nil {
		return nil, err
	}
	return e.execute(ctx, run, 0)
}

// Resume continues the latest in-progress run for the spec from the
// first stage that is not completed or warning. Finished runs are never
// resumed.
func (e *Engine) Resume(ctx context.Context, specID string) (*Run, error) {
	run, err := e.latestInProgress(specID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.NotFound("in-progress pipeline run", specID)
	}

	if _, err := e.store.AcquireLock(specID, e.owner, "pipeline resume", 2, false); err != nil {
		return nil, err
	}
	defer func() { _ = e.store.ReleaseLock(specID, e.owner, false) }()

	start := 0
	for i, name := range StageNames {
		res := run.stageResult(name)
		if res == nil {
			start = i
			break
		}
		if res.Status != StageCompleted && res.Status != StageWarning {
			start = i
			break
		}
		start = i + 1
	}
	return e.execute(ctx, run, start)
}

// Latest returns the most recent run for the spec, finished or not.
func (e *Engine) Latest(specID string) (*Run, error) {
	runs, err := e.list(specID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errors.NotFound("pipeline run", specID)
	}
	return runs[len(runs)-1], nil
}

// execute drives the stage chain from index start, persisting the run
// after every stage so a crash resumes exactly at the next stage.
func (e *Engine) execute(ctx context.Context, run *Run, start int) (*Run, error) {
	halted := false
	for i := start; i < len(StageNames); i++ {
		name := StageNames[i]

		if halted || run.Status == RunFailed {
			e.recordStage(run, StageResult{Name: name, Status: StageSkipped})
			continue
		}
		if err := ctx.Err(); err != nil {
			// Cancellation leaves the last-committed snapshot intact; no
			// partial stage commit.
			return run, err
		}
		if !inWindow(name, run.Options) {
			e.recordStage(run, StageResult{Name: name, Status: StageSkipped})
			if err := e.persist(run); err != nil {
				return run, err
			}
			continue
		}

		result := e.runStage(ctx, run, name)
		e.recordStage(run, result)
		e.metrics.StageResultsTotal.WithLabelValues(name, result.Status).Inc()

		switch result.Status {
		case StageCompleted, StageSkipped:
			// advance
		case StageWarning:
			if !run.Options.ContinueOnWarning {
				run.Status = RunFailed
				if run.Options.FailFast {
					halted = true
				}
			}
		case StageFailed:
			run.Status = RunFailed
			if run.Options.FailFast {
				halted = true
			}
		}
		if err := e.persist(run); err != nil {
			return run, err
		}
	}

	if run.Status == RunInProgress {
		run.Status = RunCompleted
	}
	if err := e.persist(run); err != nil {
		return run, err
	}
	e.log.WithRun(run.SpecID, run.RunID).Infof("pipeline %s", run.Status)
	return run, nil
}

func (e *Engine) runStage(ctx context.Context, run *Run, name string) StageResult {
	adapter, ok := e.adapters[name]
	if !ok {
		return StageResult{Name: name, Status: StageSkipped}
	}
	ec := &ExecContext{
		SpecID:  run.SpecID,
		Strict:  run.Options.Strict,
		Store:   e.store,
		Options: run.Options,
	}
	res, err := adapter.Execute(ctx, ec)
	if err != nil {
		return StageResult{
			Name:     name,
			Status:   StageFailed,
			Warnings: []string{err.Error()},
		}
	}
	return StageResult{
		Name:      name,
		Status:    res.Status,
		Artifacts: res.Artifacts,
		Warnings:  res.Warnings,
	}
}

// recordStage replaces or appends the stage result.
func (e *Engine) recordStage(run *Run, result StageResult) {
	result.CompletedAt = e.clock.Now().UTC()
	if existing := run.stageResult(result.Name); existing != nil {
		*existing = result
		return
	}
	run.Stages = append(run.Stages, result)
}

func (e *Engine) persist(run *Run) error {
	run.UpdatedAt = e.clock.Now().UTC()
	return e.store.WriteJSON(e.store.Layout().PipelineRun(run.SpecID, run.RunID), run)
}

// list loads every run for a spec ordered by start time.
func (e *Engine) list(specID string) ([]*Run, error) {
	ids, err := e.store.ListJSON(e.store.Layout().PipelineRunsDir(specID))
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		var run Run
		if err := e.store.ReadJSON(e.store.Layout().PipelineRun(specID, id), &run); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

func (e *Engine) latestInProgress(specID string) (*Run, error) {
	runs, err := e.list(specID)
	if err != nil {
		return nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status == RunInProgress {
			return runs[i], nil
		}
	}
	return nil, nil
}

func validateWindow(opts Options) error {
	if opts.FromStage != "" && stageIndex(opts.FromStage) < 0 {
		return errors.UnknownEnum("from_stage", opts.FromStage, StageNames)
	}
	if opts.ToStage != "" && stageIndex(opts.ToStage) < 0 {
		return errors.UnknownEnum("to_stage", opts.ToStage, StageNames)
	}
	return nil
}

func stageIndex(name string) int {
	for i, n := range StageNames {
		if n == name {
			return i
		}
	}
	return -1
}

// inWindow reports whether the stage falls inside the from/to window.
func inWindow(name string, opts Options) bool {
	idx := stageIndex(name)
	if opts.FromStage != "" && idx < stageIndex(opts.FromStage) {
		return false
	}
	if opts.ToStage != "" && idx > stageIndex(opts.ToStage) {
		return false
	}
	return true
}
