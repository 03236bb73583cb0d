package orchestrator

import (
	"time"
)

// Orchestration statuses.
const (
	OrchIdle      = "idle"
	OrchRunning   = "running"
	OrchCompleted = "completed"
	OrchFailed    = "failed"
	OrchStopped   = "stopped"
)

// Per-spec statuses.
const (
	SpecPending   = "pending"
	SpecRunning   = "running"
	SpecCompleted = "completed"
	SpecFailed    = "failed"
	SpecTimeout   = "timeout"
	SpecSkipped   = "skipped"
)

// Event types.
const (
	EventBatchStart            = "batch:start"
	EventBatchComplete         = "batch:complete"
	EventSpecStart             = "spec:start"
	EventSpecComplete          = "spec:complete"
	EventSpecFailed            = "spec:failed"
	EventSpecRateLimited       = "spec:rate-limited"
	EventLaunchBudgetHold      = "launch:budget-hold"
	EventParallelThrottled     = "parallel:throttled"
	EventParallelRecovered     = "parallel:recovered"
	EventOrchestrationComplete = "orchestration:complete"
)

// Event is one observable orchestration event.
type Event struct {
	Type    string         `json:"type"`
	Spec    string         `json:"spec,omitempty"`
	Batch   int            `json:"batch,omitempty"`
	At      time.Time      `json:"at"`
	Details map[string]any `json:"details,omitempty"`
}

// SpecState is the per-spec entry of a status snapshot.
type SpecState struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ParallelInfo describes the concurrency ceiling.
type ParallelInfo struct {
	Max       int  `json:"max"`
	Effective int  `json:"effective"`
	Adaptive  bool `json:"adaptive"`
}

// LaunchBudgetInfo describes the sliding launch budget.
type LaunchBudgetInfo struct {
	PerMinute  int        `json:"per_minute"`
	WindowMs   int64      `json:"window_ms"`
	Used       int        `json:"used"`
	HoldCount  int        `json:"hold_count"`
	LastHoldAt *time.Time `json:"last_hold_at,omitempty"`
}

// RateLimitInfo aggregates the rate-limit counters.
type RateLimitInfo struct {
	SignalCount    int              `json:"signal_count"`
	TotalBackoffMs int64            `json:"total_backoff_ms"`
	LaunchBudget   LaunchBudgetInfo `json:"launch_budget"`
}

// Status is the persisted orchestration snapshot. Snapshots are
// serialized by Seq; each one is internally consistent.
type Status struct {
	Status         string               `json:"status"`
	Seq            int                  `json:"seq"`
	TotalSpecs     int                  `json:"total_specs"`
	CompletedSpecs int                  `json:"completed_specs"`
	FailedSpecs    int                  `json:"failed_specs"`
	RunningSpecs   int                  `json:"running_specs"`
	CurrentBatch   int                  `json:"current_batch"`
	TotalBatches   int                  `json:"total_batches"`
	Parallel       ParallelInfo         `json:"parallel"`
	RateLimit      RateLimitInfo        `json:"rate_limit"`
	Specs          map[string]SpecState `json:"specs"`
	UpdatedAt      time.Time            `json:"updated_at"`
}
