// Package gate executes declared gate steps: single subprocesses whose
// exit codes determine pass/fail. The engine is agnostic to what a step
// actually runs.
package gate

import (
	"context"
	"time"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/internal/runner"
)

// Step statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Step declares one gate step.
type Step struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	Required bool     `json:"required"`
}

// StepOutput captures the subprocess streams.
type StepOutput struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StepResult is the outcome of one executed (or skipped) step.
type StepResult struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Command     string     `json:"command"`
	Args        []string   `json:"args,omitempty"`
	Required    bool       `json:"required"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`
	Output      StepOutput `json:"output"`
}

// Failed reports whether the step blocks its gate under the given
// strictness: a failed required step blocks; a skipped required step
// blocks only under strict.
func (r StepResult) Failed(strict bool) bool {
	if r.Status == StatusFailed {
		return r.Required
	}
	if r.Status == StatusSkipped && strict && r.Required {
		return true
	}
	return false
}

// Outcome is the aggregate of one gate run.
type Outcome struct {
	Passed  bool         `json:"passed"`
	Strict  bool         `json:"strict"`
	Results []StepResult `json:"results"`
}

// FailedSteps returns the results that block the gate.
func (o Outcome) FailedSteps() []StepResult {
	var failed []StepResult
	for _, r := range o.Results {
		if r.Failed(o.Strict) {
			failed = append(failed, r)
		}
	}
	return failed
}

// Run executes the steps in order through the CommandRunner. A step with
// an empty command is recorded as skipped. Cancellation marks the
// remaining steps skipped.
func Run(ctx context.Context, run runner.CommandRunner, clk clock.Clock, workdir string, steps []Step, strict bool) Outcome {
	if clk == nil {
		clk = clock.System()
	}
	outcome := Outcome{Strict: strict}
	for _, step := range steps {
		started := clk.Now().UTC()
		result := StepResult{
			ID:        step.ID,
			Name:      step.Name,
			Command:   step.Command,
			Args:      step.Args,
			Required:  step.Required,
			StartedAt: started,
		}

		switch {
		case ctx.Err() != nil:
			result.Status = StatusSkipped
			result.SkipReason = "cancelled"
		case step.Command == "":
			result.Status = StatusSkipped
			result.SkipReason = "no command declared"
		default:
			res := run.Run(ctx, workdir, step.Command, step.Args...)
			code := res.ExitCode
			result.ExitCode = &code
			result.Output = StepOutput{Stdout: res.Stdout, Stderr: res.Stderr}
			if res.Err != nil {
				result.Output.Error = res.Err.Error()
			}
			if res.ExitCode == 0 && res.Err == nil {
				result.Status = StatusPassed
			} else {
				result.Status = StatusFailed
			}
		}

		result.CompletedAt = clk.Now().UTC()
		result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
		outcome.Results = append(outcome.Results, result)
	}
	outcome.Passed = len(outcome.FailedSteps()) == 0
	return outcome
}
