// Package agent defines the contract between the orchestrator and the
// per-spec agent processes it spawns.
package agent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sce-dev/sce/internal/runner"
)

// Result statuses.
const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusRateLimited = "rate-limited"
	StatusTimeout     = "timeout"
)

// Task is one spec execution handed to an agent.
type Task struct {
	SpecID  string
	Options map[string]string
}

// Result is the agent's terminal report for a task.
type Result struct {
	Status string
	Error  string
}

// Launcher spawns one agent per task and blocks until it terminates.
type Launcher interface {
	Launch(ctx context.Context, task Task) Result
}

// rateLimitExitCode is the conventional exit code an agent uses to
// report an upstream 429 (EX_TEMPFAIL).
const rateLimitExitCode = 75

// ExecLauncher spawns agents as subprocesses through the CommandRunner.
// The bootstrap command receives the spec ID followed by the per-spec
// options as --key=value pairs.
type ExecLauncher struct {
	Runner  runner.CommandRunner
	Command string
	Args    []string
	Timeout time.Duration
}

func (l *ExecLauncher) Launch(ctx context.Context, task Task) Result {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	args := append([]string{}, l.Args...)
	args = append(args, task.SpecID)
	for k, v := range task.Options {
		args = append(args, "--"+k+"="+v)
	}

	res := l.Runner.Run(ctx, "", l.Command, args...)
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return Result{Status: StatusTimeout, Error: "agent deadline exceeded"}
	case ctx.Err() == context.Canceled:
		return Result{Status: StatusFailed, Error: "agent cancelled"}
	case res.Err != nil:
		return Result{Status: StatusFailed, Error: res.Err.Error()}
	case res.ExitCode == 0:
		return Result{Status: StatusCompleted}
	case res.ExitCode == rateLimitExitCode || looksRateLimited(res.Stderr):
		return Result{Status: StatusRateLimited, Error: strings.TrimSpace(res.Stderr)}
	default:
		return Result{Status: StatusFailed, Error: "exit code " + strconv.Itoa(res.ExitCode)}
	}
}

// looksRateLimited sniffs an agent's stderr for upstream 429 markers.
func looksRateLimited(stderr string) bool {
	low := strings.ToLower(stderr)
	return strings.Contains(low, "429") || strings.Contains(low, "rate limit")
}
