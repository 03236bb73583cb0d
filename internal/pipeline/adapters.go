package pipeline

import (
	"context"
	"os"
	"strings"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/internal/gate"
	"github.com/sce-dev/sce/internal/runner"
)

// DocumentAdapter validates one spec artifact document. A missing
// document fails the stage; an empty one completes with a warning.
type DocumentAdapter struct {
	StageName string
	Path      func(ec *ExecContext) string
}

func (a *DocumentAdapter) Name() string { return a.StageName }

func (a *DocumentAdapter) Execute(ctx context.Context, ec *ExecContext) (AdapterResult, error) {
	path := a.Path(ec)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AdapterResult{
				Status:   StageFailed,
				Warnings: []string{a.StageName + " document is missing"},
			}, nil
		}
		return AdapterResult{}, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return AdapterResult{
			Status:    StageWarning,
			Artifacts: map[string]string{"document": path},
			Warnings:  []string{a.StageName + " document is empty"},
		}, nil
	}
	return AdapterResult{
		Status:    StageCompleted,
		Artifacts: map[string]string{"document": path},
	}, nil
}

// GateAdapter executes the declared gate steps through the
// CommandRunner. Strictness propagates from the run options.
type GateAdapter struct {
	Runner  runner.CommandRunner
	Clock   clock.Clock
	Steps   []gate.Step
	Workdir string
	GateOut string
}

func (a *GateAdapter) Name() string { return "gate" }

func (a *GateAdapter) Execute(ctx context.Context, ec *ExecContext) (AdapterResult, error) {
	outcome := gate.Run(ctx, a.Runner, a.Clock, a.Workdir, a.Steps, ec.Strict)

	artifacts := map[string]string{}
	if a.GateOut != "" {
		if err := ec.Store.WriteJSON(a.GateOut, outcome); err != nil {
			return AdapterResult{}, err
		}
		artifacts["gate_out"] = a.GateOut
	}

	if !outcome.Passed {
		var warnings []string
		for _, step := range outcome.FailedSteps() {
			warnings = append(warnings, "gate step "+step.ID+" "+step.Status)
		}
		return AdapterResult{Status: StageFailed, Artifacts: artifacts, Warnings: warnings}, nil
	}

	// Optional-step failures surface as a warning without blocking.
	for _, res := range outcome.Results {
		if res.Status == gate.StatusFailed && !res.Required {
			return AdapterResult{
				Status:    StageWarning,
				Artifacts: artifacts,
				Warnings:  []string{"optional gate step " + res.ID + " failed"},
			}, nil
		}
	}
	return AdapterResult{Status: StageCompleted, Artifacts: artifacts}, nil
}

// DefaultAdapters wires the built-in document stages and the gate stage.
func DefaultAdapters(run runner.CommandRunner, clk clock.Clock, steps []gate.Step, gateOut string) []StageAdapter {
	return []StageAdapter{
		&DocumentAdapter{StageName: "requirements", Path: func(ec *ExecContext) string {
			return ec.Store.Layout().SpecRequirements(ec.SpecID)
		}},
		&DocumentAdapter{StageName: "design", Path: func(ec *ExecContext) string {
			return ec.Store.Layout().SpecDesign(ec.SpecID)
		}},
		&DocumentAdapter{StageName: "tasks", Path: func(ec *ExecContext) string {
			return ec.Store.Layout().SpecTasks(ec.SpecID)
		}},
		&GateAdapter{Runner: run, Clock: clk, Steps: steps, GateOut: gateOut},
	}
}
