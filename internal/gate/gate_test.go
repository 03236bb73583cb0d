package gate

import (
	"context"
	"testing"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/internal/runner"
)

func TestRun_AllPass(t *testing.T) {
	fake := runner.NewFake()
	steps := []Step{
		{ID: "lint", Name: "Lint", Command: "lint", Required: true},
		{ID: "unit", Name: "Unit tests", Command: "unit-tests", Required: true},
	}
	outcome := Run(context.Background(), fake, clock.System(), "", steps, false)
	if !outcome.Passed {
		t.Fatalf("expected pass, got %+v", outcome)
	}
	if len(outcome.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(outcome.Results))
	}
	for _, r := range outcome.Results {
		if r.Status != StatusPassed || r.ExitCode == nil || *r.ExitCode != 0 {
			t.Fatalf("unexpected result: %+v", r)
		}
	}
}

func TestRun_RequiredFailureBlocks(t *testing.T) {
	fake := runner.NewFake(runner.FakeResult{
		Command: "unit-tests",
		Result:  runner.Result{ExitCode: 1, Stderr: "2 tests failed"},
	})
	steps := []Step{
		{ID: "unit", Command: "unit-tests", Required: true},
		{ID: "docs", Command: "docs-check", Required: false},
	}
	outcome := Run(context.Background(), fake, clock.System(), "", steps, false)
	if outcome.Passed {
		t.Fatal("expected gate blocked")
	}
	failed := outcome.FailedSteps()
	if len(failed) != 1 || failed[0].ID != "unit" {
		t.Fatalf("unexpected failed steps: %+v", failed)
	}
	if failed[0].Output.Stderr != "2 tests failed" {
		t.Fatalf("stderr not captured: %+v", failed[0].Output)
	}
}

func TestRun_OptionalFailureDoesNotBlock(t *testing.T) {
	fake := runner.NewFake(runner.FakeResult{
		Command: "docs-check",
		Result:  runner.Result{ExitCode: 1},
	})
	steps := []Step{{ID: "docs", Command: "docs-check", Required: false}}
	outcome := Run(context.Background(), fake, clock.System(), "", steps, false)
	if !outcome.Passed {
		t.Fatal("optional failure must not block")
	}
}

func TestRun_StrictRequiredSkipBlocks(t *testing.T) {
	steps := []Step{{ID: "sec", Name: "Security scan", Command: "", Required: true}}

	relaxed := Run(context.Background(), runner.NewFake(), clock.System(), "", steps, false)
	if !relaxed.Passed {
		t.Fatal("required skip passes outside strict")
	}

	strict := Run(context.Background(), runner.NewFake(), clock.System(), "", steps, true)
	if strict.Passed {
		t.Fatal("required skip under strict is a failure")
	}
	failed := strict.FailedSteps()
	if len(failed) != 1 || failed[0].Status != StatusSkipped {
		t.Fatalf("unexpected failed steps: %+v", failed)
	}
}

func TestRun_CancelledMarksSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	steps := []Step{{ID: "unit", Command: "unit-tests", Required: true}}
	outcome := Run(ctx, runner.NewFake(), clock.System(), "", steps, false)
	if outcome.Results[0].Status != StatusSkipped || outcome.Results[0].SkipReason != "cancelled" {
		t.Fatalf("unexpected result: %+v", outcome.Results[0])
	}
}
