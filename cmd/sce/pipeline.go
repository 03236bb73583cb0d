package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/sce-dev/sce/infrastructure/config"
	"github.com/sce-dev/sce/internal/gate"
	"github.com/sce-dev/sce/internal/pipeline"
	"github.com/sce-dev/sce/internal/studio"
)

func (a *app) pipelineEngine(strictGateOut string) (*pipeline.Engine, error) {
	// The pipeline's gate stage reuses the studio gate declarations for
	// the standard profile.
	gates, err := studio.LoadGatesConfig(a.store)
	if err != nil {
		return nil, err
	}
	var steps []gate.Step
	if s, ok := gates.Verify[studio.ProfileStandard]; ok {
		steps = s
	}
	adapters := pipeline.DefaultAdapters(a.runner, a.clock, steps, strictGateOut)
	return pipeline.New(a.store, a.clock, a.log, a.metrics, adapters), nil
}

func (a *app) handlePipeline(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("pipeline: no subcommand"))
	}
	switch args[0] {
	case "run":
		return a.pipelineRun(ctx, args[1:])
	case "resume":
		return a.pipelineResume(ctx, args[1:])
	case "status":
		return a.pipelineStatus(args[1:])
	default:
		return usageError(fmt.Errorf("pipeline: unknown subcommand %q", args[0]))
	}
}

func (a *app) pipelineRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pipeline run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	specsFlag := fs.String("specs", "", "Spec IDs (comma separated)")
	failFast := fs.Bool("fail-fast", false, "Halt on the first failed stage")
	continueOnWarning := fs.Bool("continue-on-warning", false, "Advance past warning stages")
	strict := fs.Bool("strict", false, "Strict gate profile")
	fromStage := fs.String("from-stage", "", "First stage to execute")
	toStage := fs.String("to-stage", "", "Last stage to execute")
	gateOut := fs.String("gate-out", "", "Path for the gate report artifact")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	specs := config.SplitCSV(*specsFlag)
	if len(specs) == 0 {
		return usageError(errors.New("pipeline run: -specs is required"))
	}

	// Multiple specs default to orchestrate mode, forwarding the per-spec
	// options to the agent bootstrap.
	if len(specs) > 1 {
		return a.orchestrateSpecs(ctx, specs, "", map[string]string{
			"fail-fast":           fmt.Sprint(*failFast),
			"continue-on-warning": fmt.Sprint(*continueOnWarning),
			"strict":              fmt.Sprint(*strict),
		})
	}

	eng, err := a.pipelineEngine(*gateOut)
	if err != nil {
		return err
	}
	run, err := eng.Start(ctx, specs[0], pipeline.Options{
		FailFast:          *failFast,
		ContinueOnWarning: *continueOnWarning,
		Strict:            *strict,
		FromStage:         *fromStage,
		ToStage:           *toStage,
	})
	if err != nil {
		return err
	}
	return a.emitPipelineRun("pipeline-run", run)
}

func (a *app) pipelineResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pipeline resume", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	spec := fs.String("spec", "", "Spec ID")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	eng, err := a.pipelineEngine("")
	if err != nil {
		return err
	}
	run, err := eng.Resume(ctx, *spec)
	if err != nil {
		return err
	}
	return a.emitPipelineRun("pipeline-resume", run)
}

func (a *app) pipelineStatus(args []string) error {
	fs := flag.NewFlagSet("pipeline status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	spec := fs.String("spec", "", "Spec ID")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	eng, err := a.pipelineEngine("")
	if err != nil {
		return err
	}
	run, err := eng.Latest(*spec)
	if err != nil {
		return err
	}
	return a.emitPipelineRun("pipeline-status", run)
}

func (a *app) emitPipelineRun(mode string, run *pipeline.Run) error {
	if a.jsonOut {
		a.emitJSON(mode, map[string]any{"run": toJSONValue(run)})
	} else {
		a.printf("spec %s run %s: %s", run.SpecID, run.RunID, run.Status)
		for _, st := range run.Stages {
			a.printf("  %-12s %s", st.Name, st.Status)
		}
	}
	if run.Status == pipeline.RunFailed {
		return engerrGate("pipeline run failed", run)
	}
	return nil
}
