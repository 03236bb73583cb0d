package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sce-dev/sce/infrastructure/config"
	engerrors "github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/agent"
	"github.com/sce-dev/sce/internal/orchestrator"
	"github.com/sce-dev/sce/internal/specmeta"
)

func (a *app) handleOrchestrate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("orchestrate: no subcommand"))
	}
	switch args[0] {
	case "run":
		return a.orchestrateRun(ctx, args[1:])
	case "status":
		return a.orchestrateStatus()
	case "stop":
		return a.orchestrateStop()
	default:
		return usageError(fmt.Errorf("orchestrate: unknown subcommand %q", args[0]))
	}
}

func (a *app) orchestrateRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("orchestrate run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	specsFlag := fs.String("specs", "", "Spec IDs (comma separated; empty = all)")
	profile := fs.String("profile", "", "Runtime rate-limit profile override (conservative|balanced|aggressive)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	return a.orchestrateSpecs(ctx, config.SplitCSV(*specsFlag), *profile, nil)
}

// orchestrateSpecs runs the orchestration engine over the selected specs
// (all workspace specs when none are named).
func (a *app) orchestrateSpecs(ctx context.Context, specIDs []string, profileOverride string, specOptions map[string]string) error {
	provider := specmeta.NewFileProvider(a.store)
	var specs []specmeta.Spec
	if len(specIDs) == 0 {
		all, err := provider.List()
		if err != nil {
			return err
		}
		specs = all
	} else {
		for _, id := range specIDs {
			spec, err := provider.Get(id)
			if err != nil {
				return err
			}
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return engerrors.New(engerrors.CodeNotFound, "no specs to orchestrate")
	}

	cfg, err := orchestrator.LoadConfig(a.store)
	if err != nil {
		return err
	}
	params, err := orchestrator.ResolveParams(cfg, profileOverride)
	if err != nil {
		return err
	}

	launcher := &agent.ExecLauncher{
		Runner:  a.runner,
		Command: config.GetEnv("SCE_AGENT_COMMAND", "sce-agent"),
		Timeout: config.GetEnvDuration("SCE_AGENT_TIMEOUT", 30*time.Minute),
	}
	var observer orchestrator.Observer
	if !a.jsonOut {
		observer = func(ev orchestrator.Event) {
			if ev.Spec != "" {
				a.printf("%-24s %s", ev.Type, ev.Spec)
			} else {
				a.printf("%s", ev.Type)
			}
		}
	}

	engine := orchestrator.NewEngine(a.store, a.clock, a.log, a.metrics, launcher, observer)
	status, err := engine.Run(ctx, specs, params, specOptions)
	if err != nil {
		return err
	}

	if a.jsonOut {
		a.emitJSON("orchestrate-run", map[string]any{"status": toJSONValue(status)})
	} else {
		a.printf("orchestration %s: %d completed, %d failed of %d",
			status.Status, status.CompletedSpecs, status.FailedSpecs, status.TotalSpecs)
	}
	if status.Status == orchestrator.OrchFailed {
		return engerrors.New(engerrors.CodeGateBlock, "orchestration finished with failed specs").
			WithDetails("failed_specs", status.FailedSpecs)
	}
	return nil
}

func (a *app) orchestrateStatus() error {
	var status orchestrator.Status
	if err := a.store.ReadJSON(a.store.Layout().OrchestrationStatus(), &status); err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("orchestrate-status", map[string]any{"status": toJSONValue(status)})
		return nil
	}
	a.printf("%s: batch %d/%d, %d running, %d completed, %d failed (effective %d/%d)",
		status.Status, status.CurrentBatch, status.TotalBatches,
		status.RunningSpecs, status.CompletedSpecs, status.FailedSpecs,
		status.Parallel.Effective, status.Parallel.Max)
	return nil
}

// orchestrateStop marks a running persisted snapshot stopped and its
// pending specs skipped; a snapshot already terminal is left untouched
// (stop is idempotent). It only rewrites the snapshot file: an engine
// running in another process does not read it, so that engine's in-flight
// agents are not cancelled and its next snapshot write replaces this one.
// In-process cancellation is Engine.Stop.
func (a *app) orchestrateStop() error {
	var status orchestrator.Status
	err := a.store.ReadJSON(a.store.Layout().OrchestrationStatus(), &status)
	if err != nil {
		return err
	}
	if status.Status == orchestrator.OrchRunning {
		status.Status = orchestrator.OrchStopped
		status.Seq++
		for id, st := range status.Specs {
			if st.Status == orchestrator.SpecPending {
				status.Specs[id] = orchestrator.SpecState{Status: orchestrator.SpecSkipped}
			}
		}
		if err := a.store.WriteJSON(a.store.Layout().OrchestrationStatus(), status); err != nil {
			return err
		}
	}
	if a.jsonOut {
		a.emitJSON("orchestrate-stop", map[string]any{"status": status.Status})
		return nil
	}
	a.printf("orchestration %s", status.Status)
	return nil
}
