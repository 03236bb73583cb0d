package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	engerrors "github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/errorbook"
	"github.com/sce-dev/sce/internal/studio"
)

func (a *app) studioEngine() (*studio.Engine, error) {
	policy, err := studio.LoadSecurityPolicy(a.store)
	if err != nil {
		return nil, err
	}
	gates, err := studio.LoadGatesConfig(a.store)
	if err != nil {
		return nil, err
	}
	eb := errorbook.New(a.store, a.clock, a.log, a.metrics)
	return studio.New(a.store, a.clock, a.log, a.metrics, a.runner, eb, policy, gates), nil
}

func (a *app) handleStudio(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("studio: no subcommand"))
	}
	eng, err := a.studioEngine()
	if err != nil {
		return err
	}
	switch args[0] {
	case "plan":
		return a.studioPlan(eng, args[1:])
	case "generate":
		return a.studioGenerate(eng, args[1:])
	case "apply":
		return a.studioApply(eng, args[1:])
	case "verify":
		return a.studioVerify(ctx, eng, args[1:])
	case "release":
		return a.studioRelease(ctx, eng, args[1:])
	case "rollback":
		return a.studioRollback(eng, args[1:])
	case "status":
		return a.studioStatus(eng, args[1:])
	case "next":
		return a.studioNext(eng, args[1:])
	case "events":
		return a.studioEvents(eng, args[1:])
	default:
		return usageError(fmt.Errorf("studio: unknown subcommand %q", args[0]))
	}
}

// resolveJob loads the named job, or the latest one when no ID is given.
func (a *app) resolveJob(eng *studio.Engine, jobID string) (*studio.Job, error) {
	if jobID != "" {
		return eng.Get(jobID)
	}
	return eng.Latest()
}

func (a *app) studioPlan(eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio plan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fromChat := fs.String("from-chat", "", "Chat reference the plan derives from")
	goal := fs.String("goal", "", "Job goal")
	target := fs.String("target", "", "Job target")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := eng.Plan(studio.PlanInput{FromChat: *fromChat, Goal: *goal, Target: *target})
	if err != nil {
		return err
	}
	return a.emitJob("studio-plan", job)
}

func (a *app) studioGenerate(eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio generate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobID := fs.String("job", "", "Job ID (default: latest)")
	scene := fs.String("scene", "", "Scene ID")
	target := fs.String("target", "", "Target override")
	patchBundle := fs.String("patch-bundle", "", "Patch bundle ID override")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := a.resolveJob(eng, *jobID)
	if err != nil {
		return err
	}
	job, err = eng.Generate(job.JobID, studio.GenerateInput{
		SceneID: *scene, Target: *target, PatchBundle: *patchBundle,
	})
	if err != nil {
		return err
	}
	return a.emitJob("studio-generate", job)
}

func (a *app) studioApply(eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio apply", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobID := fs.String("job", "", "Job ID (default: latest)")
	patchBundle := fs.String("patch-bundle", "", "Patch bundle ID override")
	password := fs.String("password", "", "Authorization password when required")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := a.resolveJob(eng, *jobID)
	if err != nil {
		return err
	}
	job, err = eng.Apply(job.JobID, *patchBundle, *password)
	if err != nil {
		return err
	}
	return a.emitJob("studio-apply", job)
}

func (a *app) studioVerify(ctx context.Context, eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio verify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobID := fs.String("job", "", "Job ID (default: latest)")
	profile := fs.String("profile", studio.ProfileStandard, "Verify profile (fast|standard|strict)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := a.resolveJob(eng, *jobID)
	if err != nil {
		return err
	}
	job, report, err := eng.Verify(ctx, job.JobID, *profile)
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("studio-verify", map[string]any{
			"job":    toJSONValue(job),
			"report": toJSONValue(report),
		})
	} else {
		a.printf("job %s: %s (profile %s)", job.JobID, job.Status, *profile)
	}
	if job.Status == studio.JobVerifyFailed {
		return engerrors.GateBlocked("verify gate failed", stepSummary(report.Outcome.FailedSteps()))
	}
	return nil
}

func (a *app) studioRelease(ctx context.Context, eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio release", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobID := fs.String("job", "", "Job ID (default: latest)")
	channel := fs.String("channel", studio.ChannelDev, "Release channel (dev|prod)")
	profile := fs.String("profile", studio.ProfileStandard, "Release profile (standard|strict)")
	releaseRef := fs.String("ref", "", "Release reference override")
	password := fs.String("password", "", "Authorization password when required")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := a.resolveJob(eng, *jobID)
	if err != nil {
		return err
	}
	job, report, err := eng.Release(ctx, job.JobID, studio.ReleaseInput{
		Channel: *channel, Profile: *profile, ReleaseRef: *releaseRef, Password: *password,
	})
	if err != nil {
		if a.jsonOut && report != nil {
			a.emitJSON("studio-release", map[string]any{
				"job":    toJSONValue(job),
				"report": toJSONValue(report),
			})
		}
		return err
	}
	if a.jsonOut {
		a.emitJSON("studio-release", map[string]any{
			"job":    toJSONValue(job),
			"report": toJSONValue(report),
		})
	} else {
		a.printf("job %s: %s (channel %s)", job.JobID, job.Status, *channel)
	}
	if job.Status == studio.JobReleaseFailed {
		var failed []map[string]any
		if report.Outcome != nil {
			failed = stepSummary(report.Outcome.FailedSteps())
		}
		return engerrors.GateBlocked("release gate failed", failed)
	}
	return nil
}

func (a *app) studioRollback(eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio rollback", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobID := fs.String("job", "", "Job ID (default: latest)")
	reason := fs.String("reason", "", "Rollback reason")
	password := fs.String("password", "", "Authorization password when required")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := a.resolveJob(eng, *jobID)
	if err != nil {
		return err
	}
	job, err = eng.RollbackJob(job.JobID, *reason, *password)
	if err != nil {
		return err
	}
	return a.emitJob("studio-rollback", job)
}

func (a *app) studioStatus(eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobID := fs.String("job", "", "Job ID (default: latest)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := a.resolveJob(eng, *jobID)
	if err != nil {
		return err
	}
	return a.emitJob("studio-status", job)
}

func (a *app) studioNext(eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio next", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobID := fs.String("job", "", "Job ID (default: latest)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := a.resolveJob(eng, *jobID)
	if err != nil && !engerrors.HasCode(err, engerrors.CodeNotFound) {
		return err
	}
	next := studio.NextAction(job)
	if a.jsonOut {
		a.emitJSON("studio-next", map[string]any{"next": next})
		return nil
	}
	a.printf("%s", next)
	return nil
}

func (a *app) studioEvents(eng *studio.Engine, args []string) error {
	fs := flag.NewFlagSet("studio events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobID := fs.String("job", "", "Job ID (default: latest)")
	limit := fs.Int("limit", 0, "Keep only the newest N events")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	job, err := a.resolveJob(eng, *jobID)
	if err != nil {
		return err
	}
	events, err := eng.Events(job.JobID, *limit)
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("studio-events", map[string]any{
			"job_id": job.JobID,
			"events": toJSONValue(events),
			"count":  len(events),
		})
		return nil
	}
	for _, ev := range events {
		a.printf("%s  %s", ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.EventType)
	}
	return nil
}

func (a *app) emitJob(mode string, job *studio.Job) error {
	if a.jsonOut {
		a.emitJSON(mode, map[string]any{
			"job":  toJSONValue(job),
			"next": studio.NextAction(job),
		})
		return nil
	}
	a.printf("job %s: %s (next: %s)", job.JobID, job.Status, studio.NextAction(job))
	return nil
}
