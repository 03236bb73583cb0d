package studio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/infrastructure/logging"
	"github.com/sce-dev/sce/infrastructure/metrics"
	"github.com/sce-dev/sce/internal/errorbook"
	"github.com/sce-dev/sce/internal/gate"
	"github.com/sce-dev/sce/internal/runner"
	"github.com/sce-dev/sce/internal/store"
)

// stderrPrefixLen bounds the stderr prefix folded into an auto-recorded
// entry's fingerprint.
const stderrPrefixLen = 64

// Engine drives studio jobs through their transitions.
type Engine struct {
	store     *store.Store
	clock     clock.Clock
	log       *logging.Logger
	metrics   *metrics.Metrics
	runner    runner.CommandRunner
	errorbook *errorbook.Engine
	policy    SecurityPolicy
	gates     GatesConfig
	workdir   string
}

// New constructs a studio Engine.
func New(st *store.Store, clk clock.Clock, log *logging.Logger, m *metrics.Metrics,
	run runner.CommandRunner, eb *errorbook.Engine, policy SecurityPolicy, gates GatesConfig) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logging.Discard()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{
		store: st, clock: clk, log: log, metrics: m,
		runner: run, errorbook: eb, policy: policy, gates: gates,
	}
}

// PlanInput starts a new job.
type PlanInput struct {
	FromChat string
	Goal     string
	Target   string
}

// Plan creates a job with its plan stage completed.
func (e *Engine) Plan(in PlanInput) (*Job, error) {
	if strings.TrimSpace(in.FromChat) == "" {
		return nil, errors.MissingParameter("from_chat")
	}
	now := e.clock.Now().UTC()
	job := &Job{
		JobID:     "job-" + uuid.NewString()[:8],
		Status:    JobPlanned,
		Goal:      strings.TrimSpace(in.Goal),
		Target:    strings.TrimSpace(in.Target),
		Stages:    make(map[string]StageState, len(StageOrder)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, stage := range StageOrder {
		job.Stages[stage] = StageState{Status: StagePending}
	}
	e.completeStage(job, StagePlan, map[string]any{"from_chat": in.FromChat, "goal": job.Goal})

	if err := e.persist(job); err != nil {
		return nil, err
	}
	e.appendEvent(job, "stage.plan.completed", map[string]any{"goal": job.Goal, "target": job.Target})
	e.metrics.StageTransitionsTotal.WithLabelValues(StagePlan, "completed").Inc()
	return job, nil
}

// GenerateInput parameterizes the generate transition.
type GenerateInput struct {
	SceneID     string
	Target      string
	PatchBundle string
}

// Generate produces the patch bundle for a planned job.
func (e *Engine) Generate(jobID string, in GenerateInput) (*Job, error) {
	job, err := e.Get(jobID)
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(job, StageGenerate, StagePlan); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.SceneID) == "" {
		return nil, errors.MissingParameter("scene_id")
	}

	job.SceneID = strings.TrimSpace(in.SceneID)
	if in.Target != "" {
		job.Target = strings.TrimSpace(in.Target)
	}
	job.Artifacts.PatchBundleID = strings.TrimSpace(in.PatchBundle)
	if job.Artifacts.PatchBundleID == "" {
		job.Artifacts.PatchBundleID = "pb-" + uuid.NewString()[:8]
	}
	e.completeStage(job, StageGenerate, map[string]any{"scene_id": job.SceneID})
	job.Status = JobGenerated

	if err := e.persist(job); err != nil {
		return nil, err
	}
	e.appendEvent(job, "stage.generate.completed", map[string]any{
		"scene_id": job.SceneID, "patch_bundle_id": job.Artifacts.PatchBundleID,
	})
	e.metrics.StageTransitionsTotal.WithLabelValues(StageGenerate, "completed").Inc()
	return job, nil
}

// Apply binds the patch bundle and marks the job applied. Apply is a
// privileged transition when the policy says so.
func (e *Engine) Apply(jobID, patchBundle, password string) (*Job, error) {
	job, err := e.Get(jobID)
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(job, StageApply, StageGenerate); err != nil {
		return nil, err
	}
	if err := e.authorize(job, StageApply, password); err != nil {
		return nil, err
	}

	if patchBundle != "" {
		job.Artifacts.PatchBundleID = strings.TrimSpace(patchBundle)
	}
	e.completeStage(job, StageApply, map[string]any{"patch_bundle_id": job.Artifacts.PatchBundleID})
	job.Status = JobApplied

	if err := e.persist(job); err != nil {
		return nil, err
	}
	e.appendEvent(job, "stage.apply.completed", map[string]any{"patch_bundle_id": job.Artifacts.PatchBundleID})
	e.metrics.StageTransitionsTotal.WithLabelValues(StageApply, "completed").Inc()
	return job, nil
}

// VerifyReport is the persisted verify report document.
type VerifyReport struct {
	JobID       string       `json:"job_id"`
	Profile     string       `json:"profile"`
	Outcome     gate.Outcome `json:"outcome"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Verify runs the profile's declared gate steps. All required steps must
// pass; under strict a required-step skip also fails. Each failing
// required step auto-records an errorbook candidate.
func (e *Engine) Verify(ctx context.Context, jobID, profile string) (*Job, *VerifyReport, error) {
	job, err := e.Get(jobID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.requireStage(job, StageVerify, StageApply); err != nil {
		return nil, nil, err
	}
	if profile == "" {
		profile = ProfileStandard
	}
	steps, err := e.gates.VerifySteps(profile)
	if err != nil {
		return nil, nil, err
	}

	strict := profile == ProfileStrict
	outcome := gate.Run(ctx, e.runner, e.clock, e.workdir, steps, strict)
	for _, res := range outcome.Results {
		e.metrics.GateStepsTotal.WithLabelValues(profile, res.Status).Inc()
	}

	report := &VerifyReport{
		JobID:       job.JobID,
		Profile:     profile,
		Outcome:     outcome,
		GeneratedAt: e.clock.Now().UTC(),
	}
	reportPath := e.store.Layout().VerifyReport(job.JobID)
	if err := e.store.WriteJSON(reportPath, report); err != nil {
		return nil, nil, err
	}
	job.Artifacts.VerifyReportPath = reportPath

	if !outcome.Passed {
		e.failStage(job, StageVerify, map[string]any{"profile": profile})
		job.Status = JobVerifyFailed
		if err := e.persist(job); err != nil {
			return nil, nil, err
		}
		failed := outcome.FailedSteps()
		e.recordGateFailures(job, StageVerify, profile, failed)
		e.appendEvent(job, "stage.verify.failed", map[string]any{
			"profile": profile, "failed_steps": stepIDs(failed), "report": reportPath,
		})
		e.metrics.StageTransitionsTotal.WithLabelValues(StageVerify, "failed").Inc()
		return job, report, nil
	}

	e.completeStage(job, StageVerify, map[string]any{"profile": profile})
	job.Status = JobVerified
	if err := e.persist(job); err != nil {
		return nil, nil, err
	}
	e.appendEvent(job, "stage.verify.completed", map[string]any{"profile": profile, "report": reportPath})
	e.metrics.StageTransitionsTotal.WithLabelValues(StageVerify, "completed").Inc()
	return job, report, nil
}

// ReleaseInput parameterizes the release transition.
type ReleaseInput struct {
	Channel    string
	Profile    string
	ReleaseRef string
	Password   string
}

// ReleaseReport is the persisted release report document.
type ReleaseReport struct {
	JobID       string                `json:"job_id"`
	Channel     string                `json:"channel"`
	Profile     string                `json:"profile"`
	Errorbook   *errorbook.GateResult `json:"errorbook_gate,omitempty"`
	Outcome     *gate.Outcome         `json:"outcome,omitempty"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// Release consults the errorbook release gate, then runs the release
// profile's steps. Both must pass for the job to reach released.
func (e *Engine) Release(ctx context.Context, jobID string, in ReleaseInput) (*Job, *ReleaseReport, error) {
	job, err := e.Get(jobID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.requireStage(job, StageRelease, StageVerify); err != nil {
		return nil, nil, err
	}
	if in.Channel == "" {
		in.Channel = ChannelDev
	}
	if in.Channel != ChannelDev && in.Channel != ChannelProd {
		return nil, nil, errors.UnknownEnum("channel", in.Channel, []string{ChannelDev, ChannelProd})
	}
	if in.Profile == "" {
		in.Profile = ProfileStandard
	}
	steps, err := e.gates.ReleaseSteps(in.Profile)
	if err != nil {
		return nil, nil, err
	}
	if err := e.authorize(job, StageRelease, in.Password); err != nil {
		return nil, nil, err
	}

	report := &ReleaseReport{
		JobID:   job.JobID,
		Channel: in.Channel,
		Profile: in.Profile,
	}
	reportPath := e.store.Layout().ReleaseReport(job.JobID)

	// The errorbook gate runs first: prod releases block on medium risk
	// and verified entries, dev only on high-risk candidates.
	gateOpts := errorbook.GateOptions{MinRisk: errorbook.RiskHigh}
	if in.Channel == ChannelProd {
		gateOpts = errorbook.GateOptions{MinRisk: errorbook.RiskMedium, IncludeVerified: true}
	}
	ebResult, err := e.errorbook.ReleaseGate(gateOpts)
	if err != nil {
		return nil, nil, err
	}
	report.Errorbook = ebResult
	if !ebResult.Passed {
		report.GeneratedAt = e.clock.Now().UTC()
		if err := e.store.WriteJSON(reportPath, report); err != nil {
			return nil, nil, err
		}
		e.failStage(job, StageRelease, map[string]any{"channel": in.Channel, "reason": "errorbook gate blocked"})
		job.Status = JobReleaseFailed
		job.Artifacts.ReleaseReportPath = reportPath
		if err := e.persist(job); err != nil {
			return nil, nil, err
		}
		e.appendEvent(job, "stage.release.failed", map[string]any{
			"channel": in.Channel, "reason": "errorbook gate blocked",
			"blocked_count": ebResult.BlockedCount,
		})
		e.metrics.StageTransitionsTotal.WithLabelValues(StageRelease, "failed").Inc()
		blockers := append(append([]errorbook.Blocker{}, ebResult.RiskBlocked...), ebResult.MitigationBlocked...)
		return job, report, errors.GateBlocked("errorbook release gate blocked", blockers)
	}

	strict := in.Profile == ProfileStrict
	outcome := gate.Run(ctx, e.runner, e.clock, e.workdir, steps, strict)
	for _, res := range outcome.Results {
		e.metrics.GateStepsTotal.WithLabelValues(in.Profile, res.Status).Inc()
	}
	report.Outcome = &outcome
	report.GeneratedAt = e.clock.Now().UTC()
	if err := e.store.WriteJSON(reportPath, report); err != nil {
		return nil, nil, err
	}
	job.Artifacts.ReleaseReportPath = reportPath

	if !outcome.Passed {
		e.failStage(job, StageRelease, map[string]any{"channel": in.Channel, "profile": in.Profile})
		job.Status = JobReleaseFailed
		if err := e.persist(job); err != nil {
			return nil, nil, err
		}
		failed := outcome.FailedSteps()
		e.recordGateFailures(job, StageRelease, in.Profile, failed)
		e.appendEvent(job, "stage.release.failed", map[string]any{
			"channel": in.Channel, "profile": in.Profile, "failed_steps": stepIDs(failed),
		})
		e.metrics.StageTransitionsTotal.WithLabelValues(StageRelease, "failed").Inc()
		return job, report, nil
	}

	job.Artifacts.ReleaseRef = strings.TrimSpace(in.ReleaseRef)
	if job.Artifacts.ReleaseRef == "" {
		job.Artifacts.ReleaseRef = fmt.Sprintf("release/%s/%s", in.Channel, job.JobID)
	}
	e.completeStage(job, StageRelease, map[string]any{"channel": in.Channel, "release_ref": job.Artifacts.ReleaseRef})
	job.Status = JobReleased
	if err := e.persist(job); err != nil {
		return nil, nil, err
	}
	e.appendEvent(job, "stage.release.completed", map[string]any{
		"channel": in.Channel, "release_ref": job.Artifacts.ReleaseRef,
	})
	e.metrics.StageTransitionsTotal.WithLabelValues(StageRelease, "completed").Inc()
	return job, report, nil
}

// RollbackJob marks the job terminally rolled back. Legal only after
// apply completed.
func (e *Engine) RollbackJob(jobID, reason, password string) (*Job, error) {
	job, err := e.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.RolledBack() {
		return nil, errors.ForbiddenTransition(JobRolledBack, JobRolledBack).
			WithDetails("job", jobID)
	}
	if !job.stageCompleted(StageApply) {
		return nil, errors.Precondition("rollback requires a completed apply").
			WithDetails("job", jobID)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.MissingParameter("reason")
	}
	if err := e.authorize(job, "rollback", password); err != nil {
		return nil, err
	}

	job.Status = JobRolledBack
	job.Rollback = &Rollback{Reason: strings.TrimSpace(reason), RolledBackAt: e.clock.Now().UTC()}
	if err := e.persist(job); err != nil {
		return nil, err
	}
	e.appendEvent(job, "job.rolled_back", map[string]any{"reason": job.Rollback.Reason})
	e.metrics.StageTransitionsTotal.WithLabelValues("rollback", "completed").Inc()
	return job, nil
}

// Get loads a job by ID.
func (e *Engine) Get(jobID string) (*Job, error) {
	var job Job
	if err := e.store.ReadJSON(e.store.Layout().StudioJob(jobID), &job); err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return nil, errors.NotFound("studio job", jobID)
		}
		return nil, err
	}
	return &job, nil
}

// Latest loads the most recently persisted job, via latest-job.json.
func (e *Engine) Latest() (*Job, error) {
	var pointer struct {
		JobID string `json:"job_id"`
	}
	if err := e.store.ReadJSON(e.store.Layout().StudioLatestJob(), &pointer); err != nil {
		return nil, err
	}
	return e.Get(pointer.JobID)
}

// Events returns the job's event log, newest-limit truncated by line
// count.
func (e *Engine) Events(jobID string, limit int) ([]store.Event, error) {
	return e.store.ReadEvents(e.store.Layout().StudioEventLog(jobID), limit)
}

// requireStage enforces the linear order: the stage before target must
// be completed and the job must not be rolled back. Violations mutate
// nothing.
func (e *Engine) requireStage(job *Job, target, prerequisite string) error {
	if job.RolledBack() {
		return errors.ForbiddenTransition(JobRolledBack, target).
			WithDetails("job", job.JobID).
			WithDetails("hint", "start a new plan")
	}
	if !job.stageCompleted(prerequisite) {
		return errors.StagePrerequisite(target, prerequisite).WithDetails("job", job.JobID)
	}
	return nil
}

// authorize gates a privileged transition. A failure emits the
// stage.<name>.failed event with reason authorization_failure and leaves
// the job untouched.
func (e *Engine) authorize(job *Job, transition, password string) error {
	err := e.policy.Authorize(transition, password)
	if err == nil {
		return nil
	}
	e.appendEvent(job, "stage."+transition+".failed", map[string]any{"reason": "authorization_failure"})
	e.metrics.StageTransitionsTotal.WithLabelValues(transition, "unauthorized").Inc()
	return err
}

// recordGateFailures auto-records one errorbook candidate per failing
// required step, with a fingerprint deterministic over the transition
// inputs.
func (e *Engine) recordGateFailures(job *Job, stage, profile string, failed []gate.StepResult) {
	for _, step := range failed {
		exitCode := ""
		if step.ExitCode != nil {
			exitCode = fmt.Sprintf("%d", *step.ExitCode)
		}
		stderr := step.Output.Stderr
		if len(stderr) > stderrPrefixLen {
			stderr = stderr[:stderrPrefixLen]
		}

		title := fmt.Sprintf("%s gate step %s failed", stage, step.ID)
		symptom := fmt.Sprintf("profile=%s job=%s step=%s command=%s exit_code=%s skip_reason=%s stderr=%s",
			profile, job.JobID, step.ID, step.Command, exitCode, step.SkipReason, stderr)
		rootCause := fmt.Sprintf("gate command %q did not pass during %s", step.Command, stage)
		if step.Status == gate.StatusSkipped {
			rootCause = fmt.Sprintf("required gate step %s was skipped under strict profile", step.ID)
		}

		_, _, err := e.errorbook.Record(errorbook.RecordInput{
			Title:     title,
			Symptom:   symptom,
			RootCause: rootCause,
			Tags:      []string{"studio", stage},
			Source:    "studio-" + stage,
		})
		if err != nil {
			e.log.WithJob(job.JobID).Warnf("auto-record gate failure: %v", err)
		}
	}
}

func (e *Engine) completeStage(job *Job, stage string, metadata map[string]any) {
	now := e.clock.Now().UTC()
	job.Stages[stage] = StageState{Status: StageCompleted, CompletedAt: &now, Metadata: metadata}
}

func (e *Engine) failStage(job *Job, stage string, metadata map[string]any) {
	job.Stages[stage] = StageState{Status: StageFailed, Metadata: metadata}
}

// persist writes the job and refreshes the latest-job pointer.
func (e *Engine) persist(job *Job) error {
	job.UpdatedAt = e.clock.Now().UTC()
	if err := e.store.WriteJSON(e.store.Layout().StudioJob(job.JobID), job); err != nil {
		return err
	}
	return e.store.WriteJSON(e.store.Layout().StudioLatestJob(), map[string]any{
		"job_id":     job.JobID,
		"status":     job.Status,
		"updated_at": job.UpdatedAt,
	})
}

// appendEvent appends to the per-job event log; failures are logged, not
// fatal to the transition.
func (e *Engine) appendEvent(job *Job, eventType string, metadata map[string]any) {
	path := e.store.Layout().StudioEventLog(job.JobID)
	if _, err := e.store.AppendEvent(path, job.JobID, eventType, metadata); err != nil {
		e.log.WithJob(job.JobID).Warnf("append event %s: %v", eventType, err)
	}
}

func stepIDs(steps []gate.StepResult) []string {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	return ids
}
