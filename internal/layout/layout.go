// Package layout encodes the on-disk workspace layout. Every component
// receives a Layout value instead of assembling paths ad hoc.
package layout

import (
	"path/filepath"
)

// DefaultNamespace is the workspace directory prefix used when the caller
// does not select one.
const DefaultNamespace = ".sce"

// Layout resolves every contractual path under <root>/<namespace>.
type Layout struct {
	Root      string
	Namespace string
}

// New constructs a Layout for the given workspace root. An empty namespace
// selects DefaultNamespace.
func New(root, namespace string) Layout {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Layout{Root: root, Namespace: namespace}
}

// Base returns <root>/<namespace>.
func (l Layout) Base() string {
	return filepath.Join(l.Root, l.Namespace)
}

// Config paths

func (l Layout) ConfigDir() string {
	return filepath.Join(l.Base(), "config")
}

func (l Layout) OrchestratorConfig() string {
	return filepath.Join(l.ConfigDir(), "orchestrator.json")
}

func (l Layout) OrchestrationStatus() string {
	return filepath.Join(l.ConfigDir(), "orchestration-status.json")
}

func (l Layout) StudioSecurityPolicy() string {
	return filepath.Join(l.ConfigDir(), "studio-security.json")
}

func (l Layout) StudioGatesConfig() string {
	return filepath.Join(l.ConfigDir(), "studio-gates.json")
}

func (l Layout) ErrorbookRegistryConfig() string {
	return filepath.Join(l.ConfigDir(), "errorbook-registry.json")
}

// Spec paths

func (l Layout) SpecsDir() string {
	return filepath.Join(l.Base(), "specs")
}

func (l Layout) SpecDir(specID string) string {
	return filepath.Join(l.SpecsDir(), specID)
}

func (l Layout) SpecRequirements(specID string) string {
	return filepath.Join(l.SpecDir(specID), "requirements.md")
}

func (l Layout) SpecDesign(specID string) string {
	return filepath.Join(l.SpecDir(specID), "design.md")
}

func (l Layout) SpecTasks(specID string) string {
	return filepath.Join(l.SpecDir(specID), "tasks.md")
}

func (l Layout) SpecLock(specID string) string {
	return filepath.Join(l.SpecDir(specID), ".lock.json")
}

func (l Layout) PipelineRunsDir(specID string) string {
	return filepath.Join(l.SpecDir(specID), "pipeline", "runs")
}

func (l Layout) PipelineRun(specID, runID string) string {
	return filepath.Join(l.PipelineRunsDir(specID), runID+".json")
}

// Studio paths

func (l Layout) StudioJobsDir() string {
	return filepath.Join(l.Base(), "studio", "jobs")
}

func (l Layout) StudioJob(jobID string) string {
	return filepath.Join(l.StudioJobsDir(), jobID+".json")
}

func (l Layout) StudioEventsDir() string {
	return filepath.Join(l.Base(), "studio", "events")
}

func (l Layout) StudioEventLog(jobID string) string {
	return filepath.Join(l.StudioEventsDir(), jobID+".jsonl")
}

func (l Layout) StudioLatestJob() string {
	return filepath.Join(l.Base(), "studio", "latest-job.json")
}

// Errorbook paths

func (l Layout) ErrorbookDir() string {
	return filepath.Join(l.Base(), "errorbook")
}

func (l Layout) ErrorbookIndex() string {
	return filepath.Join(l.ErrorbookDir(), "index.json")
}

func (l Layout) ErrorbookEntriesDir() string {
	return filepath.Join(l.ErrorbookDir(), "entries")
}

func (l Layout) ErrorbookEntry(entryID string) string {
	return filepath.Join(l.ErrorbookEntriesDir(), entryID+".json")
}

func (l Layout) ErrorbookRegistryCache() string {
	return filepath.Join(l.ErrorbookDir(), "registry-cache.json")
}

func (l Layout) ErrorbookExportsDir() string {
	return filepath.Join(l.ErrorbookDir(), "exports")
}

func (l Layout) ErrorbookRegistryExport() string {
	return filepath.Join(l.ErrorbookExportsDir(), "errorbook-registry-export.json")
}

// Report paths

func (l Layout) StudioReportsDir() string {
	return filepath.Join(l.Base(), "reports", "studio")
}

func (l Layout) VerifyReport(jobID string) string {
	return filepath.Join(l.StudioReportsDir(), "verify-"+jobID+".json")
}

func (l Layout) ReleaseReport(jobID string) string {
	return filepath.Join(l.StudioReportsDir(), "release-"+jobID+".json")
}
