package layout

import (
	"path/filepath"
	"testing"
)

func TestNew_DefaultNamespace(t *testing.T) {
	l := New("/work", "")
	if l.Base() != filepath.Join("/work", ".sce") {
		t.Fatalf("unexpected base: %s", l.Base())
	}
}

func TestLayout_Paths(t *testing.T) {
	l := New("/work", ".kiro")

	cases := map[string]string{
		l.OrchestratorConfig():      "/work/.kiro/config/orchestrator.json",
		l.OrchestrationStatus():     "/work/.kiro/config/orchestration-status.json",
		l.StudioSecurityPolicy():    "/work/.kiro/config/studio-security.json",
		l.ErrorbookRegistryConfig(): "/work/.kiro/config/errorbook-registry.json",
		l.SpecRequirements("auth"):  "/work/.kiro/specs/auth/requirements.md",
		l.PipelineRun("auth", "r1"): "/work/.kiro/specs/auth/pipeline/runs/r1.json",
		l.StudioJob("j1"):           "/work/.kiro/studio/jobs/j1.json",
		l.StudioEventLog("j1"):      "/work/.kiro/studio/events/j1.jsonl",
		l.StudioLatestJob():         "/work/.kiro/studio/latest-job.json",
		l.ErrorbookIndex():          "/work/.kiro/errorbook/index.json",
		l.ErrorbookEntry("e1"):      "/work/.kiro/errorbook/entries/e1.json",
		l.ErrorbookRegistryCache():  "/work/.kiro/errorbook/registry-cache.json",
		l.ErrorbookRegistryExport(): "/work/.kiro/errorbook/exports/errorbook-registry-export.json",
		l.VerifyReport("j1"):        "/work/.kiro/reports/studio/verify-j1.json",
		l.ReleaseReport("j1"):       "/work/.kiro/reports/studio/release-j1.json",
		l.SpecLock("auth"):          "/work/.kiro/specs/auth/.lock.json",
	}
	for got, want := range cases {
		if got != filepath.FromSlash(want) {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}
