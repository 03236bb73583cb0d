package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	engerrors "github.com/sce-dev/sce/infrastructure/errors"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer, string) {
	t.Helper()
	var out bytes.Buffer
	root := t.TempDir()
	return &app{stdout: &out, stderr: os.Stderr}, &out, root
}

func runApp(t *testing.T, a *app, root string, args ...string) error {
	t.Helper()
	full := append([]string{"-root", root, "-json"}, args...)
	return a.run(context.Background(), full)
}

func decodeJSON(t *testing.T, out *bytes.Buffer) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	return doc
}

func TestRun_NoCommandIsUsageError(t *testing.T) {
	a, _, root := newTestApp(t)
	err := a.run(context.Background(), []string{"-root", root})
	if engerrors.ExitCode(err) != engerrors.ExitUsage {
		t.Fatalf("expected usage exit code, got %v", err)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	a, _, root := newTestApp(t)
	err := a.run(context.Background(), []string{"-root", root, "frobnicate"})
	if engerrors.ExitCode(err) != engerrors.ExitUsage {
		t.Fatalf("expected usage exit code, got %v", err)
	}
}

func TestErrorbookRecord_JSONMode(t *testing.T) {
	a, out, root := newTestApp(t)
	err := runApp(t, a, root, "errorbook", "record",
		"-title", "Hash mismatch",
		"-symptom", "sha256 differs",
		"-root-cause", "partial write",
		"-fix", "retry,fsync")
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	doc := decodeJSON(t, out)
	if doc["mode"] != "errorbook-record" {
		t.Fatalf("missing mode discriminator: %v", doc)
	}
	if doc["success"] != true {
		t.Fatalf("expected success: %v", doc)
	}
	entry := doc["entry"].(map[string]any)
	if entry["quality_score"].(float64) != 73 {
		t.Fatalf("unexpected quality score: %v", entry["quality_score"])
	}
}

func TestErrorbookRecord_FailureJSON(t *testing.T) {
	a, out, root := newTestApp(t)
	err := runApp(t, a, root, "errorbook", "record", "-symptom", "no title")
	if err == nil {
		t.Fatal("expected validation error")
	}
	doc := decodeJSON(t, out)
	if doc["success"] != false {
		t.Fatalf("expected failure document: %v", doc)
	}
	if doc["error"] == "" {
		t.Fatalf("expected error string: %v", doc)
	}
	if engerrors.ExitCode(err) != engerrors.ExitUsage {
		t.Fatalf("missing parameter maps to usage exit code, got %v", err)
	}
}

func TestErrorbookReleaseGate_BlockedExitCode(t *testing.T) {
	a, _, root := newTestApp(t)
	if err := runApp(t, a, root, "errorbook", "record",
		"-title", "Token leak", "-symptom", "token in logs", "-tags", "security"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	a2 := &app{stdout: &bytes.Buffer{}, stderr: os.Stderr}
	err := runApp(t, a2, root, "errorbook", "release-gate", "-min-risk", "high")
	if !engerrors.HasCode(err, engerrors.CodeGateBlock) {
		t.Fatalf("expected GateBlock, got %v", err)
	}
	if engerrors.ExitCode(err) != engerrors.ExitFail {
		t.Fatalf("gate block is an operational failure, got %v", err)
	}
}

func TestStudioFlow_JSONMode(t *testing.T) {
	a, out, root := newTestApp(t)
	if err := runApp(t, a, root, "studio", "plan", "-from-chat", "chat-1", "-goal", "ship it"); err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	doc := decodeJSON(t, out)
	if doc["mode"] != "studio-plan" {
		t.Fatalf("missing mode: %v", doc)
	}
	if doc["next"] != "studio generate" {
		t.Fatalf("unexpected next action: %v", doc["next"])
	}

	out2 := &bytes.Buffer{}
	a2 := &app{stdout: out2, stderr: os.Stderr}
	if err := runApp(t, a2, root, "studio", "next"); err != nil {
		t.Fatalf("next failed: %v", err)
	}
	doc2 := decodeJSON(t, out2)
	if doc2["next"] != "studio generate" {
		t.Fatalf("unexpected next: %v", doc2)
	}
}

func TestPipelineRun_MissingSpecs(t *testing.T) {
	a, _, root := newTestApp(t)
	err := runApp(t, a, root, "pipeline", "run")
	if engerrors.ExitCode(err) != engerrors.ExitUsage {
		t.Fatalf("expected usage exit, got %v", err)
	}
}
