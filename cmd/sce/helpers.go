package main

import (
	"encoding/json"
	"fmt"

	engerrors "github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/errorbook"
	"github.com/sce-dev/sce/internal/gate"
	"github.com/sce-dev/sce/internal/pipeline"
)

// emitJSON prints a success document with its mode discriminator.
func (a *app) emitJSON(mode string, payload map[string]any) {
	doc := map[string]any{"mode": mode, "success": true}
	for k, v := range payload {
		doc[k] = v
	}
	a.emitted = true
	a.printJSON(doc)
}

// emitFailure prints the contractual failure document, unless the
// command already emitted its structured result (a blocked gate emits
// its full report instead).
func (a *app) emitFailure(err error) {
	if a.emitted {
		return
	}
	doc := map[string]any{"success": false, "error": err.Error()}
	if engineErr := engerrors.GetEngineError(err); engineErr != nil {
		doc["code"] = engineErr.Code
		if len(engineErr.Details) > 0 {
			doc["details"] = engineErr.Details
		}
	}
	a.printJSON(doc)
}

func (a *app) printJSON(doc map[string]any) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: marshal output: %v\n", err)
		return
	}
	fmt.Fprintln(a.stdout, string(data))
}

// printf writes human output unless JSON mode is active.
func (a *app) printf(format string, args ...any) {
	if a.jsonOut {
		return
	}
	fmt.Fprintf(a.stdout, format+"\n", args...)
}

// engErrGateBlocked converts a failed errorbook gate evaluation into the
// typed GateBlock error.
func engErrGateBlocked(result *errorbook.GateResult) error {
	blockers := append(append([]errorbook.Blocker{}, result.RiskBlocked...), result.MitigationBlocked...)
	return engerrors.GateBlocked("errorbook release gate blocked", blockers)
}

// engerrGate converts a failed pipeline run into the typed GateBlock
// error carrying the failed stage names.
func engerrGate(message string, run *pipeline.Run) error {
	var failed []string
	for _, st := range run.Stages {
		if st.Status == pipeline.StageFailed {
			failed = append(failed, st.Name)
		}
	}
	return engerrors.GateBlocked(message, failed)
}

// stepSummary compresses failed gate steps into blocker descriptors.
func stepSummary(steps []gate.StepResult) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		entry := map[string]any{"id": s.ID, "status": s.Status}
		if s.ExitCode != nil {
			entry["exit_code"] = *s.ExitCode
		}
		if s.SkipReason != "" {
			entry["skip_reason"] = s.SkipReason
		}
		out = append(out, entry)
	}
	return out
}

// toJSONValue round-trips a struct through encoding/json so it can be
// embedded in an emitJSON payload with its JSON field names.
func toJSONValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
