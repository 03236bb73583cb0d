package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/sce-dev/sce/infrastructure/config"
	"github.com/sce-dev/sce/internal/errorbook"
)

func (a *app) errorbookEngine() *errorbook.Engine {
	return errorbook.New(a.store, a.clock, a.log, a.metrics)
}

func (a *app) errorbookRegistry(eng *errorbook.Engine) (*errorbook.Registry, error) {
	cfg, err := eng.LoadRegistryConfig()
	if err != nil {
		return nil, err
	}
	return errorbook.NewRegistry(eng, cfg, nil), nil
}

func (a *app) handleErrorbook(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("errorbook: no subcommand"))
	}
	eng := a.errorbookEngine()

	switch args[0] {
	case "record":
		return a.errorbookRecord(eng, args[1:])
	case "show":
		return a.errorbookShow(eng, args[1:])
	case "list":
		return a.errorbookList(eng)
	case "promote":
		return a.errorbookTransition(eng, "promote", args[1:])
	case "verify":
		return a.errorbookVerify(eng, args[1:])
	case "deprecate":
		return a.errorbookTransition(eng, "deprecate", args[1:])
	case "requalify":
		return a.errorbookRequalify(eng, args[1:])
	case "mitigation":
		return a.errorbookMitigation(eng, args[1:])
	case "resolve-mitigation":
		return a.errorbookTransition(eng, "resolve-mitigation", args[1:])
	case "release-gate":
		return a.errorbookReleaseGate(eng, args[1:])
	case "find":
		return a.errorbookFind(ctx, eng, args[1:])
	case "sync":
		return a.errorbookSync(ctx, eng, args[1:])
	case "export":
		return a.errorbookExport(eng)
	case "health-registry":
		return a.errorbookHealth(ctx, eng, args[1:])
	case "rebuild-index":
		return a.errorbookRebuildIndex(eng)
	default:
		return usageError(fmt.Errorf("errorbook: unknown subcommand %q", args[0]))
	}
}

func (a *app) errorbookRecord(eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook record", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	title := fs.String("title", "", "Entry title")
	symptom := fs.String("symptom", "", "Observed symptom")
	rootCause := fs.String("root-cause", "", "Root cause")
	fix := fs.String("fix", "", "Fix actions (comma separated)")
	verification := fs.String("verification", "", "Verification evidence (comma separated)")
	tags := fs.String("tags", "", "Tags (comma separated)")
	ontology := fs.String("ontology", "", "Ontology tags (comma separated)")
	status := fs.String("status", "", "Initial status (candidate|verified|deprecated)")
	source := fs.String("source", "", "Origin label")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	entry, merged, err := eng.Record(errorbook.RecordInput{
		Title:                *title,
		Symptom:              *symptom,
		RootCause:            *rootCause,
		FixActions:           config.SplitCSV(*fix),
		VerificationEvidence: config.SplitCSV(*verification),
		Tags:                 config.SplitCSV(*tags),
		OntologyTags:         config.SplitCSV(*ontology),
		Status:               errorbook.Status(*status),
		Source:               *source,
	})
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-record", map[string]any{
			"entry":  toJSONValue(entry),
			"merged": merged,
		})
		return nil
	}
	verb := "recorded"
	if merged {
		verb = "merged into"
	}
	a.printf("%s %s (fingerprint %s, occurrences %d, quality %d)",
		verb, entry.ID, entry.Fingerprint, entry.Occurrences, entry.QualityScore)
	return nil
}

func (a *app) errorbookShow(eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "Entry ID")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	entry, err := eng.Get(*id)
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-show", map[string]any{"entry": toJSONValue(entry)})
		return nil
	}
	a.printf("%s [%s] quality=%d risk=%s occurrences=%d\n  %s",
		entry.ID, entry.Status, entry.QualityScore, errorbook.EvaluateRisk(entry), entry.Occurrences, entry.Title)
	return nil
}

func (a *app) errorbookList(eng *errorbook.Engine) error {
	entries, err := eng.List()
	if err != nil {
		return err
	}
	if a.jsonOut {
		summaries := make([]any, 0, len(entries))
		for _, e := range entries {
			summaries = append(summaries, toJSONValue(e))
		}
		a.emitJSON("errorbook-list", map[string]any{"entries": summaries, "count": len(entries)})
		return nil
	}
	for _, e := range entries {
		a.printf("%s  %-10s q=%-3d x%-3d %s", e.ID, e.Status, e.QualityScore, e.Occurrences, e.Title)
	}
	a.printf("%d entries", len(entries))
	return nil
}

func (a *app) errorbookTransition(eng *errorbook.Engine, op string, args []string) error {
	fs := flag.NewFlagSet("errorbook "+op, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "Entry ID")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	var entry *errorbook.Entry
	var err error
	switch op {
	case "promote":
		entry, err = eng.Promote(*id)
	case "deprecate":
		entry, err = eng.Deprecate(*id)
	case "resolve-mitigation":
		entry, err = eng.ResolveMitigation(*id)
	}
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-"+op, map[string]any{"entry": toJSONValue(entry)})
		return nil
	}
	a.printf("%s: %s is now %s", op, entry.ID, entry.Status)
	return nil
}

func (a *app) errorbookVerify(eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook verify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "Entry ID")
	evidence := fs.String("evidence", "", "Verification evidence (comma separated)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	entry, err := eng.Verify(*id, config.SplitCSV(*evidence))
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-verify", map[string]any{"entry": toJSONValue(entry)})
		return nil
	}
	a.printf("verify: %s is now %s", entry.ID, entry.Status)
	return nil
}

func (a *app) errorbookRequalify(eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook requalify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "Entry ID")
	to := fs.String("to", "candidate", "Target status (candidate|verified)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	entry, err := eng.Requalify(*id, errorbook.Status(*to))
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-requalify", map[string]any{"entry": toJSONValue(entry)})
		return nil
	}
	a.printf("requalify: %s is now %s", entry.ID, entry.Status)
	return nil
}

func (a *app) errorbookMitigation(eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook mitigation", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "Entry ID")
	exitCriteria := fs.String("exit-criteria", "", "Condition for removing the mitigation")
	cleanupTask := fs.String("cleanup-task", "", "Tracked cleanup task reference")
	deadline := fs.String("deadline", "", "RFC3339 deadline")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	entry, err := eng.SetMitigation(*id, errorbook.Mitigation{
		Enabled:      true,
		ExitCriteria: *exitCriteria,
		CleanupTask:  *cleanupTask,
		DeadlineAt:   *deadline,
	})
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-mitigation", map[string]any{"entry": toJSONValue(entry)})
		return nil
	}
	a.printf("mitigation attached to %s", entry.ID)
	return nil
}

func (a *app) errorbookReleaseGate(eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook release-gate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	minRisk := fs.String("min-risk", "high", "Minimum blocking risk (low|medium|high)")
	includeVerified := fs.Bool("include-verified", false, "Also block on verified entries")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	result, err := eng.ReleaseGate(errorbook.GateOptions{
		MinRisk:         errorbook.Risk(*minRisk),
		IncludeVerified: *includeVerified,
	})
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-release-gate", map[string]any{
			"passed":        result.Passed,
			"blocked_count": result.BlockedCount,
			"result":        toJSONValue(result),
		})
	} else if result.Passed {
		a.printf("release gate passed (%d entries evaluated)", result.EvaluatedEntries)
	} else {
		a.printf("release gate BLOCKED: %d risk, %d mitigation",
			len(result.RiskBlocked), len(result.MitigationBlocked))
	}
	if !result.Passed {
		return engErrGateBlocked(result)
	}
	return nil
}

func (a *app) errorbookFind(ctx context.Context, eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook find", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	query := fs.String("query", "", "Search query")
	mode := fs.String("mode", errorbook.SearchModeHybrid, "Search mode (cache|remote|hybrid)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	reg, err := a.errorbookRegistry(eng)
	if err != nil {
		return err
	}
	result, err := reg.Search(ctx, *query, *mode)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		a.log.Warnf("find: %s", w)
	}
	if a.jsonOut {
		a.emitJSON("errorbook-find", map[string]any{
			"matches":  toJSONValue(result.Matches),
			"warnings": result.Warnings,
			"count":    len(result.Matches),
		})
		return nil
	}
	for _, m := range result.Matches {
		a.printf("%6.1f  %-10s %s (%s)", m.MatchScore, m.Status, m.Title, m.Fingerprint)
	}
	a.printf("%d matches", len(result.Matches))
	return nil
}

func (a *app) errorbookSync(ctx context.Context, eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	source := fs.String("source", "", "Registry source name")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	reg, err := a.errorbookRegistry(eng)
	if err != nil {
		return err
	}
	n, err := reg.Sync(ctx, *source)
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-sync", map[string]any{"source": *source, "entries": n})
		return nil
	}
	a.printf("synced %d entries from %s", n, *source)
	return nil
}

func (a *app) errorbookExport(eng *errorbook.Engine) error {
	doc, err := eng.Export()
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-export", map[string]any{
			"entries": len(doc.Entries),
			"path":    a.store.Layout().ErrorbookRegistryExport(),
		})
		return nil
	}
	a.printf("exported %d entries", len(doc.Entries))
	return nil
}

func (a *app) errorbookHealth(ctx context.Context, eng *errorbook.Engine, args []string) error {
	fs := flag.NewFlagSet("errorbook health-registry", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	failOnAlert := fs.Bool("fail-on-alert", false, "Exit non-zero when any source is unhealthy")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	reg, err := a.errorbookRegistry(eng)
	if err != nil {
		return err
	}
	results, err := reg.Health(ctx, *failOnAlert)
	if a.jsonOut {
		a.emitJSON("errorbook-health-registry", map[string]any{"sources": toJSONValue(results)})
	} else {
		for _, r := range results {
			state := "healthy"
			if !r.Healthy {
				state = "UNHEALTHY: " + r.Error
			}
			a.printf("%-20s %s", r.Name, state)
		}
	}
	return err
}

func (a *app) errorbookRebuildIndex(eng *errorbook.Engine) error {
	index, err := eng.RebuildIndex()
	if err != nil {
		return err
	}
	if a.jsonOut {
		a.emitJSON("errorbook-rebuild-index", map[string]any{"entries": len(index.Entries)})
		return nil
	}
	a.printf("rebuilt index with %d entries", len(index.Entries))
	return nil
}
