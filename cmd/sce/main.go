package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/infrastructure/config"
	engerrors "github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/infrastructure/logging"
	"github.com/sce-dev/sce/infrastructure/metrics"
	"github.com/sce-dev/sce/internal/layout"
	"github.com/sce-dev/sce/internal/runner"
	"github.com/sce-dev/sce/internal/store"
)

func main() {
	app := &app{stdout: os.Stdout, stderr: os.Stderr}
	if err := app.run(context.Background(), os.Args[1:]); err != nil {
		if !app.jsonOut {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(engerrors.ExitCode(err))
	}
}

// app carries the per-invocation wiring shared by every command.
type app struct {
	store   *store.Store
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics
	runner  runner.CommandRunner
	jsonOut bool
	emitted bool
	stdout  io.Writer
	stderr  io.Writer
}

func (a *app) run(ctx context.Context, args []string) error {
	defaultNS := config.GetEnv("SCE_NAMESPACE", layout.DefaultNamespace)

	root := flag.NewFlagSet("sce", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	rootDir := root.String("root", ".", "Workspace root directory")
	ns := root.String("ns", defaultNS, "Workspace namespace directory (env SCE_NAMESPACE)")
	jsonOut := root.Bool("json", false, "Emit machine-readable JSON")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	a.jsonOut = *jsonOut
	a.clock = clock.System()
	a.log = logging.NewFromEnv("sce")
	a.metrics = metrics.Nop()
	a.runner = runner.NewExecRunner()
	a.store = store.New(layout.New(*rootDir, *ns), a.clock)

	var err error
	switch remaining[0] {
	case "errorbook":
		err = a.handleErrorbook(ctx, remaining[1:])
	case "pipeline":
		err = a.handlePipeline(ctx, remaining[1:])
	case "orchestrate":
		err = a.handleOrchestrate(ctx, remaining[1:])
	case "studio":
		err = a.handleStudio(ctx, remaining[1:])
	default:
		err = usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
	if err != nil && a.jsonOut {
		a.emitFailure(err)
	}
	return err
}

// usageError wraps a CLI usage problem so it exits with code 2.
func usageError(err error) error {
	return engerrors.Wrap(engerrors.CodeInputValidation, "usage error", err)
}
