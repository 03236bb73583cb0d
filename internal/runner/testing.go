package runner

import (
	"context"
	"sync"
)

// FakeResult keys a scripted result by command name.
type FakeResult struct {
	Command string
	Result  Result
}

// Fake is a table-driven CommandRunner for tests. Unscripted commands
// succeed with exit code 0.
type Fake struct {
	mu      sync.Mutex
	results map[string]Result
	Calls   []string
}

// NewFake builds a Fake from scripted results.
func NewFake(results ...FakeResult) *Fake {
	f := &Fake{results: make(map[string]Result)}
	for _, r := range results {
		f.results[r.Command] = r.Result
	}
	return f
}

// Script sets or replaces the result for a command.
func (f *Fake) Script(command string, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[command] = res
}

func (f *Fake) Run(ctx context.Context, dir, command string, args ...string) Result {
	f.mu.Lock()
	f.Calls = append(f.Calls, command)
	res, ok := f.results[command]
	f.mu.Unlock()
	if ctx.Err() != nil {
		return Result{ExitCode: -1, Err: ctx.Err()}
	}
	if !ok {
		return Result{ExitCode: 0}
	}
	return res
}
