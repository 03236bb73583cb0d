package agent

import (
	"context"
	"sync"
)

// Scripted is a Launcher for tests: each task consumes the next result
// scripted for its spec. Unscripted specs complete successfully.
type Scripted struct {
	mu      sync.Mutex
	results map[string][]Result
	Started []string
}

// NewScripted builds a Scripted launcher.
func NewScripted() *Scripted {
	return &Scripted{results: make(map[string][]Result)}
}

// Script queues results for a spec, consumed in order.
func (s *Scripted) Script(specID string, results ...Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[specID] = append(s.results[specID], results...)
}

func (s *Scripted) Launch(ctx context.Context, task Task) Result {
	s.mu.Lock()
	s.Started = append(s.Started, task.SpecID)
	queue := s.results[task.SpecID]
	var res Result
	if len(queue) > 0 {
		res = queue[0]
		s.results[task.SpecID] = queue[1:]
	} else {
		res = Result{Status: StatusCompleted}
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return Result{Status: StatusFailed, Error: "agent cancelled"}
	}
	return res
}
