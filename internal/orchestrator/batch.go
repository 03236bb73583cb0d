package orchestrator

import (
	"sort"
	"strings"

	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/specmeta"
)

// BuildBatches groups the specs into topologically ordered batches: each
// batch contains only specs whose dependencies were satisfied by earlier
// batches. Dependencies outside the selected set are treated as already
// satisfied. A dependency cycle is a validation error.
func BuildBatches(specs []specmeta.Spec) ([][]string, error) {
	inSet := make(map[string]bool, len(specs))
	for _, s := range specs {
		inSet[s.ID] = true
	}

	deps := make(map[string][]string, len(specs))
	for _, s := range specs {
		var kept []string
		for _, d := range s.Dependencies {
			if inSet[d] {
				kept = append(kept, d)
			}
		}
		deps[s.ID] = kept
	}

	done := make(map[string]bool, len(specs))
	var batches [][]string
	remaining := len(specs)

	for remaining > 0 {
		var batch []string
		for _, s := range specs {
			if done[s.ID] {
				continue
			}
			ready := true
			for _, d := range deps[s.ID] {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, s.ID)
			}
		}
		if len(batch) == 0 {
			var stuck []string
			for _, s := range specs {
				if !done[s.ID] {
					stuck = append(stuck, s.ID)
				}
			}
			sort.Strings(stuck)
			return nil, errors.New(errors.CodeInputValidation, "dependency cycle among specs").
				WithDetails("specs", strings.Join(stuck, ", "))
		}
		sort.Strings(batch)
		for _, id := range batch {
			done[id] = true
		}
		remaining -= len(batch)
		batches = append(batches, batch)
	}
	return batches, nil
}
