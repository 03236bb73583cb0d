// Package specmeta exposes spec metadata: which specs exist, their
// on-disk artifacts, and the dependency graph used for batching.
package specmeta

import (
	"bufio"
	"os"
	"strings"

	"github.com/sce-dev/sce/infrastructure/config"
	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/layout"
	"github.com/sce-dev/sce/internal/store"
)

// Spec describes one work unit.
type Spec struct {
	ID           string   `json:"id"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Provider answers spec metadata queries.
type Provider interface {
	List() ([]Spec, error)
	Get(specID string) (Spec, error)
}

// FileProvider reads specs from the workspace layout. A spec's
// dependencies are declared by a "Depends:" header line near the top of
// its requirements.md.
type FileProvider struct {
	store  *store.Store
	layout layout.Layout
}

// NewFileProvider constructs a Provider over the workspace.
func NewFileProvider(st *store.Store) *FileProvider {
	return &FileProvider{store: st, layout: st.Layout()}
}

func (p *FileProvider) List() ([]Spec, error) {
	ids, err := p.store.ListDirs(p.layout.SpecsDir())
	if err != nil {
		return nil, err
	}
	specs := make([]Spec, 0, len(ids))
	for _, id := range ids {
		spec, err := p.Get(id)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (p *FileProvider) Get(specID string) (Spec, error) {
	dir := p.layout.SpecDir(specID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Spec{}, errors.NotFound("spec", specID)
	}
	deps, err := readDepends(p.layout.SpecRequirements(specID))
	if err != nil {
		return Spec{}, err
	}
	return Spec{ID: specID, Dependencies: deps}, nil
}

// readDepends scans the first lines of a requirements document for a
// "Depends: a, b" declaration. Scanning stops at the first non-blank,
// non-header content line.
func readDepends(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "depends:") {
			return config.SplitCSV(line[len("depends:"):]), nil
		}
		break
	}
	return nil, scanner.Err()
}

// StaticProvider serves a fixed spec set, for tests and orchestration
// over caller-supplied graphs.
type StaticProvider struct {
	Specs []Spec
}

func (p *StaticProvider) List() ([]Spec, error) {
	return p.Specs, nil
}

func (p *StaticProvider) Get(specID string) (Spec, error) {
	for _, s := range p.Specs {
		if s.ID == specID {
			return s, nil
		}
	}
	return Spec{}, errors.NotFound("spec", specID)
}
