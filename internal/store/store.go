// Package store owns every on-disk mutation of the workspace. Writes use
// atomic replacement so a concurrent reader observes either the fully
// prior or the fully new document, never a torn one.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/layout"
)

// Store is the single mutator of workspace state.
type Store struct {
	layout layout.Layout
	clock  clock.Clock
}

// New constructs a Store over the given layout.
func New(l layout.Layout, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System()
	}
	return &Store{layout: l, clock: clk}
}

// Layout returns the workspace layout the store was built with.
func (s *Store) Layout() layout.Layout {
	return s.layout
}

// WriteJSON marshals v and atomically replaces the file at path, creating
// parent directories as needed.
func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(errors.CodeCorruption, "marshal document", err).WithDetails("path", path)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// ReadJSON unmarshals the file at path into v. A missing file yields a
// NotFound error; malformed content yields a Corruption error.
func (s *Store) ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("document", path)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Corrupted(path, err)
	}
	return nil
}

// ReadJSONOrDefault reads path into v; when the file is absent, def is
// written first and decoded into v. Used to materialize default config
// documents on first read.
func (s *Store) ReadJSONOrDefault(path string, v any, def any) error {
	err := s.ReadJSON(path, v)
	if err == nil {
		return nil
	}
	if !errors.HasCode(err, errors.CodeNotFound) {
		return err
	}
	if werr := s.WriteJSON(path, def); werr != nil {
		return werr
	}
	return s.ReadJSON(path, v)
}

// Exists reports whether a document is present at path.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Remove deletes a document. Missing files are not an error.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListJSON returns the base names (without extension) of the .json
// documents in dir, sorted. A missing directory yields an empty list.
func (s *Store) ListJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// ListDirs returns the names of subdirectories of dir, sorted. A missing
// directory yields an empty list.
func (s *Store) ListDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
