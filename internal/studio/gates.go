package studio

import (
	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/gate"
	"github.com/sce-dev/sce/internal/store"
)

// Verify profiles.
const (
	ProfileFast     = "fast"
	ProfileStandard = "standard"
	ProfileStrict   = "strict"
)

// Release channels.
const (
	ChannelDev  = "dev"
	ChannelProd = "prod"
)

// GatesConfig declares the gate steps per verify/release profile. The
// engine is agnostic to what the steps run; only declared commands and
// exit codes matter.
type GatesConfig struct {
	Verify  map[string][]gate.Step `json:"verify"`
	Release map[string][]gate.Step `json:"release"`
}

// DefaultGatesConfig is materialized on first read.
func DefaultGatesConfig() GatesConfig {
	unit := gate.Step{ID: "unit", Name: "Unit tests", Command: "make", Args: []string{"test-unit"}, Required: true}
	lint := gate.Step{ID: "lint", Name: "Lint", Command: "make", Args: []string{"lint"}, Required: true}
	integration := gate.Step{ID: "integration", Name: "Integration tests", Command: "make", Args: []string{"test-integration"}, Required: true}
	smoke := gate.Step{ID: "smoke", Name: "Smoke tests", Command: "make", Args: []string{"smoke"}, Required: true}
	audit := gate.Step{ID: "audit", Name: "Dependency audit", Command: "make", Args: []string{"audit"}, Required: false}

	return GatesConfig{
		Verify: map[string][]gate.Step{
			ProfileFast:     {unit},
			ProfileStandard: {lint, unit},
			ProfileStrict:   {lint, unit, integration},
		},
		Release: map[string][]gate.Step{
			ProfileStandard: {smoke},
			ProfileStrict:   {smoke, audit},
		},
	}
}

// LoadGatesConfig reads the gate declarations, materializing defaults on
// first read.
func LoadGatesConfig(st *store.Store) (GatesConfig, error) {
	var cfg GatesConfig
	err := st.ReadJSONOrDefault(st.Layout().StudioGatesConfig(), &cfg, DefaultGatesConfig())
	if err != nil {
		return GatesConfig{}, err
	}
	return cfg, nil
}

// VerifySteps resolves the steps for a verify profile.
func (c GatesConfig) VerifySteps(profile string) ([]gate.Step, error) {
	steps, ok := c.Verify[profile]
	if !ok {
		return nil, errors.UnknownEnum("profile", profile,
			[]string{ProfileFast, ProfileStandard, ProfileStrict})
	}
	return steps, nil
}

// ReleaseSteps resolves the steps for a release profile.
func (c GatesConfig) ReleaseSteps(profile string) ([]gate.Step, error) {
	steps, ok := c.Release[profile]
	if !ok {
		return nil, errors.UnknownEnum("profile", profile,
			[]string{ProfileStandard, ProfileStrict})
	}
	return steps, nil
}
