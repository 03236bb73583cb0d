package orchestrator

import (
	"time"

	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/store"
)

// Config is the persisted orchestrator configuration. Every key is
// optional; unset keys fall back to the resolved profile.
type Config struct {
	MaxParallel                    int    `json:"maxParallel,omitempty"`
	RateLimitProfile               string `json:"rateLimitProfile,omitempty"`
	RateLimitMaxRetries            *int   `json:"rateLimitMaxRetries,omitempty"`
	RateLimitBackoffBaseMs         *int   `json:"rateLimitBackoffBaseMs,omitempty"`
	RateLimitBackoffMaxMs          *int   `json:"rateLimitBackoffMaxMs,omitempty"`
	RateLimitAdaptiveParallel      *bool  `json:"rateLimitAdaptiveParallel,omitempty"`
	RateLimitParallelFloor         *int   `json:"rateLimitParallelFloor,omitempty"`
	RateLimitCooldownMs            *int   `json:"rateLimitCooldownMs,omitempty"`
	RateLimitLaunchBudgetPerMinute *int   `json:"rateLimitLaunchBudgetPerMinute,omitempty"`
	RateLimitLaunchBudgetWindowMs  *int   `json:"rateLimitLaunchBudgetWindowMs,omitempty"`
	RateLimitSignalWindowMs        *int   `json:"rateLimitSignalWindowMs,omitempty"`
	RateLimitSignalThreshold       *int   `json:"rateLimitSignalThreshold,omitempty"`
	RateLimitSignalExtraHoldMs     *int   `json:"rateLimitSignalExtraHoldMs,omitempty"`
	RateLimitDynamicBudgetFloor    *int   `json:"rateLimitDynamicBudgetFloor,omitempty"`
}

// Params are the fully resolved rate-limit parameters for one run.
type Params struct {
	Profile            string
	MaxParallel        int
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	AdaptiveParallel   bool
	ParallelFloor      int
	Cooldown           time.Duration
	BudgetPerMinute    int
	BudgetWindow       time.Duration
	SignalWindow       time.Duration
	SignalThreshold    int
	ExtraHold          time.Duration
	DynamicBudgetFloor int
}

// Profile names.
const (
	ProfileConservative = "conservative"
	ProfileBalanced     = "balanced"
	ProfileAggressive   = "aggressive"
)

// profileDefaults returns the coherent preset for a named profile.
func profileDefaults(name string) (Params, bool) {
	switch name {
	case ProfileConservative:
		return Params{
			Profile:            name,
			MaxParallel:        2,
			MaxRetries:         5,
			BackoffBase:        2 * time.Second,
			BackoffMax:         2 * time.Minute,
			AdaptiveParallel:   true,
			ParallelFloor:      1,
			Cooldown:           90 * time.Second,
			BudgetPerMinute:    4,
			BudgetWindow:       time.Minute,
			SignalWindow:       2 * time.Minute,
			SignalThreshold:    2,
			ExtraHold:          30 * time.Second,
			DynamicBudgetFloor: 1,
		}, true
	case ProfileBalanced, "":
		return Params{
			Profile:            ProfileBalanced,
			MaxParallel:        4,
			MaxRetries:         3,
			BackoffBase:        time.Second,
			BackoffMax:         time.Minute,
			AdaptiveParallel:   true,
			ParallelFloor:      1,
			Cooldown:           60 * time.Second,
			BudgetPerMinute:    8,
			BudgetWindow:       time.Minute,
			SignalWindow:       time.Minute,
			SignalThreshold:    3,
			ExtraHold:          15 * time.Second,
			DynamicBudgetFloor: 2,
		}, true
	case ProfileAggressive:
		return Params{
			Profile:            name,
			MaxParallel:        8,
			MaxRetries:         2,
			BackoffBase:        500 * time.Millisecond,
			BackoffMax:         30 * time.Second,
			AdaptiveParallel:   true,
			ParallelFloor:      2,
			Cooldown:           30 * time.Second,
			BudgetPerMinute:    16,
			BudgetWindow:       time.Minute,
			SignalWindow:       30 * time.Second,
			SignalThreshold:    4,
			ExtraHold:          5 * time.Second,
			DynamicBudgetFloor: 4,
		}, true
	default:
		return Params{}, false
	}
}

// ResolveParams layers the persisted config over the profile preset. A
// non-empty profileOverride applies for this run only and wins over the
// persisted profile.
func ResolveParams(cfg Config, profileOverride string) (Params, error) {
	profile := cfg.RateLimitProfile
	if profileOverride != "" {
		profile = profileOverride
	}
	params, ok := profileDefaults(profile)
	if !ok {
		return Params{}, errors.UnknownEnum("rateLimitProfile", profile,
			[]string{ProfileConservative, ProfileBalanced, ProfileAggressive})
	}

	if cfg.MaxParallel > 0 {
		params.MaxParallel = cfg.MaxParallel
	}
	if cfg.RateLimitMaxRetries != nil {
		params.MaxRetries = *cfg.RateLimitMaxRetries
	}
	if cfg.RateLimitBackoffBaseMs != nil {
		params.BackoffBase = time.Duration(*cfg.RateLimitBackoffBaseMs) * time.Millisecond
	}
	if cfg.RateLimitBackoffMaxMs != nil {
		params.BackoffMax = time.Duration(*cfg.RateLimitBackoffMaxMs) * time.Millisecond
	}
	if cfg.RateLimitAdaptiveParallel != nil {
		params.AdaptiveParallel = *cfg.RateLimitAdaptiveParallel
	}
	if cfg.RateLimitParallelFloor != nil {
		params.ParallelFloor = *cfg.RateLimitParallelFloor
	}
	if cfg.RateLimitCooldownMs != nil {
		params.Cooldown = time.Duration(*cfg.RateLimitCooldownMs) * time.Millisecond
	}
	if cfg.RateLimitLaunchBudgetPerMinute != nil {
		params.BudgetPerMinute = *cfg.RateLimitLaunchBudgetPerMinute
	}
	if cfg.RateLimitLaunchBudgetWindowMs != nil {
		params.BudgetWindow = time.Duration(*cfg.RateLimitLaunchBudgetWindowMs) * time.Millisecond
	}
	if cfg.RateLimitSignalWindowMs != nil {
		params.SignalWindow = time.Duration(*cfg.RateLimitSignalWindowMs) * time.Millisecond
	}
	if cfg.RateLimitSignalThreshold != nil {
		params.SignalThreshold = *cfg.RateLimitSignalThreshold
	}
	if cfg.RateLimitSignalExtraHoldMs != nil {
		params.ExtraHold = time.Duration(*cfg.RateLimitSignalExtraHoldMs) * time.Millisecond
	}
	if cfg.RateLimitDynamicBudgetFloor != nil {
		params.DynamicBudgetFloor = *cfg.RateLimitDynamicBudgetFloor
	}

	if params.ParallelFloor < 1 {
		params.ParallelFloor = 1
	}
	if params.MaxParallel < params.ParallelFloor {
		params.MaxParallel = params.ParallelFloor
	}
	return params, nil
}

// LoadConfig reads orchestrator.json, materializing the default document
// on first read.
func LoadConfig(st *store.Store) (Config, error) {
	var cfg Config
	err := st.ReadJSONOrDefault(st.Layout().OrchestratorConfig(), &cfg,
		Config{RateLimitProfile: ProfileBalanced})
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
