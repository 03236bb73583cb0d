package studio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/internal/layout"
	"github.com/sce-dev/sce/internal/store"
)

func newPolicyStore(t *testing.T) *store.Store {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))
	return store.New(layout.New(t.TempDir(), ""), clk)
}

func TestLoadSecurityPolicy_MaterializesDefault(t *testing.T) {
	st := newPolicyStore(t)
	policy, err := LoadSecurityPolicy(st)
	require.NoError(t, err)
	assert.False(t, policy.Enabled)
	assert.Equal(t, DefaultPasswordEnv, policy.PasswordEnv)
	assert.Contains(t, policy.RequireAuthFor, StageRelease)
	assert.True(t, st.Exists(st.Layout().StudioSecurityPolicy()))
}

func TestLoadSecurityPolicy_ForceEnvEnables(t *testing.T) {
	st := newPolicyStore(t)
	t.Setenv(ForceAuthEnv, "true")
	policy, err := LoadSecurityPolicy(st)
	require.NoError(t, err)
	assert.True(t, policy.Enabled, "env flag forces authorization on")
}

func TestSecurityPolicy_Requires(t *testing.T) {
	policy := SecurityPolicy{Enabled: true, RequireAuthFor: []string{StageApply}}
	assert.True(t, policy.Requires(StageApply))
	assert.False(t, policy.Requires(StageRelease))

	policy.Enabled = false
	assert.False(t, policy.Requires(StageApply))
}

func TestLoadGatesConfig_MaterializesDefault(t *testing.T) {
	st := newPolicyStore(t)
	cfg, err := LoadGatesConfig(st)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Verify[ProfileFast])
	assert.NotEmpty(t, cfg.Release[ProfileStandard])
	assert.True(t, st.Exists(st.Layout().StudioGatesConfig()))
}
