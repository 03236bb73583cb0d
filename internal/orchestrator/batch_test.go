package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/specmeta"
)

func TestBuildBatches_TopologicalOrder(t *testing.T) {
	specs := []specmeta.Spec{
		{ID: "api", Dependencies: []string{"core", "storage"}},
		{ID: "core"},
		{ID: "storage", Dependencies: []string{"core"}},
		{ID: "docs"},
	}
	batches, err := BuildBatches(specs)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"core", "docs"}, batches[0])
	assert.Equal(t, []string{"storage"}, batches[1])
	assert.Equal(t, []string{"api"}, batches[2])
}

func TestBuildBatches_ExternalDepsIgnored(t *testing.T) {
	specs := []specmeta.Spec{{ID: "a", Dependencies: []string{"not-selected"}}}
	batches, err := BuildBatches(specs)
	require.NoError(t, err)
	require.Len(t, batches, 1)
}

func TestBuildBatches_CycleRejected(t *testing.T) {
	specs := []specmeta.Spec{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	_, err := BuildBatches(specs)
	assert.True(t, errors.HasCode(err, errors.CodeInputValidation))
}

func TestResolveParams_Profiles(t *testing.T) {
	for _, profile := range []string{ProfileConservative, ProfileBalanced, ProfileAggressive} {
		params, err := ResolveParams(Config{RateLimitProfile: profile}, "")
		require.NoError(t, err)
		assert.Equal(t, profile, params.Profile)
		assert.GreaterOrEqual(t, params.MaxParallel, params.ParallelFloor)
	}

	_, err := ResolveParams(Config{RateLimitProfile: "reckless"}, "")
	assert.True(t, errors.HasCode(err, errors.CodeInputValidation))
}

func TestResolveParams_OverridesAndRuntimeProfile(t *testing.T) {
	retries := 9
	floor := 2
	cfg := Config{
		RateLimitProfile:       ProfileConservative,
		RateLimitMaxRetries:    &retries,
		RateLimitParallelFloor: &floor,
		MaxParallel:            6,
	}
	params, err := ResolveParams(cfg, ProfileAggressive)
	require.NoError(t, err)
	assert.Equal(t, ProfileAggressive, params.Profile, "runtime override wins")
	assert.Equal(t, 9, params.MaxRetries, "persisted keys still apply")
	assert.Equal(t, 2, params.ParallelFloor)
	assert.Equal(t, 6, params.MaxParallel)
}

func TestResolveParams_EmptyProfileIsBalanced(t *testing.T) {
	params, err := ResolveParams(Config{}, "")
	require.NoError(t, err)
	assert.Equal(t, ProfileBalanced, params.Profile)
}
