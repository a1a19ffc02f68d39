package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitReturnsSameMatrix(t *testing.T) {
	cache := NewCache(4)
	coords := gridCoords(5)
	p := Params{Family: FamilyThreshold, Radius: 1.0}

	first, err := cache.Compute(coords, p)
	require.NoError(t, err)
	second, err := cache.Compute(coords, p)
	require.NoError(t, err)

	assert.Same(t, first, second, "cache hit should return the identical matrix")

	hits, misses := cache.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestCacheKeySensitivity(t *testing.T) {
	coords := gridCoords(3)
	base := Params{Family: FamilyGaussian, Radius: 2.0}

	k1 := Key(coords, base)
	k2 := Key(coords, base)
	assert.Equal(t, k1, k2, "same inputs must produce the same key")

	changed := base
	changed.Radius = 2.5
	assert.NotEqual(t, k1, Key(coords, changed))

	normalized := base
	normalized.Normalize = true
	assert.NotEqual(t, k1, Key(coords, normalized))

	other := gridCoords(3)
	other[0][0] += 1e-9
	assert.NotEqual(t, k1, Key(other, base))
}

func TestCacheBypassesCustomKernels(t *testing.T) {
	cache := NewCache(4)
	coords := gridCoords(3)

	halves := Params{Family: FamilyCustom, CustomCutoff: 1.2,
		WeightFunc: func(d float64) float64 { return 0.5 }}
	doubles := Params{Family: FamilyCustom, CustomCutoff: 1.2,
		WeightFunc: func(d float64) float64 { return 2.0 }}

	w1, err := cache.Compute(coords, halves)
	require.NoError(t, err)
	w2, err := cache.Compute(coords, doubles)
	require.NoError(t, err)

	// Different weight functions with identical parameters must not share a
	// matrix.
	assert.NotSame(t, w1, w2)
	assert.Equal(t, 0.5, w1.RowSum(4)/float64(w1.Degree(4)))
	assert.Equal(t, 2.0, w2.RowSum(4)/float64(w2.Degree(4)))

	// Custom kernels never enter the cache.
	assert.Equal(t, 0, cache.Len())
	hits, misses := cache.Stats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)

	again, err := cache.Compute(coords, halves)
	require.NoError(t, err)
	assert.NotSame(t, w1, again)
}

func TestCacheEviction(t *testing.T) {
	cache := NewCache(2)
	coords := gridCoords(4)

	for _, r := range []float64{1, 2, 3} {
		_, err := cache.Compute(coords, Params{Family: FamilyThreshold, Radius: r})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())

	// Radius 1 was evicted; recomputing it is a miss.
	_, err := cache.Compute(coords, Params{Family: FamilyThreshold, Radius: 1})
	require.NoError(t, err)
	_, misses := cache.Stats()
	assert.Equal(t, uint64(4), misses)
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	cache := NewCache(4)
	coords := gridCoords(3)

	_, err := cache.Compute(coords, Params{Family: FamilyThreshold, Radius: -1})
	require.ErrorIs(t, err, ErrInvalidRadius)
	assert.Equal(t, 0, cache.Len())
}
