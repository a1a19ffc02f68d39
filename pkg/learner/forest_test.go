package learner

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearDataset builds n samples where y = 2·x0 − x1 + small noise and x2 is
// pure noise.
func linearDataset(n int, seed int64) (features [][]float64, target []float64) {
	rng := rand.New(rand.NewSource(seed))
	features = make([][]float64, n)
	target = make([]float64, n)
	for i := 0; i < n; i++ {
		x0 := rng.Float64() * 10
		x1 := rng.Float64() * 10
		x2 := rng.Float64() * 10
		features[i] = []float64{x0, x1, x2}
		target[i] = 2*x0 - x1 + rng.NormFloat64()*0.1
	}
	return features, target
}

func TestForestRecoversSignal(t *testing.T) {
	features, target := linearDataset(200, 1)
	res, err := (&Forest{}).Fit(features, target, []string{"B", "C", "noise"}, Options{
		Folds: 5, Trees: 60, Seed: 7,
	})
	require.NoError(t, err)

	assert.Greater(t, res.R2, 0.6, "forest should recover a strong linear signal")
	assert.LessOrEqual(t, res.R2, 1.0)

	// The informative predictors must dominate the noise column.
	assert.Greater(t, res.Importances["B"], res.Importances["noise"])
	assert.Greater(t, res.Importances["C"], res.Importances["noise"])
	assert.Equal(t, []string{"B", "C", "noise"}, res.Predictors)
	assert.Len(t, res.Predicted, 200)
}

func TestForestDeterministic(t *testing.T) {
	features, target := linearDataset(80, 3)
	opts := Options{Folds: 4, Trees: 20, Seed: 99}

	a, err := (&Forest{}).Fit(features, target, []string{"x0", "x1", "x2"}, opts)
	require.NoError(t, err)
	b, err := (&Forest{}).Fit(features, target, []string{"x0", "x1", "x2"}, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Predicted, b.Predicted, "same seed must reproduce predictions exactly")
	assert.Equal(t, a.Importances, b.Importances)
}

func TestForestZeroVarianceTarget(t *testing.T) {
	features, _ := linearDataset(50, 5)
	target := make([]float64, 50)
	for i := range target {
		target[i] = 3.14
	}

	res, err := (&Forest{}).Fit(features, target, []string{"a", "b", "c"}, Options{Folds: 5, Trees: 10, Seed: 1})
	require.NoError(t, err, "a flat target is a degenerate result, not an error")
	assert.Zero(t, res.R2)
	for name, imp := range res.Importances {
		assert.Zero(t, imp, "predictor %s", name)
	}
	for _, p := range res.Predicted {
		assert.Equal(t, 3.14, p)
	}
}

func TestForestUselessPredictorsScoreZero(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n := 120
	features := make([][]float64, n)
	target := make([]float64, n)
	for i := range features {
		features[i] = []float64{rng.Float64(), rng.Float64()}
		target[i] = rng.NormFloat64()
	}

	res, err := (&Forest{}).Fit(features, target, []string{"a", "b"}, Options{Folds: 5, Trees: 30, Seed: 2})
	require.NoError(t, err)
	assert.Less(t, res.R2, 0.25, "independent noise should explain ~nothing")
}

func TestForestInputValidation(t *testing.T) {
	_, err := (&Forest{}).Fit([][]float64{{1, 2}}, []float64{1, 2}, []string{"a", "b"}, Options{})
	assert.ErrorIs(t, err, ErrBadInput)

	_, err = (&Forest{}).Fit([][]float64{{1, 2}, {3}}, []float64{1, 2}, []string{"a", "b"}, Options{})
	assert.ErrorIs(t, err, ErrBadInput)
}

func BenchmarkForestFit(b *testing.B) {
	features, target := linearDataset(200, 1)
	opts := Options{Folds: 5, Trees: 20, Seed: 1}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := (&Forest{}).Fit(features, target, []string{"a", "b", "c"}, opts); err != nil {
			b.Fatal(err)
		}
	}
}
