package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spatialomics/mview/pkg/config"
	"github.com/spatialomics/mview/pkg/learner"
	"github.com/spatialomics/mview/pkg/results"
	"github.com/spatialomics/mview/pkg/view"
)

// gridCoords lays n×n units on a unit-spaced grid.
func gridCoords(n int) ([]string, [][]float64) {
	units := make([]string, 0, n*n)
	coords := make([][]float64, 0, n*n)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			units = append(units, fmt.Sprintf("u%03d", row*n+col))
			coords = append(coords, []float64{float64(col), float64(row)})
		}
	}
	return units, coords
}

// gridAdjacency returns the 4-neighborhood of each unit on an n×n grid.
func gridAdjacency(n int) [][]int {
	adj := make([][]int, n*n)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			i := row*n + col
			if col > 0 {
				adj[i] = append(adj[i], i-1)
			}
			if col < n-1 {
				adj[i] = append(adj[i], i+1)
			}
			if row > 0 {
				adj[i] = append(adj[i], i-n)
			}
			if row < n-1 {
				adj[i] = append(adj[i], i+n)
			}
		}
	}
	return adj
}

func newStore(t *testing.T, units []string, coords [][]float64, markers []string, cols map[string][]float64) *view.Store {
	t.Helper()
	data := make([]float64, 0, len(units)*len(markers))
	for i := range units {
		for _, m := range markers {
			data = append(data, cols[m][i])
		}
	}
	table, err := view.NewTable(units, markers, data)
	require.NoError(t, err)
	store, err := view.NewStore(table)
	require.NoError(t, err)
	require.NoError(t, store.SetCoordinates(units, coords))
	return store
}

func linearConfig() *config.Config {
	cfg := config.Default()
	cfg.Model.Family = learner.FamilyLinear
	cfg.Model.Folds = 5
	cfg.Views.Juxta.Radius = 1.2
	cfg.Views.Para.Radius = 3
	cfg.Run.Workers = 2
	return cfg
}

func runAll(t *testing.T, store *view.Store, cfg *config.Config) (*Summary, *results.Aggregator) {
	t.Helper()
	agg := results.NewAggregator(results.NewMemoryEngine())
	require.NoError(t, BuildViews(store, cfg))
	runner, err := New(store, cfg, agg)
	require.NoError(t, err)
	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	return summary, agg
}

func improvementFor(t *testing.T, agg *results.Aggregator, target string) results.ImprovementRecord {
	t.Helper()
	recs, err := agg.Improvements(results.Filter{Target: target})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

// An intrinsic relation is explained by the intraview alone: the spatial
// views add nothing on top.
func TestRunIntrinsicSignal(t *testing.T) {
	units, coords := gridCoords(10)
	rng := rand.New(rand.NewSource(11))
	n := len(units)
	a := make([]float64, n)
	c := make([]float64, n)
	b := make([]float64, n)
	for i := range units {
		a[i] = rng.NormFloat64()
		c[i] = rng.NormFloat64()
		b[i] = 2*a[i] - c[i] + 0.05*rng.NormFloat64()
	}
	store := newStore(t, units, coords, []string{"A", "B", "C"},
		map[string][]float64{"A": a, "B": b, "C": c})

	summary, agg := runAll(t, store, linearConfig())

	assert.Equal(t, 3, summary.Targets)
	assert.Equal(t, 3, summary.Modeled)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, []string{"intraview", "juxtaview", "paraview"}, summary.Views)

	rec := improvementFor(t, agg, "B")
	assert.Greater(t, rec.IntraR2, 0.8)
	assert.Less(t, math.Abs(rec.GainR2), 0.2)
}

// A marker driven purely by its neighbors is invisible to the intraview and
// recovered by the juxtaview.
func TestRunNeighborSignal(t *testing.T) {
	units, coords := gridCoords(10)
	adj := gridAdjacency(10)
	rng := rand.New(rand.NewSource(7))
	n := len(units)
	s := make([]float64, n)
	for i := range s {
		s[i] = rng.NormFloat64()
	}
	tv := make([]float64, n)
	for i, nbrs := range adj {
		for _, j := range nbrs {
			tv[i] += s[j]
		}
		tv[i] += 0.01 * rng.NormFloat64()
	}
	store := newStore(t, units, coords, []string{"S", "T"},
		map[string][]float64{"S": s, "T": tv})

	_, agg := runAll(t, store, linearConfig())

	rec := improvementFor(t, agg, "T")
	assert.Less(t, rec.IntraR2, 0.3)
	assert.Greater(t, rec.MultiR2, 0.7)
	assert.Greater(t, rec.GainR2, 0.5)

	// The juxtaview should dominate the contributions for T.
	contribs, err := agg.Contributions(results.Filter{Target: "T"})
	require.NoError(t, err)
	weights := map[string]float64{}
	for _, c := range contribs {
		weights[c.View] = c.Weight
	}
	assert.Greater(t, weights["juxtaview"], weights["intraview"])
}

func TestRunBypassIntra(t *testing.T) {
	units, coords := gridCoords(10)
	adj := gridAdjacency(10)
	rng := rand.New(rand.NewSource(3))
	n := len(units)
	s := make([]float64, n)
	for i := range s {
		s[i] = rng.NormFloat64()
	}
	tv := make([]float64, n)
	for i, nbrs := range adj {
		for _, j := range nbrs {
			tv[i] += s[j]
		}
	}
	store := newStore(t, units, coords, []string{"S", "T"},
		map[string][]float64{"S": s, "T": tv})

	cfg := linearConfig()
	cfg.Meta.BypassIntra = true
	cfg.Views.Para.Enabled = false
	_, agg := runAll(t, store, cfg)

	rec := improvementFor(t, agg, "T")
	assert.True(t, rec.BypassIntra)
	assert.Zero(t, rec.IntraR2)
	assert.InDelta(t, rec.MultiR2, rec.GainR2, 1e-12)
	assert.Greater(t, rec.MultiR2, 0.7)
}

// A second run over the same store is a no-op: every target already has its
// improvement record.
func TestRunResume(t *testing.T) {
	units, coords := gridCoords(5)
	rng := rand.New(rand.NewSource(5))
	n := len(units)
	a := make([]float64, n)
	b := make([]float64, n)
	for i := range a {
		a[i] = rng.NormFloat64()
		b[i] = a[i] + 0.1*rng.NormFloat64()
	}
	store := newStore(t, units, coords, []string{"A", "B"},
		map[string][]float64{"A": a, "B": b})

	cfg := linearConfig()
	agg := results.NewAggregator(results.NewMemoryEngine())
	require.NoError(t, BuildViews(store, cfg))
	runner, err := New(store, cfg, agg)
	require.NoError(t, err)

	first, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Modeled)
	assert.Equal(t, 0, first.Skipped)

	pending, err := runner.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	second, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Modeled)
	assert.Equal(t, 2, second.Skipped)
}

type explosiveModel struct{}

func (explosiveModel) Fit([][]float64, []float64, []string, learner.Options) (*learner.Result, error) {
	return nil, errors.New("synthetic training failure")
}

// A target whose training fails gets a failure record; the run continues to
// the remaining targets.
func TestRunRecordsFailures(t *testing.T) {
	learner.Register("explosive", func() learner.Model { return explosiveModel{} })

	units, coords := gridCoords(4)
	rng := rand.New(rand.NewSource(9))
	n := len(units)
	a := make([]float64, n)
	b := make([]float64, n)
	for i := range a {
		a[i] = rng.NormFloat64()
		b[i] = rng.NormFloat64()
	}
	store := newStore(t, units, coords, []string{"A", "B"},
		map[string][]float64{"A": a, "B": b})

	cfg := linearConfig()
	cfg.Model.Family = "explosive"
	summary, agg := runAll(t, store, cfg)

	assert.Equal(t, 0, summary.Modeled)
	assert.ElementsMatch(t, []string{"A", "B"}, summary.Failed)

	rec := improvementFor(t, agg, "A")
	assert.True(t, rec.Failed)
}

func TestRunCancelled(t *testing.T) {
	units, coords := gridCoords(4)
	n := len(units)
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i)
	}
	store := newStore(t, units, coords, []string{"A", "B"},
		map[string][]float64{"A": vals, "B": vals})

	cfg := linearConfig()
	require.NoError(t, BuildViews(store, cfg))
	runner, err := New(store, cfg, results.NewAggregator(results.NewMemoryEngine()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.Modeled)
}

func TestBuildViewsPartial(t *testing.T) {
	units, coords := gridCoords(3)
	n := len(units)
	vals := make([]float64, n)
	store := newStore(t, units, coords, []string{"A"},
		map[string][]float64{"A": vals})

	cfg := config.Default()
	cfg.Views.Juxta.Radius = 1.2
	cfg.Views.Para.Radius = -1 // invalid

	err := BuildViews(store, cfg)
	assert.Error(t, err)

	cfg.Run.AllowPartialViews = true
	store2 := newStore(t, units, coords, []string{"A"},
		map[string][]float64{"A": vals})
	require.NoError(t, BuildViews(store2, cfg))
	assert.Equal(t, 2, store2.NumViews()) // intraview + juxtaview
}

func TestNewValidation(t *testing.T) {
	agg := results.NewAggregator(results.NewMemoryEngine())
	_, err := New(nil, config.Default(), agg)
	assert.ErrorIs(t, err, ErrNilStore)

	units, coords := gridCoords(3)
	vals := make([]float64, len(units))
	store := newStore(t, units, coords, []string{"A"},
		map[string][]float64{"A": vals})

	_, err = New(store, config.Default(), nil)
	assert.ErrorIs(t, err, ErrNilAggregator)

	bad := config.Default()
	bad.Model.Folds = 1
	_, err = New(store, bad, agg)
	assert.Error(t, err)
}
