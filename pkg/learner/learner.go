// Package learner trains one supervised model per (target marker, view) pair.
//
// Every marker of a view except the target serves as a predictor. Models are
// fit under k-fold cross-validation so each unit's prediction comes from a
// model that never saw it. Out-of-fold predictions are what the meta-model
// decomposition downstream consumes, and in-sample predictions would bias it
// optimistically.
//
// Two model families ship: Forest (bagged regression trees, the default) and
// Linear (ordinary least squares, cheaper). Both satisfy Model and report a
// performance score in [0,1] plus per-predictor importances. Additional
// families can be registered by name.
//
// Example:
//
//	m, err := learner.New(learner.FamilyEnsemble)
//	res, err := learner.TrainView(v, "CD8", targetValues, m, learner.Options{Folds: 10})
//	fmt.Printf("R² = %.3f\n", res.R2)
package learner

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"

	"github.com/spatialomics/mview/pkg/view"
)

// Model family names accepted by New.
const (
	// FamilyEnsemble is the bagged regression tree ensemble (default).
	FamilyEnsemble = "ensemble"
	// FamilyLinear is ordinary least squares.
	FamilyLinear = "linear"
)

var (
	// ErrUnknownModel is returned by New for unregistered family names.
	ErrUnknownModel = errors.New("learner: unknown model family")
	// ErrNoPredictors is returned when a view has no markers left to
	// predict with after excluding the target.
	ErrNoPredictors = errors.New("learner: no predictor markers")
	// ErrBadInput is returned for inconsistent feature/target dimensions.
	ErrBadInput = errors.New("learner: inconsistent input dimensions")
)

// Options tunes one training invocation.
type Options struct {
	// Folds is the cross-validation fold count. Zero means 10. Values
	// above the unit count are clamped (leave-one-out).
	Folds int

	// Trees is the ensemble size for Forest. Zero means 100.
	Trees int

	// MinLeaf is the minimum units per leaf for Forest. Zero means 5.
	MinLeaf int

	// MTry is the number of predictors sampled per split for Forest.
	// Zero means max(1, p/3).
	MTry int

	// Seed drives all randomness (fold shuffling, bootstrap, predictor
	// subsetting). Same seed, same results.
	Seed int64
}

func (o Options) withDefaults() Options {
	if o.Folds <= 0 {
		o.Folds = 10
	}
	if o.Trees <= 0 {
		o.Trees = 100
	}
	if o.MinLeaf <= 0 {
		o.MinLeaf = 5
	}
	return o
}

// Result is the immutable outcome of one (target, view) training.
type Result struct {
	// Target is the predicted marker.
	Target string `json:"target"`

	// View names the view that supplied the predictors.
	View string `json:"view"`

	// Predictors lists predictor markers in design-matrix order.
	Predictors []string `json:"predictors"`

	// Predicted holds the out-of-fold prediction for every unit, in the
	// canonical unit order.
	Predicted []float64 `json:"predicted"`

	// R2 is out-of-sample variance explained, floored at 0.
	R2 float64 `json:"r2"`

	// Importances maps predictor marker to its importance. Values are
	// non-negative impurity decreases for Forest and signed standardized
	// coefficients for Linear.
	Importances map[string]float64 `json:"importances"`
}

// Model fits predictors to a continuous target and produces out-of-fold
// predictions, importances, and a performance score.
//
// Implementations must be deterministic for a fixed Options.Seed and must
// not retain the input slices.
type Model interface {
	Fit(features [][]float64, target []float64, predictors []string, opts Options) (*Result, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Model{
		FamilyEnsemble: func() Model { return &Forest{} },
		FamilyLinear:   func() Model { return &Linear{} },
	}
)

// Register makes a custom model family available to New. Registering an
// existing name replaces it.
func Register(name string, factory func() Model) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New returns a fresh model of the named family, or ErrUnknownModel.
func New(family string) (Model, error) {
	registryMu.RLock()
	factory, ok := registry[family]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, family)
	}
	return factory(), nil
}

// TrainView fits a model for one target marker against one view.
//
// target values are supplied separately because they always come from the
// intrinsic table, whatever view provides the predictors. The target's own
// column is excluded from the predictors only for the intraview; derived
// views keep it, since there it encodes the target's neighborhood, not the
// unit's own value.
//
// The per-invocation random seed is derived from opts.Seed, the view name,
// and the target, so results are reproducible and (target, view) pairs are
// decorrelated.
func TrainView(v view.View, target string, targetValues []float64, m Model, opts Options) (*Result, error) {
	if len(targetValues) != v.Table.NumUnits() {
		return nil, fmt.Errorf("%w: %d target values for %d units",
			ErrBadInput, len(targetValues), v.Table.NumUnits())
	}

	var exclude []string
	if v.Kind == view.KindIntra {
		exclude = []string{target}
	}
	predictors, features := v.Table.Predictors(exclude...)
	if len(predictors) == 0 {
		return nil, fmt.Errorf("%w: view %q, target %q", ErrNoPredictors, v.Name, target)
	}

	opts = opts.withDefaults()
	opts.Seed = deriveSeed(opts.Seed, v.Name, target)

	res, err := m.Fit(features, targetValues, predictors, opts)
	if err != nil {
		return nil, fmt.Errorf("training view %q for target %q: %w", v.Name, target, err)
	}
	res.Target = target
	res.View = v.Name
	return res, nil
}

// deriveSeed folds the view and target names into the run seed.
func deriveSeed(seed int64, viewName, target string) int64 {
	h := fnv.New64a()
	h.Write([]byte(viewName))
	h.Write([]byte{0})
	h.Write([]byte(target))
	return seed ^ int64(h.Sum64())
}

// rsquared returns 1 − SSR/SST floored at 0; a zero-variance target scores 0.
func rsquared(target, predicted []float64) float64 {
	var mean float64
	for _, v := range target {
		mean += v
	}
	mean /= float64(len(target))

	var ssr, sst float64
	for i, v := range target {
		d := v - predicted[i]
		ssr += d * d
		t := v - mean
		sst += t * t
	}
	if sst == 0 {
		return 0
	}
	r2 := 1 - ssr/sst
	if r2 < 0 {
		return 0
	}
	return r2
}

// isConstant reports whether all values are identical.
func isConstant(vals []float64) bool {
	for _, v := range vals[1:] {
		if v != vals[0] {
			return false
		}
	}
	return true
}

func meanOf(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// constantResult is the degenerate outcome for a zero-variance target:
// score 0, zero importances, the constant itself as every prediction, no
// error. One flat target must not abort a many-target run.
//
// The prediction is target[0], not the summed mean: summation drift would
// put the predictions a few ulps off the constant.
func constantResult(target []float64, predictors []string) *Result {
	pred := make([]float64, len(target))
	for i := range pred {
		pred[i] = target[0]
	}
	imp := make(map[string]float64, len(predictors))
	for _, p := range predictors {
		imp[p] = 0
	}
	return &Result{
		Predictors:  append([]string(nil), predictors...),
		Predicted:   pred,
		R2:          0,
		Importances: imp,
	}
}

// validateFitInput checks design-matrix shape against the target.
func validateFitInput(features [][]float64, target []float64, predictors []string) error {
	if len(features) != len(target) || len(target) == 0 {
		return fmt.Errorf("%w: %d feature rows, %d targets", ErrBadInput, len(features), len(target))
	}
	for i, row := range features {
		if len(row) != len(predictors) {
			return fmt.Errorf("%w: row %d has %d features, want %d",
				ErrBadInput, i, len(row), len(predictors))
		}
	}
	for _, v := range target {
		if math.IsNaN(v) {
			return fmt.Errorf("%w: NaN target value", ErrBadInput)
		}
	}
	return nil
}

// TopPredictors returns predictor names ordered by descending absolute
// importance, ties broken alphabetically. Useful for reporting.
func (r *Result) TopPredictors() []string {
	names := make([]string, 0, len(r.Importances))
	for name := range r.Importances {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ai, aj := math.Abs(r.Importances[names[i]]), math.Abs(r.Importances[names[j]])
		if ai != aj {
			return ai > aj
		}
		return names[i] < names[j]
	})
	return names
}
