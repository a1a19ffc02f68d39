// Package meta combines per-view predictions into a single explainable
// model per target marker.
//
// For one target, the out-of-fold prediction vector of every view forms one
// column of a design matrix; ridge regression of the true target values on
// those columns yields per-view coefficients interpreted as relative
// contributions. Comparing the combined fit's variance explained against the
// intrinsic view alone gives the gain attributable to spatial context:
//
//	gain R² = multi R² − intra R²
//
// Negative coefficients are clipped to zero (an anti-predictive view gets no
// contribution). A negative gain is possible and is flagged rather than
// clipped; it is a diagnostic, usually of an overfit intraview.
package meta

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoViews is returned when Combine receives no prediction vectors.
	ErrNoViews = errors.New("meta: no view predictions to combine")
	// ErrLengthMismatch is returned when prediction vectors and target
	// lengths disagree.
	ErrLengthMismatch = errors.New("meta: prediction length mismatch")
	// ErrInvalidLambda is returned for a negative ridge strength.
	ErrInvalidLambda = errors.New("meta: ridge lambda must be non-negative")
	// ErrSingular is returned when the ridge system cannot be solved; with
	// lambda > 0 this indicates NaN/Inf inputs rather than collinearity.
	ErrSingular = errors.New("meta: ridge system is singular")
)

// DefaultLambda is the ridge regularization strength used when the run
// configuration does not override it. View predictions are highly collinear
// by construction, so some shrinkage is always wanted.
const DefaultLambda = 1.0

// Contribution is the per-target outcome of the meta-model.
type Contribution struct {
	// Target is the marker this record describes.
	Target string `json:"target"`

	// Views lists the combined views in design-matrix order.
	Views []string `json:"views"`

	// Coefficients maps view name to its clipped (≥ 0) ridge coefficient,
	// the view's relative contribution.
	Coefficients map[string]float64 `json:"coefficients"`

	// IntraR2 is the intrinsic view's solo out-of-sample variance
	// explained. NaN when the intraview was bypassed or absent - "no intra
	// view" is distinct from "intra view explains nothing".
	IntraR2 float64 `json:"intra_r2"`

	// MultiR2 is the variance explained by the combined ridge fit.
	MultiR2 float64 `json:"multi_r2"`

	// GainR2 is MultiR2 − IntraR2, or MultiR2 alone under bypass.
	GainR2 float64 `json:"gain_r2"`

	// Flagged marks a negative gain (multi < intra).
	Flagged bool `json:"flagged"`

	// BypassIntra records whether the intraview was excluded from the
	// design matrix.
	BypassIntra bool `json:"bypass_intra"`
}

// Combine fits the per-target meta-model.
//
// preds maps view name to that view's out-of-fold prediction vector; viewR2
// maps view name to its solo performance score (used for IntraR2). intraName
// identifies the intrinsic view inside preds; it may be absent when fully
// bypassed upstream. With bypassIntra the intrinsic column is dropped from
// the design matrix and IntraR2 reports NaN.
func Combine(target string, y []float64, preds map[string][]float64, viewR2 map[string]float64, intraName string, lambda float64, bypassIntra bool) (*Contribution, error) {
	if lambda < 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidLambda, lambda)
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("%w: target %q", ErrNoViews, target)
	}
	for name, p := range preds {
		if len(p) != len(y) {
			return nil, fmt.Errorf("%w: view %q has %d predictions for %d units",
				ErrLengthMismatch, name, len(p), len(y))
		}
	}

	// Deterministic column order.
	views := make([]string, 0, len(preds))
	for name := range preds {
		if bypassIntra && name == intraName {
			continue
		}
		views = append(views, name)
	}
	sort.Strings(views)
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: target %q (all views bypassed)", ErrNoViews, target)
	}

	intraR2 := math.NaN()
	if !bypassIntra {
		if r2, ok := viewR2[intraName]; ok {
			intraR2 = r2
		}
	}

	c := &Contribution{
		Target:       target,
		Views:        views,
		Coefficients: make(map[string]float64, len(views)),
		IntraR2:      intraR2,
		BypassIntra:  bypassIntra,
	}

	// A zero-variance target explains nothing anywhere: all scores zero.
	if isConstant(y) {
		for _, name := range views {
			c.Coefficients[name] = 0
		}
		c.MultiR2 = 0
		if !math.IsNaN(intraR2) {
			c.GainR2 = c.MultiR2 - intraR2
			c.Flagged = c.GainR2 < 0
		}
		return c, nil
	}

	beta, err := ridge(y, preds, views, lambda)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", target, err)
	}

	// Clip anti-predictive views out of the contribution, then rebuild the
	// intercept so the clipped fit stays centered.
	for i, name := range views {
		if beta[i] < 0 {
			beta[i] = 0
		}
		c.Coefficients[name] = beta[i]
	}
	intercept := mean(y)
	for j, name := range views {
		intercept -= beta[j] * mean(preds[name])
	}

	// Variance explained by the clipped combination.
	fitted := make([]float64, len(y))
	for i := range fitted {
		f := intercept
		for j, name := range views {
			f += beta[j] * preds[name][i]
		}
		fitted[i] = f
	}
	c.MultiR2 = rsquared(y, fitted)

	if math.IsNaN(intraR2) {
		c.GainR2 = c.MultiR2
	} else {
		c.GainR2 = c.MultiR2 - intraR2
		c.Flagged = c.GainR2 < 0
	}
	return c, nil
}

// ridge solves (XᵀX + λI)β = Xᵀy on centered data. Centering keeps the
// (implicit) intercept unpenalized; callers rebuild it from the means.
func ridge(y []float64, preds map[string][]float64, views []string, lambda float64) ([]float64, error) {
	n := len(y)
	p := len(views)

	colMeans := make([]float64, p)
	for j, name := range views {
		colMeans[j] = mean(preds[name])
	}
	yMean := mean(y)

	x := mat.NewDense(n, p, nil)
	for j, name := range views {
		col := preds[name]
		for i := 0; i < n; i++ {
			x.Set(i, j, col[i]-colMeans[j])
		}
	}
	yc := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		yc.SetVec(i, y[i]-yMean)
	}

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for j := 0; j < p; j++ {
		xtx.Set(j, j, xtx.At(j, j)+lambda)
	}
	var xty mat.VecDense
	xty.MulVec(x.T(), yc)

	var sol mat.VecDense
	if err := sol.SolveVec(&xtx, &xty); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	beta := make([]float64, p)
	for j := 0; j < p; j++ {
		beta[j] = sol.AtVec(j)
		if math.IsNaN(beta[j]) || math.IsInf(beta[j], 0) {
			return nil, ErrSingular
		}
	}
	return beta, nil
}

// recomputed here rather than imported from learner to keep meta free of a
// dependency on the training layer; the two layers agree on the definition.
func rsquared(y, fitted []float64) float64 {
	m := mean(y)
	var ssr, sst float64
	for i, v := range y {
		d := v - fitted[i]
		ssr += d * d
		t := v - m
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

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func isConstant(vals []float64) bool {
	for _, v := range vals[1:] {
		if v != vals[0] {
			return false
		}
	}
	return true
}
