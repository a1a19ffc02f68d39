package learner

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is an ordinary least squares model. Same contract as Forest at a
// fraction of the compute; importance is the standardized coefficient
// (β_j · sd(x_j)/sd(y)), signed by the direction of association.
type Linear struct{}

// Fit trains per-fold OLS models and returns out-of-fold predictions.
func (l *Linear) Fit(features [][]float64, target []float64, predictors []string, opts Options) (*Result, error) {
	if err := validateFitInput(features, target, predictors); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if isConstant(target) {
		return constantResult(target, predictors), nil
	}

	n := len(target)
	p := len(predictors)

	rng := rand.New(rand.NewSource(opts.Seed))
	folds := foldAssignments(n, opts.Folds, rng)
	k := numFolds(folds)

	predicted := make([]float64, n)
	impTotal := make([]float64, p)
	var impFolds int

	for fold := 0; fold < k; fold++ {
		train, test := foldSplit(folds, fold)
		if len(train) <= p+1 {
			// Not enough rows to fit; predict the training mean.
			m := meanOverIdx(target, train)
			for _, i := range test {
				predicted[i] = m
			}
			continue
		}

		beta, ok := solveOLS(features, target, train, p)
		if !ok {
			m := meanOverIdx(target, train)
			for _, i := range test {
				predicted[i] = m
			}
			continue
		}

		for _, i := range test {
			pred := beta[0]
			for j := 0; j < p; j++ {
				pred += beta[j+1] * features[i][j]
			}
			predicted[i] = pred
		}

		sdY := stddevOverIdx(target, train)
		if sdY > 0 {
			for j := 0; j < p; j++ {
				sdX := stddevColOverIdx(features, j, train)
				impTotal[j] += beta[j+1] * sdX / sdY
			}
			impFolds++
		}
	}

	imp := make(map[string]float64, p)
	for j, name := range predictors {
		if impFolds > 0 {
			imp[name] = impTotal[j] / float64(impFolds)
		} else {
			imp[name] = 0
		}
	}

	return &Result{
		Predictors:  append([]string(nil), predictors...),
		Predicted:   predicted,
		R2:          rsquared(target, predicted),
		Importances: imp,
	}, nil
}

// solveOLS fits an intercept-plus-slopes least squares model on the training
// rows via QR. Returns (intercept, β₁…β_p) or ok=false when the system is
// numerically unusable.
func solveOLS(features [][]float64, target []float64, train []int, p int) ([]float64, bool) {
	rows := len(train)
	a := mat.NewDense(rows, p+1, nil)
	b := mat.NewVecDense(rows, nil)
	for r, i := range train {
		a.Set(r, 0, 1)
		for j := 0; j < p; j++ {
			a.Set(r, j+1, features[i][j])
		}
		b.SetVec(r, target[i])
	}

	var qr mat.QR
	qr.Factorize(a)

	x := mat.NewDense(p+1, 1, nil)
	if err := qr.SolveTo(x, false, b); err != nil {
		// An ill-conditioned warning still carries a usable solution;
		// anything else does not.
		if _, cond := err.(mat.Condition); !cond {
			return nil, false
		}
	}

	beta := make([]float64, p+1)
	for j := range beta {
		beta[j] = x.At(j, 0)
		if math.IsNaN(beta[j]) || math.IsInf(beta[j], 0) {
			return nil, false
		}
	}
	return beta, true
}

func meanOverIdx(vals []float64, idx []int) float64 {
	var sum float64
	for _, i := range idx {
		sum += vals[i]
	}
	return sum / float64(len(idx))
}

func stddevOverIdx(vals []float64, idx []int) float64 {
	m := meanOverIdx(vals, idx)
	var sq float64
	for _, i := range idx {
		d := vals[i] - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(idx)))
}

func stddevColOverIdx(features [][]float64, col int, idx []int) float64 {
	var sum float64
	for _, i := range idx {
		sum += features[i][col]
	}
	m := sum / float64(len(idx))
	var sq float64
	for _, i := range idx {
		d := features[i][col] - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(idx)))
}
