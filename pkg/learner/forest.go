package learner

import (
	"math/rand"
	"sort"
)

// Forest is a bagged ensemble of regression trees with random-forest
// semantics: every tree sees a bootstrap sample of the training units and
// considers a random predictor subset at each split. Predictions average the
// trees; importance is the impurity (variance) decrease a predictor's splits
// achieve, averaged over all trees and folds.
type Forest struct{}

// Fit trains the ensemble under k-fold cross-validation and returns
// out-of-fold predictions for every unit.
func (f *Forest) Fit(features [][]float64, target []float64, predictors []string, opts Options) (*Result, error) {
	if err := validateFitInput(features, target, predictors); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if isConstant(target) {
		return constantResult(target, predictors), nil
	}

	n := len(target)
	p := len(predictors)
	mtry := opts.MTry
	if mtry <= 0 {
		mtry = p / 3
	}
	if mtry < 1 {
		mtry = 1
	}
	if mtry > p {
		mtry = p
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	folds := foldAssignments(n, opts.Folds, rng)
	k := numFolds(folds)

	predicted := make([]float64, n)
	impTotal := make([]float64, p)
	var treeCount int

	for fold := 0; fold < k; fold++ {
		train, test := foldSplit(folds, fold)
		if len(train) == 0 {
			for _, i := range test {
				predicted[i] = meanOf(target)
			}
			continue
		}
		sums := make([]float64, len(test))
		for t := 0; t < opts.Trees; t++ {
			sample := bootstrap(train, rng)
			tree := growTree(features, target, sample, p, mtry, opts.MinLeaf, rng, impTotal)
			treeCount++
			for ti, i := range test {
				sums[ti] += tree.predict(features[i])
			}
		}
		for ti, i := range test {
			predicted[i] = sums[ti] / float64(opts.Trees)
		}
	}

	imp := make(map[string]float64, p)
	for j, name := range predictors {
		if treeCount > 0 {
			imp[name] = impTotal[j] / float64(treeCount)
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

// bootstrap samples len(train) indices from train with replacement.
func bootstrap(train []int, rng *rand.Rand) []int {
	sample := make([]int, len(train))
	for i := range sample {
		sample[i] = train[rng.Intn(len(train))]
	}
	return sample
}

// treeNode is one node of a regression tree. A node with nil left is a leaf.
type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
	value     float64
}

func (t *treeNode) predict(row []float64) float64 {
	for t.left != nil {
		if row[t.feature] <= t.threshold {
			t = t.left
		} else {
			t = t.right
		}
	}
	return t.value
}

// growTree recursively builds a variance-reduction regression tree over the
// units in idx (bootstrap indices, duplicates allowed). Split gains are
// accumulated into imp by feature.
func growTree(features [][]float64, target []float64, idx []int, p, mtry, minLeaf int, rng *rand.Rand, imp []float64) *treeNode {
	sse, mean := sseOf(target, idx)
	if len(idx) < 2*minLeaf || sse == 0 {
		return &treeNode{value: mean}
	}

	bestGain := 0.0
	bestFeature := -1
	bestThreshold := 0.0

	for _, feature := range rng.Perm(p)[:mtry] {
		gain, threshold, ok := bestSplit(features, target, idx, feature, minLeaf, sse)
		if ok && gain > bestGain {
			bestGain = gain
			bestFeature = feature
			bestThreshold = threshold
		}
	}
	if bestFeature < 0 || bestGain <= 1e-12 {
		return &treeNode{value: mean}
	}

	imp[bestFeature] += bestGain

	var left, right []int
	for _, i := range idx {
		if features[i][bestFeature] <= bestThreshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	// A degenerate partition can follow float ties; bail to a leaf.
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{value: mean}
	}

	return &treeNode{
		feature:   bestFeature,
		threshold: bestThreshold,
		left:      growTree(features, target, left, p, mtry, minLeaf, rng, imp),
		right:     growTree(features, target, right, p, mtry, minLeaf, rng, imp),
	}
}

// bestSplit scans all split points of one feature and returns the largest
// variance reduction respecting minLeaf on both sides.
func bestSplit(features [][]float64, target []float64, idx []int, feature, minLeaf int, parentSSE float64) (gain, threshold float64, ok bool) {
	n := len(idx)
	order := make([]int, n)
	copy(order, idx)
	sort.Slice(order, func(a, b int) bool {
		return features[order[a]][feature] < features[order[b]][feature]
	})

	// Prefix sums of y and y² along the sorted order.
	var sumL, sqL float64
	var sumT, sqT float64
	for _, i := range order {
		sumT += target[i]
		sqT += target[i] * target[i]
	}

	for s := 0; s < n-1; s++ {
		i := order[s]
		sumL += target[i]
		sqL += target[i] * target[i]

		nL := s + 1
		nR := n - nL
		if nL < minLeaf || nR < minLeaf {
			continue
		}
		// Only between distinct feature values is a threshold meaningful.
		v, next := features[i][feature], features[order[s+1]][feature]
		if v == next {
			continue
		}

		sseL := sqL - sumL*sumL/float64(nL)
		sumR := sumT - sumL
		sseR := (sqT - sqL) - sumR*sumR/float64(nR)
		if g := parentSSE - sseL - sseR; g > gain {
			gain = g
			threshold = v + (next-v)/2
			ok = true
		}
	}
	return gain, threshold, ok
}

// sseOf returns the sum of squared deviations and mean of target over idx.
func sseOf(target []float64, idx []int) (sse, mean float64) {
	var sum, sq float64
	for _, i := range idx {
		sum += target[i]
		sq += target[i] * target[i]
	}
	n := float64(len(idx))
	mean = sum / n
	sse = sq - sum*sum/n
	if sse < 0 {
		sse = 0
	}
	return sse, mean
}
