package learner

import "math/rand"

// foldAssignments deals units into k cross-validation folds.
//
// Units are shuffled with the given source and assigned round-robin, so fold
// sizes differ by at most one. k is clamped to the unit count (leave-one-out
// at the extreme). The assignment is computed once per (target, view) and
// read-only afterwards.
func foldAssignments(n, k int, rng *rand.Rand) []int {
	if k > n {
		k = n
	}
	if k < 2 {
		k = 2
		if n < 2 {
			k = 1
		}
	}
	folds := make([]int, n)
	for i, u := range rng.Perm(n) {
		folds[u] = i % k
	}
	return folds
}

// foldSplit returns the train and held-out index sets of one fold.
func foldSplit(folds []int, fold int) (train, test []int) {
	for i, f := range folds {
		if f == fold {
			test = append(test, i)
		} else {
			train = append(train, i)
		}
	}
	return train, test
}

// numFolds returns the number of distinct folds in an assignment.
func numFolds(folds []int) int {
	max := -1
	for _, f := range folds {
		if f > max {
			max = f
		}
	}
	return max + 1
}
