// Package kernel computes neighborhood weight matrices from spatial unit
// coordinates.
//
// A weight matrix encodes, for every unit, which other units count as its
// spatial neighborhood and with what strength. Three built-in families are
// supported plus a custom escape hatch:
//
//   - FamilyConstant: k-nearest neighbors, weight 1 for each selected unit.
//   - FamilyThreshold: weight 1 for every unit within a radius.
//   - FamilyGaussian: exp(-d²/2r²) distance decay, truncated at a cutoff.
//   - FamilyCustom: caller-supplied weight function of distance.
//
// All families produce a zero diagonal: a unit is never its own neighbor.
// Computation is deterministic: identical coordinates and parameters yield
// bit-identical weights, including neighbor ordering.
//
// Example:
//
//	w, err := kernel.Compute(coords, kernel.Params{
//		Family: kernel.FamilyGaussian,
//		Radius: 5.0,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	idx, wts := w.Neighbors(0)
package kernel

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Family selects the weighting rule applied to inter-unit distances.
type Family string

const (
	// FamilyConstant selects the k closest units with weight 1 each.
	FamilyConstant Family = "constant"
	// FamilyThreshold gives weight 1 to units within Radius.
	FamilyThreshold Family = "threshold"
	// FamilyGaussian applies exp(-d²/2r²) decay with Radius as bandwidth.
	FamilyGaussian Family = "gaussian"
	// FamilyCustom applies a caller-supplied weight function of distance.
	FamilyCustom Family = "custom"
)

// DefaultCutoffFactor truncates gaussian weights at 3 bandwidths, where the
// weight has fallen to exp(-4.5) ≈ 0.011.
const DefaultCutoffFactor = 3.0

var (
	// ErrInvalidRadius is returned when a radius-based family is configured
	// with a radius ≤ 0.
	ErrInvalidRadius = errors.New("kernel: radius must be positive")
	// ErrInsufficientNeighbors is returned when the constant family asks for
	// more neighbors than exist.
	ErrInsufficientNeighbors = errors.New("kernel: k exceeds available neighbors")
	// ErrBadCoordinates is returned for empty, ragged, or non-2D/3D
	// coordinate input.
	ErrBadCoordinates = errors.New("kernel: coordinates must be uniform 2D or 3D rows")
	// ErrUnknownFamily is returned for an unrecognized kernel family name.
	ErrUnknownFamily = errors.New("kernel: unknown family")
)

// Params configures one weight-matrix computation.
type Params struct {
	// Family is the weighting rule. Required.
	Family Family

	// K is the neighbor count for FamilyConstant.
	K int

	// Radius is the distance threshold (FamilyThreshold) or gaussian
	// bandwidth (FamilyGaussian).
	Radius float64

	// CutoffFactor truncates gaussian support at CutoffFactor·Radius.
	// Zero means DefaultCutoffFactor.
	CutoffFactor float64

	// Normalize divides each unit's weights by their sum, turning the
	// neighborhood aggregate into a local average. The default (raw sum)
	// lets total neighborhood mass carry information.
	Normalize bool

	// WeightFunc maps distance to weight for FamilyCustom. Units where the
	// function returns 0 or less are not neighbors. The function must be
	// pure: same distance, same weight.
	WeightFunc func(distance float64) float64

	// CustomCutoff bounds the search radius for FamilyCustom. Required for
	// FamilyCustom.
	CustomCutoff float64
}

// ParseFamily converts a family name to a Family, or ErrUnknownFamily.
func ParseFamily(name string) (Family, error) {
	switch Family(name) {
	case FamilyConstant, FamilyThreshold, FamilyGaussian, FamilyCustom:
		return Family(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFamily, name)
}

// Compute builds the weight matrix for the given coordinates and parameters.
//
// Coordinates are one row per unit, each row 2 or 3 values, all rows the same
// length. The result has a zero diagonal and, in every row, neighbor indices
// in ascending order.
//
// Errors: ErrBadCoordinates, ErrInvalidRadius, ErrInsufficientNeighbors,
// ErrUnknownFamily.
func Compute(coords [][]float64, p Params) (*Weights, error) {
	dims, err := validateCoords(coords)
	if err != nil {
		return nil, err
	}
	n := len(coords)

	switch p.Family {
	case FamilyConstant:
		if p.K < 1 || p.K > n-1 {
			return nil, fmt.Errorf("%w: k=%d with %d units", ErrInsufficientNeighbors, p.K, n)
		}
		w := computeConstant(coords, p.K)
		if p.Normalize {
			w.normalizeRows()
		}
		return w, nil

	case FamilyThreshold:
		if p.Radius <= 0 {
			return nil, fmt.Errorf("%w: got %v", ErrInvalidRadius, p.Radius)
		}
		return computeRadial(coords, dims, p.Radius, func(d float64) float64 { return 1 }, p.Normalize), nil

	case FamilyGaussian:
		if p.Radius <= 0 {
			return nil, fmt.Errorf("%w: got %v", ErrInvalidRadius, p.Radius)
		}
		cutoff := p.CutoffFactor
		if cutoff == 0 {
			cutoff = DefaultCutoffFactor
		}
		denom := 2 * p.Radius * p.Radius
		weight := func(d float64) float64 { return math.Exp(-d * d / denom) }
		return computeRadial(coords, dims, cutoff*p.Radius, weight, p.Normalize), nil

	case FamilyCustom:
		if p.WeightFunc == nil || p.CustomCutoff <= 0 {
			return nil, fmt.Errorf("%w: custom family needs WeightFunc and CustomCutoff", ErrInvalidRadius)
		}
		return computeRadial(coords, dims, p.CustomCutoff, p.WeightFunc, p.Normalize), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, p.Family)
}

// validateCoords checks shape and returns the dimensionality.
func validateCoords(coords [][]float64) (int, error) {
	if len(coords) == 0 {
		return 0, fmt.Errorf("%w: no rows", ErrBadCoordinates)
	}
	dims := len(coords[0])
	if dims != 2 && dims != 3 {
		return 0, fmt.Errorf("%w: got %d columns", ErrBadCoordinates, dims)
	}
	for i, row := range coords {
		if len(row) != dims {
			return 0, fmt.Errorf("%w: row %d has %d columns, want %d", ErrBadCoordinates, i, len(row), dims)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("%w: row %d contains NaN or Inf", ErrBadCoordinates, i)
			}
		}
	}
	return dims, nil
}

// computeConstant builds k-nearest weights by exhaustive stable sort.
//
// A kd-tree keeper would be faster, but its heap does not promise a stable
// order among equidistant candidates, and equal-distance ties must break by
// unit index for reproducibility.
func computeConstant(coords [][]float64, k int) *Weights {
	n := len(coords)
	w := newWeights(n)

	type candidate struct {
		idx  int
		dist float64
	}
	cands := make([]candidate, 0, n-1)

	for i := 0; i < n; i++ {
		cands = cands[:0]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			cands = append(cands, candidate{idx: j, dist: sqDist(coords[i], coords[j])})
		}
		// Candidates enter in index order, so a stable sort on distance
		// leaves equal distances ordered by unit index.
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].dist < cands[b].dist })
		for _, c := range cands[:k] {
			w.add(i, c.idx, 1)
		}
		w.sortRow(i)
	}
	return w
}

// computeRadial builds weights for within-cutoff neighborhoods using a
// kd-tree range query per unit.
func computeRadial(coords [][]float64, dims int, cutoff float64, weight func(d float64) float64, normalize bool) *Weights {
	n := len(coords)
	w := newWeights(n)

	points := make(unitPoints, n)
	for i, row := range coords {
		points[i] = unitPoint{pos: row, id: i, dims: dims}
	}
	// Building the tree permutes the backing slice, so query points are
	// taken from coords, not from the tree's storage.
	tree := kdtree.New(points, false)

	cutoffSq := cutoff * cutoff
	for i := 0; i < n; i++ {
		q := unitPoint{pos: coords[i], id: i, dims: dims}
		keep := kdtree.NewDistKeeper(cutoffSq)
		tree.NearestSet(keep, q)
		for _, c := range keep.Heap {
			if c.Comparable == nil {
				continue
			}
			p := c.Comparable.(unitPoint)
			if p.id == i {
				continue
			}
			if wt := weight(math.Sqrt(c.Dist)); wt > 0 {
				w.add(i, p.id, wt)
			}
		}
		w.sortRow(i)
	}

	if normalize {
		w.normalizeRows()
	}
	return w
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
