package kernel

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Weights is a sparse unit×unit neighborhood weight matrix.
//
// Rows are stored as parallel index/weight slices with indices in ascending
// order. The diagonal is implicitly zero. Weights is immutable once returned
// by Compute and safe for concurrent reads.
type Weights struct {
	n   int
	idx [][]int
	wts [][]float64
}

func newWeights(n int) *Weights {
	return &Weights{
		n:   n,
		idx: make([][]int, n),
		wts: make([][]float64, n),
	}
}

// N returns the number of units.
func (w *Weights) N() int { return w.n }

// Neighbors returns the neighbor indices and weights of unit i.
// The returned slices are shared storage; callers must not modify them.
func (w *Weights) Neighbors(i int) ([]int, []float64) {
	return w.idx[i], w.wts[i]
}

// Degree returns the number of neighbors of unit i.
func (w *Weights) Degree(i int) int { return len(w.idx[i]) }

// NNZ returns the total number of stored weights.
func (w *Weights) NNZ() int {
	var total int
	for _, row := range w.idx {
		total += len(row)
	}
	return total
}

// RowSum returns the total weight mass of unit i's neighborhood.
func (w *Weights) RowSum(i int) float64 {
	var sum float64
	for _, v := range w.wts[i] {
		sum += v
	}
	return sum
}

func (w *Weights) add(i, j int, weight float64) {
	w.idx[i] = append(w.idx[i], j)
	w.wts[i] = append(w.wts[i], weight)
}

// sortRow orders row i's neighbors by ascending unit index.
func (w *Weights) sortRow(i int) {
	idx, wts := w.idx[i], w.wts[i]
	sort.Sort(&rowSorter{idx: idx, wts: wts})
}

func (w *Weights) normalizeRows() {
	for i := 0; i < w.n; i++ {
		sum := w.RowSum(i)
		if sum == 0 {
			continue
		}
		for j := range w.wts[i] {
			w.wts[i][j] /= sum
		}
	}
}

type rowSorter struct {
	idx []int
	wts []float64
}

func (s *rowSorter) Len() int           { return len(s.idx) }
func (s *rowSorter) Less(i, j int) bool { return s.idx[i] < s.idx[j] }
func (s *rowSorter) Swap(i, j int) {
	s.idx[i], s.idx[j] = s.idx[j], s.idx[i]
	s.wts[i], s.wts[j] = s.wts[j], s.wts[i]
}

// unitPoint adapts a coordinate row to the kdtree.Comparable interface.
type unitPoint struct {
	pos  []float64
	id   int
	dims int
}

func (p unitPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(unitPoint)
	return p.pos[d] - q.pos[d]
}

func (p unitPoint) Dims() int { return p.dims }

// Distance returns the squared Euclidean distance, matching the convention
// used by kdtree keepers.
func (p unitPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(unitPoint)
	return sqDist(p.pos, q.pos)
}

// unitPoints satisfies kdtree.Interface.
type unitPoints []unitPoint

func (p unitPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p unitPoints) Len() int                              { return len(p) }
func (p unitPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p unitPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(unitPlane{unitPoints: p, Dim: d}, kdtree.MedianOfMedians(unitPlane{unitPoints: p, Dim: d}))
}

// unitPlane implements sort.Interface and kdtree.SortSlicer over one axis.
type unitPlane struct {
	unitPoints
	kdtree.Dim
}

func (p unitPlane) Less(i, j int) bool {
	return p.unitPoints[i].pos[p.Dim] < p.unitPoints[j].pos[p.Dim]
}

func (p unitPlane) Slice(start, end int) kdtree.SortSlicer {
	return unitPlane{unitPoints: p.unitPoints[start:end], Dim: p.Dim}
}

func (p unitPlane) Swap(i, j int) {
	p.unitPoints[i], p.unitPoints[j] = p.unitPoints[j], p.unitPoints[i]
}
