// Package view holds the tabular views that feed the modeling engine.
//
// A view is a named table of spatial units × markers tagged with a kind:
// the unit's own measurements (intraview), aggregates over its immediate
// neighbors (juxtaview), a distance-weighted broader neighborhood (paraview),
// or arbitrary caller-supplied markers (custom). All views in one Store share
// the same ordered unit set, fixed by the intraview at construction; marker
// sets may differ per view.
//
// Example:
//
//	intra, err := view.NewTable(units, markers, values)
//	store, err := view.NewStore(intra)
//	store.SetCoordinates(units, coords)
//	store.AddJuxtaview("juxtaview", kernel.Params{Family: kernel.FamilyThreshold, Radius: 15})
//	store.AddParaview("paraview", kernel.Params{Family: kernel.FamilyGaussian, Radius: 50})
package view

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch is returned when a table's dimensions disagree with
	// its unit or marker lists, or when an added view does not align with
	// the store's canonical unit set.
	ErrShapeMismatch = errors.New("view: shape mismatch")
	// ErrUnitSetMismatch is returned when coordinates do not cover the
	// store's unit set in the canonical order.
	ErrUnitSetMismatch = errors.New("view: unit set mismatch")
	// ErrMissingValue is returned when a table contains NaN. Imputation is
	// an upstream concern; silent gaps would corrupt the decomposition.
	ErrMissingValue = errors.New("view: missing value in table")
	// ErrDuplicateView is returned when a view name is registered twice.
	ErrDuplicateView = errors.New("view: duplicate view name")
	// ErrViewNotFound is returned by lookups for unregistered view names.
	ErrViewNotFound = errors.New("view: view not found")
	// ErrNoCoordinates is returned when a derived view is requested before
	// SetCoordinates.
	ErrNoCoordinates = errors.New("view: coordinates not set")
	// ErrMarkerNotFound is returned for lookups of unknown marker names.
	ErrMarkerNotFound = errors.New("view: marker not found")
)

// Kind tags the spatial semantics of a view.
type Kind string

const (
	// KindIntra is the unit's own measurements.
	KindIntra Kind = "intra"
	// KindJuxta aggregates immediate neighbors under a hard threshold.
	KindJuxta Kind = "juxta"
	// KindPara aggregates a broader neighborhood under distance decay.
	KindPara Kind = "para"
	// KindCustom is a caller-supplied view with arbitrary semantics.
	KindCustom Kind = "custom"
)

// Table is an immutable units × markers matrix with named rows and columns.
type Table struct {
	units   []string
	markers []string
	data    []float64 // row-major, len(units)*len(markers)
	cols    map[string]int
}

// NewTable validates and wraps a row-major value matrix.
//
// data holds len(units)×len(markers) values, one row per unit in order.
// Errors: ErrShapeMismatch (dimension disagreement or duplicate marker name),
// ErrMissingValue (any NaN).
func NewTable(units, markers []string, data []float64) (*Table, error) {
	if len(units) == 0 || len(markers) == 0 {
		return nil, fmt.Errorf("%w: empty unit or marker list", ErrShapeMismatch)
	}
	if len(data) != len(units)*len(markers) {
		return nil, fmt.Errorf("%w: %d values for %d units × %d markers",
			ErrShapeMismatch, len(data), len(units), len(markers))
	}
	cols := make(map[string]int, len(markers))
	for j, m := range markers {
		if _, dup := cols[m]; dup {
			return nil, fmt.Errorf("%w: duplicate marker %q", ErrShapeMismatch, m)
		}
		cols[m] = j
	}
	for i, v := range data {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: unit %q, marker %q",
				ErrMissingValue, units[i/len(markers)], markers[i%len(markers)])
		}
	}

	t := &Table{
		units:   append([]string(nil), units...),
		markers: append([]string(nil), markers...),
		data:    append([]float64(nil), data...),
		cols:    cols,
	}
	return t, nil
}

// NumUnits returns the number of rows.
func (t *Table) NumUnits() int { return len(t.units) }

// NumMarkers returns the number of columns.
func (t *Table) NumMarkers() int { return len(t.markers) }

// Units returns the ordered unit identifiers. Callers must not modify it.
func (t *Table) Units() []string { return t.units }

// Markers returns the ordered marker names. Callers must not modify it.
func (t *Table) Markers() []string { return t.markers }

// HasMarker reports whether the table has a column named m.
func (t *Table) HasMarker(m string) bool {
	_, ok := t.cols[m]
	return ok
}

// At returns the value for unit row i and marker column j.
func (t *Table) At(i, j int) float64 {
	return t.data[i*len(t.markers)+j]
}

// Column returns a copy of the named marker's values in unit order.
func (t *Table) Column(marker string) ([]float64, error) {
	j, ok := t.cols[marker]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMarkerNotFound, marker)
	}
	out := make([]float64, len(t.units))
	for i := range out {
		out[i] = t.At(i, j)
	}
	return out, nil
}

// Predictors returns the marker names and a row-major feature matrix for all
// columns except the named ones. Used to assemble a learner design matrix.
func (t *Table) Predictors(exclude ...string) ([]string, [][]float64) {
	skip := make(map[string]bool, len(exclude))
	for _, m := range exclude {
		skip[m] = true
	}
	names := make([]string, 0, len(t.markers))
	colIdx := make([]int, 0, len(t.markers))
	for j, m := range t.markers {
		if !skip[m] {
			names = append(names, m)
			colIdx = append(colIdx, j)
		}
	}
	rows := make([][]float64, len(t.units))
	for i := range rows {
		row := make([]float64, len(colIdx))
		for k, j := range colIdx {
			row[k] = t.At(i, j)
		}
		rows[i] = row
	}
	return names, rows
}

// Dense converts the table to a gonum dense matrix for linear algebra.
func (t *Table) Dense() *mat.Dense {
	return mat.NewDense(len(t.units), len(t.markers), append([]float64(nil), t.data...))
}

// View is a named table tagged with its spatial kind.
type View struct {
	Name  string
	Kind  Kind
	Table *Table
}
