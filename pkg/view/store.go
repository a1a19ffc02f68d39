package view

import (
	"fmt"
	"sync"

	"github.com/spatialomics/mview/pkg/kernel"
)

// Store holds the views of one analysis run.
//
// The intraview passed to NewStore fixes the canonical unit identifier set
// and ordering; every later view must carry exactly that unit sequence.
// Store is safe for concurrent reads once view registration is complete.
type Store struct {
	mu     sync.RWMutex
	units  []string
	order  []string
	views  map[string]View
	coords [][]float64
	cache  *kernel.Cache
}

// IntraviewName is the registered name of the intrinsic view.
const IntraviewName = "intraview"

// NewStore creates a store whose canonical unit set is taken from the
// intrinsic table. The table is registered as the intraview.
func NewStore(intrinsic *Table) (*Store, error) {
	if intrinsic == nil {
		return nil, fmt.Errorf("%w: nil intrinsic table", ErrShapeMismatch)
	}
	s := &Store{
		units: intrinsic.Units(),
		views: make(map[string]View, 4),
		cache: kernel.NewCache(0),
	}
	s.order = append(s.order, IntraviewName)
	s.views[IntraviewName] = View{Name: IntraviewName, Kind: KindIntra, Table: intrinsic}
	return s, nil
}

// SetCoordinates attaches 2D or 3D coordinates for the canonical unit set.
// The unit identifiers must match the store's canonical set in the same
// order; anything else is ErrUnitSetMismatch. Required before AddJuxtaview
// and AddParaview.
func (s *Store) SetCoordinates(units []string, coords [][]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(units) != len(s.units) || len(coords) != len(s.units) {
		return fmt.Errorf("%w: %d coordinate rows for %d units",
			ErrUnitSetMismatch, len(coords), len(s.units))
	}
	for i, u := range units {
		if u != s.units[i] {
			return fmt.Errorf("%w: coordinate row %d is %q, want %q",
				ErrUnitSetMismatch, i, u, s.units[i])
		}
	}
	s.coords = coords
	return nil
}

// Add registers a view. The view's table must carry the canonical unit
// sequence. Errors: ErrDuplicateView, ErrShapeMismatch.
func (s *Store) Add(v View) error {
	if v.Table == nil {
		return fmt.Errorf("%w: view %q has no table", ErrShapeMismatch, v.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(v)
}

func (s *Store) addLocked(v View) error {
	if _, exists := s.views[v.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateView, v.Name)
	}
	got := v.Table.Units()
	if len(got) != len(s.units) {
		return fmt.Errorf("%w: view %q has %d units, store has %d",
			ErrShapeMismatch, v.Name, len(got), len(s.units))
	}
	for i, u := range got {
		if u != s.units[i] {
			return fmt.Errorf("%w: view %q unit %d is %q, want %q",
				ErrShapeMismatch, v.Name, i, u, s.units[i])
		}
	}
	s.order = append(s.order, v.Name)
	s.views[v.Name] = v
	return nil
}

// AddJuxtaview derives a near-neighbor view from the intraview's markers.
//
// For each unit u and marker m the derived value is Σ_{n≠u} w(u,n)·intra(n,m)
// where w comes from the given kernel (threshold family in the usual
// configuration). With p.Normalize the sum becomes a weighted average.
func (s *Store) AddJuxtaview(name string, p kernel.Params) error {
	return s.addDerived(name, KindJuxta, p)
}

// AddParaview derives a distance-decay view from the intraview's markers,
// conventionally with a gaussian kernel.
func (s *Store) AddParaview(name string, p kernel.Params) error {
	return s.addDerived(name, KindPara, p)
}

func (s *Store) addDerived(name string, kind Kind, p kernel.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coords == nil {
		return fmt.Errorf("%w: cannot derive view %q", ErrNoCoordinates, name)
	}
	if _, exists := s.views[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateView, name)
	}

	w, err := s.cache.Compute(s.coords, p)
	if err != nil {
		return fmt.Errorf("deriving view %q: %w", name, err)
	}

	base := s.views[IntraviewName].Table
	derived := aggregate(w, base)
	return s.addLocked(View{Name: name, Kind: kind, Table: derived})
}

// aggregate computes the weighted neighbor sum of every base marker.
func aggregate(w *kernel.Weights, base *Table) *Table {
	nUnits, nMarkers := base.NumUnits(), base.NumMarkers()
	data := make([]float64, nUnits*nMarkers)
	for i := 0; i < nUnits; i++ {
		idx, wts := w.Neighbors(i)
		row := data[i*nMarkers : (i+1)*nMarkers]
		for k, nb := range idx {
			weight := wts[k]
			for j := 0; j < nMarkers; j++ {
				row[j] += weight * base.At(nb, j)
			}
		}
	}
	t, err := NewTable(base.Units(), base.Markers(), data)
	if err != nil {
		// Base table was validated; the weighted sum of finite values
		// stays finite.
		panic(fmt.Sprintf("view: derived table invalid: %v", err))
	}
	return t
}

// Get returns the named view.
func (s *Store) Get(name string) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[name]
	if !ok {
		return View{}, fmt.Errorf("%w: %q", ErrViewNotFound, name)
	}
	return v, nil
}

// Intraview returns the intrinsic view.
func (s *Store) Intraview() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.views[IntraviewName]
}

// Names returns view names in registration order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Units returns the canonical ordered unit identifiers.
func (s *Store) Units() []string { return s.units }

// NumViews returns the number of registered views.
func (s *Store) NumViews() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

// KernelStats returns hit/miss counts of the store's weight-matrix cache.
func (s *Store) KernelStats() (hits, misses uint64) {
	return s.cache.Stats()
}
