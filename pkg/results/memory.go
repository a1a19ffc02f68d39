package results

import (
	"sort"
	"sync"
)

// MemoryEngine is an in-memory Engine for tests and throwaway runs.
// Safe for concurrent use.
type MemoryEngine struct {
	mu           sync.RWMutex
	closed       bool
	improvements map[string]ImprovementRecord
	contribs     map[string]ContributionRecord
	importances  map[string]ImportanceRecord
}

// NewMemoryEngine creates an empty in-memory result store.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		improvements: make(map[string]ImprovementRecord),
		contribs:     make(map[string]ContributionRecord),
		importances:  make(map[string]ImportanceRecord),
	}
}

// PutImprovement inserts unless the target already has a record.
func (e *MemoryEngine) PutImprovement(r ImprovementRecord) (bool, error) {
	if err := validateRecordKey(r.Target); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	key := string(improvementKey(r.Target))
	if _, exists := e.improvements[key]; exists {
		return false, nil
	}
	e.improvements[key] = r
	return true, nil
}

// PutContribution inserts unless the (target, view) pair already has a record.
func (e *MemoryEngine) PutContribution(r ContributionRecord) (bool, error) {
	if err := validateRecordKey(r.Target, r.View); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	key := string(contributionKey(r.Target, r.View))
	if _, exists := e.contribs[key]; exists {
		return false, nil
	}
	e.contribs[key] = r
	return true, nil
}

// PutImportance inserts unless the (target, view, predictor) triple exists.
func (e *MemoryEngine) PutImportance(r ImportanceRecord) (bool, error) {
	if err := validateRecordKey(r.Target, r.View, r.Predictor); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	key := string(importanceKey(r.Target, r.View, r.Predictor))
	if _, exists := e.importances[key]; exists {
		return false, nil
	}
	e.importances[key] = r
	return true, nil
}

// HasImprovement reports whether the target's improvement row exists.
func (e *MemoryEngine) HasImprovement(target string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false, ErrClosed
	}
	_, ok := e.improvements[string(improvementKey(target))]
	return ok, nil
}

// Improvements returns matching records sorted by target.
func (e *MemoryEngine) Improvements(f Filter) ([]ImprovementRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	out := make([]ImprovementRecord, 0, len(e.improvements))
	for _, r := range e.improvements {
		if f.matchImprovement(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

// Contributions returns matching records sorted by (target, view).
func (e *MemoryEngine) Contributions(f Filter) ([]ContributionRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	out := make([]ContributionRecord, 0, len(e.contribs))
	for _, r := range e.contribs {
		if f.matchContribution(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].View < out[j].View
	})
	return out, nil
}

// Importances returns matching records sorted by (target, view, predictor).
func (e *MemoryEngine) Importances(f Filter) ([]ImportanceRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	out := make([]ImportanceRecord, 0, len(e.importances))
	for _, r := range e.importances {
		if f.matchImportance(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		if out[i].View != out[j].View {
			return out[i].View < out[j].View
		}
		return out[i].Predictor < out[j].Predictor
	})
	return out, nil
}

// Close marks the engine closed; further operations return ErrClosed.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
