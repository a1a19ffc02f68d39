// Package results accumulates and persists the engine's output tables.
//
// Three long-form tables make up a run's result set:
//
//   - improvements: per target, holding intra R², multi R², and gain R²
//   - contributions: per target per view, holding the contribution weight
//   - importances: per target per view per predictor, holding the importance
//
// Records are keyed by (target[, view[, predictor]]) and writes are
// append-only with a skip-if-present policy: re-running a finished target
// writes nothing, which is what makes interrupted runs resumable. Two
// engines implement the storage contract: a persistent BadgerEngine and a
// MemoryEngine for tests and throwaway runs.
package results

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("results: engine is closed")
)

// ImprovementRecord is one row of the improvements table.
type ImprovementRecord struct {
	Target  string  `json:"target"`
	IntraR2 float64 `json:"intra_r2"`
	MultiR2 float64 `json:"multi_r2"`
	GainR2  float64 `json:"gain_r2"`
	// Flagged marks a negative gain diagnostic.
	Flagged bool `json:"flagged"`
	// Failed marks a target whose model fitting failed numerically; all
	// scores are zero and mean "not applicable", not "explains nothing".
	Failed bool `json:"failed,omitempty"`
	// BypassIntra records that IntraR2 is not applicable; IntraR2 is
	// serialized as NaN-safe zero with this flag set.
	BypassIntra bool `json:"bypass_intra"`
}

// ContributionRecord is one row of the contributions table.
type ContributionRecord struct {
	Target string  `json:"target"`
	View   string  `json:"view"`
	Weight float64 `json:"weight"`
}

// ImportanceRecord is one row of the importances table.
type ImportanceRecord struct {
	Target    string  `json:"target"`
	View      string  `json:"view"`
	Predictor string  `json:"predictor"`
	Value     float64 `json:"value"`
}

// Filter narrows read accessors. Empty fields match anything.
type Filter struct {
	Target    string
	View      string
	Predictor string
}

func (f Filter) matchImprovement(r ImprovementRecord) bool {
	return f.Target == "" || f.Target == r.Target
}

func (f Filter) matchContribution(r ContributionRecord) bool {
	return (f.Target == "" || f.Target == r.Target) &&
		(f.View == "" || f.View == r.View)
}

func (f Filter) matchImportance(r ImportanceRecord) bool {
	return (f.Target == "" || f.Target == r.Target) &&
		(f.View == "" || f.View == r.View) &&
		(f.Predictor == "" || f.Predictor == r.Predictor)
}

// Engine is the storage contract for result records.
//
// Put methods report inserted=false when a record with the same key already
// exists; the existing record is left untouched (skip-if-present).
type Engine interface {
	PutImprovement(r ImprovementRecord) (inserted bool, err error)
	PutContribution(r ContributionRecord) (inserted bool, err error)
	PutImportance(r ImportanceRecord) (inserted bool, err error)

	// HasImprovement reports whether a target's improvement record exists.
	// The improvement row is written last for a target, so its presence
	// means the whole target is complete.
	HasImprovement(target string) (bool, error)

	Improvements(f Filter) ([]ImprovementRecord, error)
	Contributions(f Filter) ([]ContributionRecord, error)
	Importances(f Filter) ([]ImportanceRecord, error)

	Close() error
}

// key layout shared by engines: single-byte table prefix, then the record
// coordinates joined by 0x00 separators.
const (
	prefixImprovement  = byte(0x01)
	prefixContribution = byte(0x02)
	prefixImportance   = byte(0x03)
)

func improvementKey(target string) []byte {
	return append([]byte{prefixImprovement}, target...)
}

func contributionKey(target, view string) []byte {
	k := append([]byte{prefixContribution}, target...)
	k = append(k, 0x00)
	return append(k, view...)
}

func importanceKey(target, view, predictor string) []byte {
	k := append([]byte{prefixImportance}, target...)
	k = append(k, 0x00)
	k = append(k, view...)
	k = append(k, 0x00)
	return append(k, predictor...)
}

func validateRecordKey(parts ...string) error {
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("results: empty key component")
		}
	}
	return nil
}
