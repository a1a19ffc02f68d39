package results

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spatialomics/mview/pkg/learner"
	"github.com/spatialomics/mview/pkg/meta"
)

// Aggregator turns per-target modeling outcomes into stored result rows.
//
// Record order per target is contributions, importances, improvement last:
// the improvement row doubles as the target's completion marker, so a crash
// mid-target leaves no marker and the target is redone on resume.
type Aggregator struct {
	engine Engine
}

// NewAggregator wraps a storage engine.
func NewAggregator(engine Engine) *Aggregator {
	return &Aggregator{engine: engine}
}

// HasTarget reports whether the target completed in a previous run.
func (a *Aggregator) HasTarget(target string) (bool, error) {
	return a.engine.HasImprovement(target)
}

// Record persists one target's contribution decomposition and the
// per-view importance tables behind it. Idempotent: keys that already exist
// are skipped.
func (a *Aggregator) Record(c *meta.Contribution, trained []*learner.Result) error {
	for _, name := range c.Views {
		if _, err := a.engine.PutContribution(ContributionRecord{
			Target: c.Target,
			View:   name,
			Weight: c.Coefficients[name],
		}); err != nil {
			return fmt.Errorf("recording contribution for %s/%s: %w", c.Target, name, err)
		}
	}

	for _, res := range trained {
		for _, predictor := range res.Predictors {
			if _, err := a.engine.PutImportance(ImportanceRecord{
				Target:    res.Target,
				View:      res.View,
				Predictor: predictor,
				Value:     res.Importances[predictor],
			}); err != nil {
				return fmt.Errorf("recording importance for %s/%s/%s: %w",
					res.Target, res.View, predictor, err)
			}
		}
	}

	imp := ImprovementRecord{
		Target:      c.Target,
		IntraR2:     c.IntraR2,
		MultiR2:     c.MultiR2,
		GainR2:      c.GainR2,
		Flagged:     c.Flagged,
		BypassIntra: c.BypassIntra,
	}
	// NaN (bypassed intra) does not survive JSON; the flag carries the
	// not-applicable meaning.
	if math.IsNaN(imp.IntraR2) {
		imp.IntraR2 = 0
		imp.BypassIntra = true
	}
	if _, err := a.engine.PutImprovement(imp); err != nil {
		return fmt.Errorf("recording improvement for %s: %w", c.Target, err)
	}
	return nil
}

// RecordFailure stores an all-zero improvement row for a target whose
// model fitting failed numerically, so one bad target never blocks a run and
// the failure is visible downstream rather than silently dropped.
func (a *Aggregator) RecordFailure(target string) error {
	_, err := a.engine.PutImprovement(ImprovementRecord{Target: target, Failed: true})
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", target, err)
	}
	return nil
}

// Improvements passes through to the engine.
func (a *Aggregator) Improvements(f Filter) ([]ImprovementRecord, error) {
	return a.engine.Improvements(f)
}

// Contributions passes through to the engine.
func (a *Aggregator) Contributions(f Filter) ([]ContributionRecord, error) {
	return a.engine.Contributions(f)
}

// Importances passes through to the engine.
func (a *Aggregator) Importances(f Filter) ([]ImportanceRecord, error) {
	return a.engine.Importances(f)
}

// ExportCSV writes the three result tables as CSV files into dir:
// improvements.csv, contributions.csv, importances.csv.
func (a *Aggregator) ExportCSV(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("results: creating export directory: %w", err)
	}

	improvements, err := a.engine.Improvements(Filter{})
	if err != nil {
		return err
	}
	rows := [][]string{{"target", "intra.R2", "multi.R2", "gain.R2", "flagged", "bypass.intra"}}
	for _, r := range improvements {
		intra := formatFloat(r.IntraR2)
		if r.BypassIntra {
			intra = "NA"
		}
		rows = append(rows, []string{
			r.Target, intra, formatFloat(r.MultiR2), formatFloat(r.GainR2),
			strconv.FormatBool(r.Flagged), strconv.FormatBool(r.BypassIntra),
		})
	}
	if err := writeCSV(filepath.Join(dir, "improvements.csv"), rows); err != nil {
		return err
	}

	contribs, err := a.engine.Contributions(Filter{})
	if err != nil {
		return err
	}
	rows = [][]string{{"target", "view", "weight"}}
	for _, r := range contribs {
		rows = append(rows, []string{r.Target, r.View, formatFloat(r.Weight)})
	}
	if err := writeCSV(filepath.Join(dir, "contributions.csv"), rows); err != nil {
		return err
	}

	importances, err := a.engine.Importances(Filter{})
	if err != nil {
		return err
	}
	rows = [][]string{{"target", "view", "predictor", "value"}}
	for _, r := range importances {
		rows = append(rows, []string{r.Target, r.View, r.Predictor, formatFloat(r.Value)})
	}
	return writeCSV(filepath.Join(dir, "importances.csv"), rows)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("results: creating %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("results: writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("results: closing %s: %w", path, err)
	}
	return nil
}
