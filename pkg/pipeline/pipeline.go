// Package pipeline orchestrates a complete modeling run.
//
// A run walks every marker of the intrinsic view. For each marker it trains
// one model per view with out-of-fold cross-validation, combines the
// per-view predictions through the ridge meta-model, and records the three
// result tables. Training for one marker fans out across views on a bounded
// worker pool; markers themselves proceed sequentially so that a completed
// marker is durable before the next one starts.
//
// Runs resume: a marker whose improvement record already exists in the
// result store is skipped entirely, so an interrupted run picks up where it
// stopped.
//
// Example:
//
//	runner, err := pipeline.New(store, cfg, agg)
//	if err != nil {
//		return err
//	}
//	summary, err := runner.Run(ctx)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/spatialomics/mview/pkg/config"
	"github.com/spatialomics/mview/pkg/learner"
	"github.com/spatialomics/mview/pkg/meta"
	"github.com/spatialomics/mview/pkg/results"
	"github.com/spatialomics/mview/pkg/view"
)

var (
	// ErrNilStore is returned when the runner is built without a view store.
	ErrNilStore = errors.New("pipeline: view store is nil")
	// ErrNilAggregator is returned when the runner is built without a
	// result aggregator.
	ErrNilAggregator = errors.New("pipeline: aggregator is nil")
)

// JuxtaviewName and ParaviewName are the conventional derived view names.
const (
	JuxtaviewName = "juxtaview"
	ParaviewName  = "paraview"
)

// Runner executes a modeling run over a prepared view store.
type Runner struct {
	store *view.Store
	cfg   *config.Config
	agg   *results.Aggregator
}

// Summary reports what a run did.
type Summary struct {
	// Targets is the number of intrinsic markers considered.
	Targets int `json:"targets"`
	// Modeled is how many targets were trained and recorded in this run.
	Modeled int `json:"modeled"`
	// Skipped is how many targets already had results and were left alone.
	Skipped int `json:"skipped"`
	// Failed lists targets whose training failed numerically. Their
	// failure is recorded in the store and the run continues.
	Failed []string `json:"failed,omitempty"`
	// Views lists the views used, in training order.
	Views []string `json:"views"`
	// Elapsed is total wall time.
	Elapsed time.Duration `json:"elapsed"`
}

// New builds a runner. The configuration must already be validated.
func New(store *view.Store, cfg *config.Config, agg *results.Aggregator) (*Runner, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if agg == nil {
		return nil, ErrNilAggregator
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{store: store, cfg: cfg, agg: agg}, nil
}

// BuildViews derives the configured juxtaview and paraview on the store.
//
// A kernel failure normally aborts the whole run; with
// cfg.Run.AllowPartialViews the failing view is logged and skipped so the
// remaining views still get modeled.
func BuildViews(store *view.Store, cfg *config.Config) error {
	derive := func(name, kind string, v config.DerivedViewConfig) error {
		if !v.Enabled {
			return nil
		}
		p, err := v.KernelParams(kind)
		if err == nil {
			if kind == "juxta" {
				err = store.AddJuxtaview(name, p)
			} else {
				err = store.AddParaview(name, p)
			}
		}
		if err == nil {
			return nil
		}
		if !cfg.Run.AllowPartialViews {
			return fmt.Errorf("pipeline: building %s: %w", name, err)
		}
		log.Printf("skipping %s: %v", name, err)
		return nil
	}

	if err := derive(JuxtaviewName, "juxta", cfg.Views.Juxta); err != nil {
		return err
	}
	return derive(ParaviewName, "para", cfg.Views.Para)
}

// viewOutcome is one view's training result for the current target.
type viewOutcome struct {
	view string
	res  *learner.Result
	err  error
}

// Run executes the full run. It returns early only on context cancellation
// or a storage error; numerical failures are recorded per target and the
// run continues.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	targets := r.store.Intraview().Table.Markers()
	views := r.store.Names()

	summary := &Summary{Targets: len(targets), Views: views}

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		done, err := r.agg.HasTarget(target)
		if err != nil {
			return summary, fmt.Errorf("pipeline: checking %q: %w", target, err)
		}
		if done {
			summary.Skipped++
			continue
		}

		trained, err := r.trainTarget(ctx, target, views)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			// Training failure is a property of this target's data, not
			// of the run. Record it and move on.
			log.Printf("target %q failed: %v", target, err)
			if rerr := r.agg.RecordFailure(target); rerr != nil {
				return summary, fmt.Errorf("pipeline: recording failure for %q: %w", target, rerr)
			}
			summary.Failed = append(summary.Failed, target)
			continue
		}

		contrib, err := r.combine(target, trained)
		if err != nil {
			log.Printf("target %q meta-model failed: %v", target, err)
			if rerr := r.agg.RecordFailure(target); rerr != nil {
				return summary, fmt.Errorf("pipeline: recording failure for %q: %w", target, rerr)
			}
			summary.Failed = append(summary.Failed, target)
			continue
		}

		if err := r.agg.Record(contrib, trained); err != nil {
			return summary, fmt.Errorf("pipeline: recording %q: %w", target, err)
		}
		summary.Modeled++
	}

	summary.Elapsed = time.Since(start)
	return summary, nil
}

// trainTarget trains the target against every view concurrently and returns
// results in view order.
func (r *Runner) trainTarget(ctx context.Context, target string, views []string) ([]*learner.Result, error) {
	tctx := ctx
	if r.cfg.Run.TargetTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, r.cfg.Run.TargetTimeout)
		defer cancel()
	}

	y, err := r.store.Intraview().Table.Column(target)
	if err != nil {
		return nil, err
	}
	opts := r.cfg.LearnerOptions()

	workers := r.cfg.Run.Workers
	if workers <= 0 || workers > len(views) {
		workers = len(views)
	}

	jobs := make(chan string, len(views))
	out := make(chan viewOutcome, len(views))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				if tctx.Err() != nil {
					out <- viewOutcome{view: name, err: tctx.Err()}
					continue
				}
				out <- r.trainOne(name, target, y, opts)
			}
		}()
	}
	for _, name := range views {
		jobs <- name
	}
	close(jobs)
	wg.Wait()
	close(out)

	byView := make(map[string]*learner.Result, len(views))
	for o := range out {
		if o.err != nil {
			return nil, fmt.Errorf("view %q: %w", o.view, o.err)
		}
		byView[o.view] = o.res
	}

	ordered := make([]*learner.Result, 0, len(views))
	for _, name := range views {
		ordered = append(ordered, byView[name])
	}
	return ordered, nil
}

func (r *Runner) trainOne(viewName, target string, y []float64, opts learner.Options) viewOutcome {
	v, err := r.store.Get(viewName)
	if err != nil {
		return viewOutcome{view: viewName, err: err}
	}
	m, err := learner.New(r.cfg.Model.Family)
	if err != nil {
		return viewOutcome{view: viewName, err: err}
	}
	res, err := learner.TrainView(v, target, y, m, opts)
	if err != nil {
		return viewOutcome{view: viewName, err: err}
	}
	return viewOutcome{view: viewName, res: res}
}

// combine fits the meta-model over the per-view out-of-fold predictions.
func (r *Runner) combine(target string, trained []*learner.Result) (*meta.Contribution, error) {
	y, err := r.store.Intraview().Table.Column(target)
	if err != nil {
		return nil, err
	}
	preds := make(map[string][]float64, len(trained))
	viewR2 := make(map[string]float64, len(trained))
	for _, res := range trained {
		preds[res.View] = res.Predicted
		viewR2[res.View] = res.R2
	}
	return meta.Combine(target, y, preds, viewR2, view.IntraviewName,
		r.cfg.Meta.Lambda, r.cfg.Meta.BypassIntra)
}

// Targets returns the markers a run would model, sorted as the intrinsic
// table orders them.
func (r *Runner) Targets() []string {
	m := r.store.Intraview().Table.Markers()
	cp := make([]string, len(m))
	copy(cp, m)
	return cp
}

// Pending filters Targets down to those without a completed result.
func (r *Runner) Pending() ([]string, error) {
	var pending []string
	for _, t := range r.Targets() {
		done, err := r.agg.HasTarget(t)
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, t)
		}
	}
	sort.Strings(pending)
	return pending, nil
}
