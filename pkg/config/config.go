// Package config handles run configuration for the modeling engine.
//
// Configuration is layered, highest precedence last:
//
//  1. Defaults from Default()
//  2. A YAML file loaded with LoadFile()
//  3. MVIEW_-prefixed environment variables applied by ApplyEnv()
//
// Example YAML:
//
//	views:
//	  juxta:
//	    enabled: true
//	    radius: 15
//	  para:
//	    enabled: true
//	    radius: 50
//	model:
//	  family: ensemble
//	  folds: 10
//	  trees: 100
//	meta:
//	  lambda: 1.0
//	output:
//	  dir: ./out
//
// Environment variables:
//
//	MVIEW_MODEL_FAMILY=linear
//	MVIEW_MODEL_FOLDS=5
//	MVIEW_MODEL_SEED=42
//	MVIEW_META_LAMBDA=0.5
//	MVIEW_META_BYPASS_INTRA=true
//	MVIEW_RUN_WORKERS=8
//	MVIEW_OUTPUT_DIR=./out
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spatialomics/mview/pkg/kernel"
	"github.com/spatialomics/mview/pkg/learner"
	"github.com/spatialomics/mview/pkg/meta"
)

// Config holds all run settings.
type Config struct {
	// Views selects which derived views to build and their kernels.
	Views ViewsConfig `yaml:"views"`

	// Model configures the per-view learner.
	Model ModelConfig `yaml:"model"`

	// Meta configures the meta-model combination.
	Meta MetaConfig `yaml:"meta"`

	// Run configures orchestration.
	Run RunConfig `yaml:"run"`

	// Output configures result persistence.
	Output OutputConfig `yaml:"output"`
}

// ViewsConfig selects the derived views of a run.
type ViewsConfig struct {
	Juxta DerivedViewConfig `yaml:"juxta"`
	Para  DerivedViewConfig `yaml:"para"`
}

// DerivedViewConfig configures one derived view's kernel.
type DerivedViewConfig struct {
	// Enabled builds the view at all.
	Enabled bool `yaml:"enabled"`
	// Family overrides the view's conventional kernel family
	// (threshold for juxta, gaussian for para). Optional.
	Family string `yaml:"family,omitempty"`
	// K is the neighbor count when Family is constant.
	K int `yaml:"k,omitempty"`
	// Radius is the distance threshold or bandwidth.
	Radius float64 `yaml:"radius"`
	// CutoffFactor truncates gaussian support; 0 means the default.
	CutoffFactor float64 `yaml:"cutoff_factor,omitempty"`
	// Normalize averages neighbor values instead of summing them.
	Normalize bool `yaml:"normalize,omitempty"`
}

// ModelConfig configures the per-view learner.
type ModelConfig struct {
	// Family is ensemble, linear, or a registered custom family.
	Family string `yaml:"family"`
	// Folds is the cross-validation fold count.
	Folds int `yaml:"folds"`
	// Trees is the ensemble size.
	Trees int `yaml:"trees"`
	// MinLeaf is the minimum units per tree leaf.
	MinLeaf int `yaml:"min_leaf"`
	// Seed drives all randomness. Fixed default for reproducible runs;
	// set a new value per run to resample.
	Seed int64 `yaml:"seed"`
}

// MetaConfig configures the combination stage.
type MetaConfig struct {
	// Lambda is the ridge regularization strength.
	Lambda float64 `yaml:"lambda"`
	// BypassIntra excludes the intraview from the meta-model, measuring
	// spatial views against zero intrinsic signal.
	BypassIntra bool `yaml:"bypass_intra"`
}

// RunConfig configures orchestration.
type RunConfig struct {
	// Workers bounds concurrent (target, view) trainings. 0 = NumCPU.
	Workers int `yaml:"workers"`
	// AllowPartialViews skips a derived view whose kernel configuration
	// fails instead of aborting the run.
	AllowPartialViews bool `yaml:"allow_partial_views"`
	// TargetTimeout bounds one target's total compute. 0 = unbounded.
	TargetTimeout time.Duration `yaml:"target_timeout"`
}

// OutputConfig configures persistence.
type OutputConfig struct {
	// Dir is the result store directory.
	Dir string `yaml:"dir"`
	// Force deletes an existing store before the run, replacing
	// skip-if-present resume with a deterministic overwrite.
	Force bool `yaml:"force"`
	// SyncWrites forces fsync per record write.
	SyncWrites bool `yaml:"sync_writes"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Views: ViewsConfig{
			Juxta: DerivedViewConfig{Enabled: true, Radius: 15},
			Para:  DerivedViewConfig{Enabled: true, Radius: 50},
		},
		Model: ModelConfig{
			Family:  learner.FamilyEnsemble,
			Folds:   10,
			Trees:   100,
			MinLeaf: 5,
			Seed:    1,
		},
		Meta: MetaConfig{
			Lambda: meta.DefaultLambda,
		},
		Run: RunConfig{
			Workers: runtime.NumCPU(),
		},
		Output: OutputConfig{
			Dir: "./mview-results",
		},
	}
}

// LoadFile reads a YAML file over the defaults and applies environment
// overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from MVIEW_-prefixed environment variables.
// Unparseable values are ignored in favor of the current setting.
func (c *Config) ApplyEnv() {
	setString(&c.Model.Family, "MVIEW_MODEL_FAMILY")
	setInt(&c.Model.Folds, "MVIEW_MODEL_FOLDS")
	setInt(&c.Model.Trees, "MVIEW_MODEL_TREES")
	setInt64(&c.Model.Seed, "MVIEW_MODEL_SEED")
	setFloat(&c.Meta.Lambda, "MVIEW_META_LAMBDA")
	setBool(&c.Meta.BypassIntra, "MVIEW_META_BYPASS_INTRA")
	setInt(&c.Run.Workers, "MVIEW_RUN_WORKERS")
	setBool(&c.Run.AllowPartialViews, "MVIEW_RUN_ALLOW_PARTIAL_VIEWS")
	setString(&c.Output.Dir, "MVIEW_OUTPUT_DIR")
	setBool(&c.Output.Force, "MVIEW_OUTPUT_FORCE")
}

// Validate checks consistency before any compute is spent.
func (c *Config) Validate() error {
	if _, err := learner.New(c.Model.Family); err != nil {
		return fmt.Errorf("config: model family: %w", err)
	}
	if c.Model.Folds < 2 {
		return fmt.Errorf("config: folds must be >= 2, got %d", c.Model.Folds)
	}
	if c.Model.Trees < 1 {
		return fmt.Errorf("config: trees must be >= 1, got %d", c.Model.Trees)
	}
	if c.Meta.Lambda < 0 {
		return fmt.Errorf("config: lambda must be non-negative, got %v", c.Meta.Lambda)
	}
	if c.Run.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0, got %d", c.Run.Workers)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("config: output dir must be set")
	}
	for name, v := range map[string]DerivedViewConfig{"juxta": c.Views.Juxta, "para": c.Views.Para} {
		if !v.Enabled {
			continue
		}
		if _, err := v.KernelParams(name); err != nil {
			return fmt.Errorf("config: %s view: %w", name, err)
		}
	}
	return nil
}

// KernelParams converts the view configuration into kernel parameters.
// viewKind is "juxta" or "para" and picks the conventional default family.
func (v DerivedViewConfig) KernelParams(viewKind string) (kernel.Params, error) {
	family := v.Family
	if family == "" {
		switch viewKind {
		case "juxta":
			family = string(kernel.FamilyThreshold)
		case "para":
			family = string(kernel.FamilyGaussian)
		default:
			return kernel.Params{}, fmt.Errorf("unknown derived view kind %q", viewKind)
		}
	}
	fam, err := kernel.ParseFamily(family)
	if err != nil {
		return kernel.Params{}, err
	}
	p := kernel.Params{
		Family:       fam,
		K:            v.K,
		Radius:       v.Radius,
		CutoffFactor: v.CutoffFactor,
		Normalize:    v.Normalize,
	}
	if fam == kernel.FamilyConstant {
		if p.K < 1 {
			return kernel.Params{}, fmt.Errorf("constant kernel needs k >= 1")
		}
	} else if p.Radius <= 0 {
		return kernel.Params{}, fmt.Errorf("%s kernel needs a positive radius", fam)
	}
	return p, nil
}

// LearnerOptions converts the model section into learner options.
func (c *Config) LearnerOptions() learner.Options {
	return learner.Options{
		Folds:   c.Model.Folds,
		Trees:   c.Model.Trees,
		MinLeaf: c.Model.MinLeaf,
		Seed:    c.Model.Seed,
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
