package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spatialomics/mview/pkg/kernel"
	"github.com/spatialomics/mview/pkg/learner"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, learner.FamilyEnsemble, cfg.Model.Family)
	assert.Equal(t, 10, cfg.Model.Folds)
	assert.True(t, cfg.Views.Juxta.Enabled)
	assert.True(t, cfg.Views.Para.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	data := `
views:
  juxta:
    enabled: true
    radius: 12
    normalize: true
  para:
    enabled: false
    radius: 50
model:
  family: linear
  folds: 5
  seed: 7
meta:
  lambda: 0.25
output:
  dir: /tmp/mview-out
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, learner.FamilyLinear, cfg.Model.Family)
	assert.Equal(t, 5, cfg.Model.Folds)
	assert.Equal(t, int64(7), cfg.Model.Seed)
	assert.Equal(t, 0.25, cfg.Meta.Lambda)
	assert.Equal(t, 12.0, cfg.Views.Juxta.Radius)
	assert.True(t, cfg.Views.Juxta.Normalize)
	assert.False(t, cfg.Views.Para.Enabled)
	assert.Equal(t, "/tmp/mview-out", cfg.Output.Dir)

	// Unspecified fields keep their defaults.
	assert.Equal(t, 100, cfg.Model.Trees)
	assert.Equal(t, 5, cfg.Model.MinLeaf)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvWinsOverFile(t *testing.T) {
	t.Setenv("MVIEW_MODEL_FAMILY", "linear")
	t.Setenv("MVIEW_MODEL_FOLDS", "3")
	t.Setenv("MVIEW_META_LAMBDA", "2.5")
	t.Setenv("MVIEW_META_BYPASS_INTRA", "true")
	t.Setenv("MVIEW_OUTPUT_DIR", "/tmp/env-out")

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  folds: 8\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, learner.FamilyLinear, cfg.Model.Family)
	assert.Equal(t, 3, cfg.Model.Folds)
	assert.Equal(t, 2.5, cfg.Meta.Lambda)
	assert.True(t, cfg.Meta.BypassIntra)
	assert.Equal(t, "/tmp/env-out", cfg.Output.Dir)
}

func TestApplyEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("MVIEW_MODEL_FOLDS", "not-a-number")
	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 10, cfg.Model.Folds)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown family", func(c *Config) { c.Model.Family = "oracle" }},
		{"one fold", func(c *Config) { c.Model.Folds = 1 }},
		{"zero trees", func(c *Config) { c.Model.Trees = 0 }},
		{"negative lambda", func(c *Config) { c.Meta.Lambda = -1 }},
		{"negative workers", func(c *Config) { c.Run.Workers = -1 }},
		{"empty output dir", func(c *Config) { c.Output.Dir = "" }},
		{"juxta without radius", func(c *Config) { c.Views.Juxta.Radius = 0 }},
		{"constant without k", func(c *Config) {
			c.Views.Para.Family = string(kernel.FamilyConstant)
			c.Views.Para.K = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestKernelParamsDefaults(t *testing.T) {
	juxta, err := DerivedViewConfig{Enabled: true, Radius: 15}.KernelParams("juxta")
	require.NoError(t, err)
	assert.Equal(t, kernel.FamilyThreshold, juxta.Family)
	assert.Equal(t, 15.0, juxta.Radius)

	para, err := DerivedViewConfig{Enabled: true, Radius: 50, Normalize: true}.KernelParams("para")
	require.NoError(t, err)
	assert.Equal(t, kernel.FamilyGaussian, para.Family)
	assert.True(t, para.Normalize)

	knn := DerivedViewConfig{Enabled: true, Family: "constant", K: 6}
	p, err := knn.KernelParams("juxta")
	require.NoError(t, err)
	assert.Equal(t, kernel.FamilyConstant, p.Family)
	assert.Equal(t, 6, p.K)

	_, err = DerivedViewConfig{Enabled: true, Radius: 1}.KernelParams("orbital")
	assert.Error(t, err)
}

func TestLearnerOptions(t *testing.T) {
	cfg := Default()
	cfg.Model.Seed = 99
	opts := cfg.LearnerOptions()
	assert.Equal(t, 10, opts.Folds)
	assert.Equal(t, 100, opts.Trees)
	assert.Equal(t, int64(99), opts.Seed)
}
