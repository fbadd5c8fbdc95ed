package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vos3d/internal/model"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	path := writeFile(t, "demo.yaml", `
network: resnet3d_mask_guidance
tw: 8
backbone: tiny
lr_schedulers: [exponential, step]
train_root_a: /data/a
steps: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "resnet3d_mask_guidance", cfg.Network)
	assert.Equal(t, 8, cfg.TW)
	assert.Equal(t, []string{"exponential", "step"}, cfg.LRSchedulers)
	assert.Equal(t, 4, cfg.Steps)
	assert.Equal(t, 2, cfg.NClasses)
	assert.Equal(t, model.DefaultMDim, cfg.MDim)
	assert.True(t, cfg.FreezeBN)
	assert.Zero(t, cfg.WorldSize)
	assert.Equal(t, []string{"/data/a"}, cfg.Roots())

	env, err := cfg.ModelEnv()
	require.NoError(t, err)
	assert.Equal(t, 4, env.Backbone.BaseWidth)
	assert.Equal(t, 8, cfg.ModelOptions().TW)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "demo.yaml", "steps: 4\nbatch_size: 2\n")
	t.Setenv("VOS3D_STEPS", "9")
	t.Setenv("VOS3D_LR_SCHEDULERS", "step")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Steps)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, []string{"step"}, cfg.LRSchedulers)
}

func TestValidateReportsTagFailures(t *testing.T) {
	path := writeFile(t, "bad.yaml", "tw: 0\nlr_schedulers: [cosine]\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tw failed 'gte'")
	assert.Contains(t, err.Error(), "'oneof'")
}

func TestValidateCrossFieldChecks(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Backbone = "vgg"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.SummaryEvery = 5
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.MetricsAddr = "9090"
	assert.Error(t, bad.Validate())

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{Steps: 3, BatchSize: 1, Backbone: "resnet50"}
	cfg.ApplyOverrides(Overrides{Steps: 7, Backbone: "tiny", TrainRootB: "/b"})
	assert.Equal(t, 7, cfg.Steps)
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, "tiny", cfg.Backbone)
	assert.Equal(t, "/b", cfg.TrainRootB)
}

func TestLoadNetworks(t *testing.T) {
	nets, err := LoadNetworks("")
	require.NoError(t, err)
	assert.Equal(t, "Resnet3d", nets["resnet3d"])

	path := writeFile(t, "networks.toml", "[networks]\nfast = \"Resnet3dPredictOne\"\n")
	nets, err = LoadNetworks(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"fast": "Resnet3dPredictOne"}, nets)

	path = writeFile(t, "extra.toml", "owner = \"me\"\n[networks]\nfast = \"Resnet3d\"\n")
	_, err = LoadNetworks(path)
	assert.ErrorContains(t, err, "unknown keys owner")

	path = writeFile(t, "empty.toml", "")
	_, err = LoadNetworks(path)
	assert.Error(t, err)
}
