package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel(" Warning ")
	assert.True(t, ok)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	_, ok = ParseLevel("")
	assert.False(t, ok)
	_, ok = ParseLevel("loud")
	assert.False(t, ok)
}

func TestNewWritesJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig(ProfileTest, &buf)
	assert.False(t, cfg.Console)

	log := New("vos3d", &buf, cfg)
	log.Info().Int("step", 3).Msg("eval")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "vos3d", line["app"])
	assert.Equal(t, float64(3), line["step"])
	assert.NotContains(t, line, "time")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "console")
	t.Setenv(EnvLogNoColor, "true")

	cfg := DefaultConfig(ProfileRuntime, &bytes.Buffer{})
	ApplyEnv(&cfg)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.NoColor)
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New("vos3d", &buf, Config{Level: zerolog.WarnLevel})
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewRuntimeHonoursEnvLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	log := NewRuntime("vos3d")
	assert.Equal(t, zerolog.ErrorLevel, log.GetLevel())
}
