package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/talgya/angiogenesis/internal/geom"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7.0, cfg.Domain.VoxelSize)
	assert.Equal(t, 0.5, cfg.Substance.Diffusion)
	assert.Equal(t, 300, cfg.Trunk.Segments)
	assert.Equal(t, geom.Vec{X: 70, Y: 150}, cfg.Tumour.Position.Vec())
	assert.Equal(t, 16.0, cfg.Secretion.Radius2)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	content := `
run:
  seed: 42
  steps: 50
domain:
  min: [0, 0, 0]
  max: [40, 40, 40]
  voxel_size: 2
substance:
  initial: gaussian
  amplitude: 1
  mean: 20
  sigma: 5
  axis: z
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Run.Seed)
	assert.Equal(t, 50, cfg.Run.Steps)
	assert.Equal(t, Vec3{40, 40, 40}, cfg.Domain.Max)
	assert.Equal(t, "gaussian", cfg.Substance.Initial)
	// Unset keys keep their defaults.
	assert.Equal(t, 1.0, cfg.Run.DT)
	assert.Equal(t, 0.5, cfg.Substance.Diffusion)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run: [unclosed"), 0600))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANGIO_SEED", "7")
	t.Setenv("ANGIO_STEPS", "12")
	t.Setenv("ANGIO_WORKERS", "3")
	t.Setenv("ANGIO_API_PORT", "8080")
	t.Setenv("ANGIO_DB", "/tmp/x.db")
	t.Setenv("ANGIO_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Run.Seed)
	assert.Equal(t, 12, cfg.Run.Steps)
	assert.Equal(t, 3, cfg.Run.Workers)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DBPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("ANGIO_STEPS", "many")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"inverted domain", func(c *Config) { c.Domain.Max[1] = c.Domain.Min[1] }},
		{"zero voxel", func(c *Config) { c.Domain.VoxelSize = 0 }},
		{"negative steps", func(c *Config) { c.Run.Steps = -1 }},
		{"zero dt", func(c *Config) { c.Run.DT = 0 }},
		{"negative interval", func(c *Config) { c.Run.Interval = -time.Second }},
		{"negative decay", func(c *Config) { c.Substance.Decay = -1 }},
		{"unknown initial", func(c *Config) { c.Substance.Initial = "spiral" }},
		{"bad axis", func(c *Config) { c.Substance.Initial = "gaussian"; c.Substance.Axis = "w" }},
		{"zero sigma", func(c *Config) {
			c.Substance.Initial, c.Substance.Amplitude, c.Substance.Mean = "gaussian", 1, 7.5
		}},
		{"NaN mean", func(c *Config) {
			c.Substance.Initial, c.Substance.Sigma, c.Substance.Mean = "gaussian", 5, math.NaN()
		}},
		{"negative amplitude", func(c *Config) { c.Substance.Initial, c.Substance.Amplitude = "uniform", -1 }},
		{"infinite amplitude", func(c *Config) { c.Substance.Initial, c.Substance.Amplitude = "noise", math.Inf(1) }},
		{"zero noise scale", func(c *Config) { c.Substance.Initial, c.Substance.Scale = "noise", 0 }},
		{"ratio of one", func(c *Config) { c.Growth.DaughterDiameterRatio = 1 }},
		{"branch as wide as trunk", func(c *Config) { c.Growth.BranchDiameter = c.Trunk.Diameter }},
		{"zero trunk direction", func(c *Config) { c.Trunk.Direction = Vec3{} }},
		{"zero tumour diameter", func(c *Config) { c.Tumour.Diameter = 0 }},
		{"port out of range", func(c *Config) { c.API.Port = 70000 }},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Run.Seed = 99
	data, err := cfg.Marshal()
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, *cfg, back)
}

func TestInitializer(t *testing.T) {
	s := Default().Substance
	f, err := s.Initializer(1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, f(geom.Vec{X: 3}))

	s.Initial, s.Amplitude, s.Mean, s.Sigma, s.Axis = "gaussian", 2, 10, 1, "x"
	f, err = s.Initializer(1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, f(geom.Vec{X: 10}), 1e-12)

	s.Initial = "noise"
	f, err = s.Initializer(1)
	require.NoError(t, err)
	v := f(geom.Vec{X: 1, Y: 2, Z: 3})
	assert.GreaterOrEqual(t, v, 0.0)

	s.Initial = "other"
	_, err = s.Initializer(1)
	assert.Error(t, err)
}
