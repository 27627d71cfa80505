// Package config provides configuration loading for angiogenesis runs.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/angiogenesis/internal/diffusion"
	"github.com/talgya/angiogenesis/internal/geom"
)

// Vec3 is a point or direction written as a three-element YAML sequence.
type Vec3 [3]float64

// Vec converts v to a geometry vector.
func (v Vec3) Vec() geom.Vec { return geom.Vec{X: v[0], Y: v[1], Z: v[2]} }

// Config contains every setting of a run.
type Config struct {
	Run       RunConfig       `json:"run" yaml:"run"`
	Domain    DomainConfig    `json:"domain" yaml:"domain"`
	Substance SubstanceConfig `json:"substance" yaml:"substance"`
	Growth    GrowthConfig    `json:"growth" yaml:"growth"`
	Trunk     TrunkConfig     `json:"trunk" yaml:"trunk"`
	Tumour    TumourConfig    `json:"tumour" yaml:"tumour"`
	Secretion SecretionConfig `json:"secretion" yaml:"secretion"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	API       APIConfig       `json:"api" yaml:"api"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// RunConfig controls the step loop.
type RunConfig struct {
	// Seed for the random stream; 0 draws one from the OS and logs it.
	Seed  int64   `json:"seed" yaml:"seed"`
	Steps int     `json:"steps" yaml:"steps"`
	DT    float64 `json:"dt" yaml:"dt"`

	// Workers is the number of goroutines sharing the diffusion stencil.
	// 0 means one per CPU.
	Workers int `json:"workers" yaml:"workers"`

	ReportEvery     uint64 `json:"report_every" yaml:"report_every"`
	CheckpointEvery uint64 `json:"checkpoint_every" yaml:"checkpoint_every"`

	// Interval paces the loop to at most one step per Interval; 0 runs
	// flat out.
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DomainConfig is the simulation box and its voxelization.
type DomainConfig struct {
	Min       Vec3    `json:"min" yaml:"min"`
	Max       Vec3    `json:"max" yaml:"max"`
	VoxelSize float64 `json:"voxel_size" yaml:"voxel_size"`
}

// SubstanceConfig describes the diffusing growth factor.
type SubstanceConfig struct {
	Name      string  `json:"name" yaml:"name"`
	Diffusion float64 `json:"diffusion" yaml:"diffusion"`
	Decay     float64 `json:"decay" yaml:"decay"`

	// Initial is "zero", "uniform", "gaussian" or "noise".
	Initial   string  `json:"initial" yaml:"initial"`
	Amplitude float64 `json:"amplitude" yaml:"amplitude"`
	Mean      float64 `json:"mean" yaml:"mean"`   // gaussian band centre along Axis
	Sigma     float64 `json:"sigma" yaml:"sigma"` // gaussian band width
	Axis      string  `json:"axis" yaml:"axis"`   // x, y or z
	Scale     float64 `json:"scale" yaml:"scale"` // base noise frequency
	Octaves   int     `json:"octaves" yaml:"octaves"`
}

// GrowthConfig tunes vessel growth.
type GrowthConfig struct {
	StepLength             float64 `json:"step_length" yaml:"step_length"`
	BranchThreshold        float64 `json:"branch_threshold" yaml:"branch_threshold"`
	BranchSensitivity      float64 `json:"branch_sensitivity" yaml:"branch_sensitivity"`
	BifurcationThreshold   float64 `json:"bifurcation_threshold" yaml:"bifurcation_threshold"`
	BifurcationSensitivity float64 `json:"bifurcation_sensitivity" yaml:"bifurcation_sensitivity"`
	Saturation             float64 `json:"saturation" yaml:"saturation"`
	BranchDiameter         float64 `json:"branch_diameter" yaml:"branch_diameter"`
	DaughterDiameterRatio  float64 `json:"daughter_diameter_ratio" yaml:"daughter_diameter_ratio"`
	Persistence            float64 `json:"persistence" yaml:"persistence"`
	Chemotaxis             float64 `json:"chemotaxis" yaml:"chemotaxis"`
	Noise                  float64 `json:"noise" yaml:"noise"`
	BifurcationSpread      float64 `json:"bifurcation_spread" yaml:"bifurcation_spread"`
}

// TrunkConfig lays out the initial vessel.
type TrunkConfig struct {
	Start     Vec3    `json:"start" yaml:"start"`
	Direction Vec3    `json:"direction" yaml:"direction"`
	Bend      float64 `json:"bend" yaml:"bend"` // added to the y heading per segment
	Segments  int     `json:"segments" yaml:"segments"`
	Length    float64 `json:"length" yaml:"length"`
	Diameter  float64 `json:"diameter" yaml:"diameter"`
}

// TumourConfig places the secreting cells.
type TumourConfig struct {
	Cells           int     `json:"cells" yaml:"cells"`
	Position        Vec3    `json:"position" yaml:"position"`
	Spacing         float64 `json:"spacing" yaml:"spacing"` // x offset between seeded cells
	Diameter        float64 `json:"diameter" yaml:"diameter"`
	SplitDiameter   float64 `json:"split_diameter" yaml:"split_diameter"`
	VolumeIncrement float64 `json:"volume_increment" yaml:"volume_increment"`
}

// SecretionConfig sets how tumour cells release growth factor.
type SecretionConfig struct {
	Radius2 float64 `json:"radius2" yaml:"radius2"`
	Amount  float64 `json:"amount" yaml:"amount"`
}

// StorageConfig locates the run database. An empty path disables storage.
type StorageConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

// APIConfig configures the HTTP server. Port 0 disables it.
type APIConfig struct {
	Port int `json:"port" yaml:"port"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `json:"level" yaml:"level"`
	// Format is "text", "json" or "auto" (text on a terminal).
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration of the reference scenario.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Steps:           500,
			DT:              1,
			ReportEvery:     50,
			CheckpointEvery: 100,
		},
		Domain: DomainConfig{
			Min:       Vec3{-100, -100, -100},
			Max:       Vec3{250, 250, 250},
			VoxelSize: 7,
		},
		Substance: SubstanceConfig{
			Name:      "VEGF",
			Diffusion: 0.5,
			Initial:   "zero",
			Axis:      "y",
			Scale:     0.02,
			Octaves:   3,
		},
		Growth: GrowthConfig{
			StepLength:             1,
			BranchThreshold:        1e-6,
			BranchSensitivity:      1e5,
			BifurcationThreshold:   1e-2,
			BifurcationSensitivity: 1e-2,
			Saturation:             0.8,
			BranchDiameter:         1,
			DaughterDiameterRatio:  0.8,
			Persistence:            1,
			Chemotaxis:             1,
			Noise:                  0.5,
			BifurcationSpread:      0.5,
		},
		Trunk: TrunkConfig{
			Start:     Vec3{0, 0, 0},
			Direction: Vec3{1, 0, 0},
			Bend:      0.01,
			Segments:  300,
			Length:    1,
			Diameter:  2,
		},
		Tumour: TumourConfig{
			Cells:           1,
			Position:        Vec3{70, 150, 0},
			Spacing:         10,
			Diameter:        10,
			SplitDiameter:   12,
			VolumeIncrement: 200,
		},
		Secretion: SecretionConfig{
			Radius2: 16,
			Amount:  1,
		},
		Storage: StorageConfig{DBPath: "data/angiogenesis.db"},
		API:     APIConfig{Port: 0},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Load returns the defaults, overlaid with path when non-empty, then with
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		cfg = fileCfg
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks values that would make the run meaningless. Numerical
// stability of dt is checked when the grid is built.
func (c *Config) Validate() error {
	d := c.Domain
	for i := range d.Min {
		if !(d.Max[i] > d.Min[i]) {
			return fmt.Errorf("domain max must exceed min on every axis, got %v..%v", d.Min, d.Max)
		}
	}
	if !(d.VoxelSize > 0) {
		return fmt.Errorf("voxel_size must be positive, got %g", d.VoxelSize)
	}
	if c.Run.Steps < 0 {
		return fmt.Errorf("steps must be non-negative, got %d", c.Run.Steps)
	}
	if !(c.Run.DT > 0) {
		return fmt.Errorf("dt must be positive, got %g", c.Run.DT)
	}
	if c.Run.Interval < 0 {
		return fmt.Errorf("interval must be non-negative, got %s", c.Run.Interval)
	}
	if c.Run.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Run.Workers)
	}
	if c.Substance.Diffusion < 0 || c.Substance.Decay < 0 {
		return fmt.Errorf("diffusion and decay must be non-negative, got %g and %g",
			c.Substance.Diffusion, c.Substance.Decay)
	}
	validInitial := map[string]bool{"zero": true, "uniform": true, "gaussian": true, "noise": true}
	if !validInitial[c.Substance.Initial] {
		return fmt.Errorf("invalid initial field: %s (valid: zero, uniform, gaussian, noise)", c.Substance.Initial)
	}
	if err := c.Substance.validateProfile(); err != nil {
		return err
	}

	g := c.Growth
	if !(g.StepLength > 0) {
		return fmt.Errorf("step_length must be positive, got %g", g.StepLength)
	}
	if !(g.DaughterDiameterRatio > 0 && g.DaughterDiameterRatio < 1) {
		return fmt.Errorf("daughter_diameter_ratio must be in (0, 1), got %g", g.DaughterDiameterRatio)
	}
	if g.BranchSensitivity < 0 || g.BifurcationSensitivity < 0 {
		return fmt.Errorf("sensitivities must be non-negative")
	}

	if c.Trunk.Segments < 0 {
		return fmt.Errorf("trunk segments must be non-negative, got %d", c.Trunk.Segments)
	}
	if c.Trunk.Segments > 0 {
		if !(c.Trunk.Length > 0) || !(c.Trunk.Diameter > 0) {
			return fmt.Errorf("trunk length and diameter must be positive")
		}
		if !(g.BranchDiameter > 0 && g.BranchDiameter < c.Trunk.Diameter) {
			return fmt.Errorf("branch_diameter must be in (0, trunk diameter %g), got %g",
				c.Trunk.Diameter, g.BranchDiameter)
		}
		if geom.IsZero(c.Trunk.Direction.Vec()) {
			return fmt.Errorf("trunk direction must be non-zero")
		}
	}

	if c.Tumour.Cells < 0 {
		return fmt.Errorf("tumour cells must be non-negative, got %d", c.Tumour.Cells)
	}
	if c.Tumour.Cells > 0 && !(c.Tumour.Diameter > 0) {
		return fmt.Errorf("tumour diameter must be positive, got %g", c.Tumour.Diameter)
	}
	if c.Secretion.Radius2 < 0 || c.Secretion.Amount < 0 {
		return fmt.Errorf("secretion radius2 and amount must be non-negative")
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true, "auto": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: text, json, auto)", c.Logging.Format)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ANGIO_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ANGIO_SEED: %w", err)
		}
		cfg.Run.Seed = n
	}
	if v := os.Getenv("ANGIO_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ANGIO_STEPS: %w", err)
		}
		cfg.Run.Steps = n
	}
	if v := os.Getenv("ANGIO_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ANGIO_WORKERS: %w", err)
		}
		cfg.Run.Workers = n
	}
	if v := os.Getenv("ANGIO_API_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ANGIO_API_PORT: %w", err)
		}
		cfg.API.Port = n
	}
	if v := os.Getenv("ANGIO_DB"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("ANGIO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// ParseAxis maps "x", "y" or "z" to a grid axis.
func ParseAxis(s string) (diffusion.Axis, error) {
	switch s {
	case "x":
		return diffusion.AxisX, nil
	case "y":
		return diffusion.AxisY, nil
	case "z":
		return diffusion.AxisZ, nil
	}
	return 0, fmt.Errorf("invalid axis: %q (valid: x, y, z)", s)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// validateProfile checks the parameters the initial field shape reads.
func (s SubstanceConfig) validateProfile() error {
	if s.Initial == "zero" {
		return nil
	}
	if !finite(s.Amplitude) || s.Amplitude < 0 {
		return fmt.Errorf("amplitude must be finite and non-negative, got %g", s.Amplitude)
	}
	switch s.Initial {
	case "gaussian":
		if _, err := ParseAxis(s.Axis); err != nil {
			return err
		}
		if !finite(s.Mean) {
			return fmt.Errorf("gaussian mean must be finite, got %g", s.Mean)
		}
		if !(s.Sigma > 0) || !finite(s.Sigma) {
			return fmt.Errorf("gaussian sigma must be positive, got %g", s.Sigma)
		}
	case "noise":
		if !(s.Scale > 0) || !finite(s.Scale) {
			return fmt.Errorf("noise scale must be positive, got %g", s.Scale)
		}
	}
	return nil
}

// Initializer builds the configured starting field. seed only affects the
// noise profile.
func (s SubstanceConfig) Initializer(seed int64) (diffusion.Initializer, error) {
	switch s.Initial {
	case "zero", "":
		return diffusion.Uniform(0), nil
	case "uniform":
		return diffusion.Uniform(s.Amplitude), nil
	case "gaussian":
		axis, err := ParseAxis(s.Axis)
		if err != nil {
			return nil, err
		}
		return diffusion.GaussianBand(axis, s.Mean, s.Sigma, s.Amplitude), nil
	case "noise":
		return diffusion.Noise(seed, s.Amplitude, s.Scale, s.Octaves), nil
	}
	return nil, fmt.Errorf("invalid initial field: %s", s.Initial)
}
