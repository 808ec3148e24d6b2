// Package config provides configuration loading and management for lungseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"lungseg/pkg/tiling"
)

// Normalization and overlap policy names accepted in the configuration
const (
	NormalizeMinMax = "minmax"
	NormalizeZScore = "zscore"
	NormalizeNone   = "none"

	OverlapTrim    = "trim"
	OverlapAverage = "average"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores bounds how many volumes are read or written concurrently
		NumCores int `yaml:"numCores"`

		// TargetSpacing is the voxel spacing (mm) volumes are resampled to before tiling
		TargetSpacing [3]float64 `yaml:"targetSpacing"`

		// PatchSize is the (height, width) of the patches fed to the network
		PatchSize [2]int `yaml:"patchSize"`

		// Normalization is applied to every patch independently: minmax, zscore or none
		Normalization string `yaml:"normalization"`

		// Overlap selects how the boundary patch is written back: trim skips the
		// duplicated rows/columns, average blends every contribution
		Overlap string `yaml:"overlap"`

		// FillUncovered writes 0 into cells no patch reached instead of failing
		FillUncovered bool `yaml:"fillUncovered"`
	} `yaml:"processing"`

	// Inference parameters
	Inference struct {
		// Weights is the ordered list of fold weight files
		Weights []string `yaml:"weights"`

		// Command runs one fold; {weights}, {input} and {output} are substituted
		Command []string `yaml:"command"`

		// HalfPrecision averages folds at float16 precision
		HalfPrecision bool `yaml:"halfPrecision"`
	} `yaml:"inference"`

	// Output parameters
	Output struct {
		// Dir is the directory segmentations are written to
		Dir string `yaml:"dir"`

		// Suffix is appended to the source file name of every segmentation
		Suffix string `yaml:"suffix"`

		// Binarize thresholds the restored prediction with Otsu's method
		Binarize bool `yaml:"binarize"`

		// SaveResampled writes the resampled input next to the segmentation
		SaveResampled bool `yaml:"saveResampled"`

		// SnapshotDir, when set, receives JPEG snapshots of every written mask
		SnapshotDir string `yaml:"snapshotDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.TargetSpacing = [3]float64{0.35, 0.35, 0.35}
	cfg.Processing.PatchSize = tiling.DefaultPatchSize
	cfg.Processing.Normalization = NormalizeMinMax
	cfg.Processing.Overlap = OverlapTrim
	cfg.Processing.FillUncovered = false

	cfg.Inference.HalfPrecision = true

	cfg.Output.Dir = "segmented"
	cfg.Output.Suffix = "_lung_segmented"
	cfg.Output.Binarize = true
	cfg.Output.SaveResampled = false
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks the values that the engine cannot recover from
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("processing.numCores must be >= 1, got %d", c.Processing.NumCores)
	}
	for i, s := range c.Processing.TargetSpacing {
		if s <= 0 {
			return fmt.Errorf("processing.targetSpacing[%d] must be > 0, got %g", i, s)
		}
	}
	if c.Processing.PatchSize[0] < 1 || c.Processing.PatchSize[1] < 1 {
		return fmt.Errorf("processing.patchSize must be positive, got %v", c.Processing.PatchSize)
	}
	switch c.Processing.Normalization {
	case NormalizeMinMax, NormalizeZScore, NormalizeNone:
	default:
		return fmt.Errorf("unknown processing.normalization %q", c.Processing.Normalization)
	}
	switch c.Processing.Overlap {
	case OverlapTrim, OverlapAverage:
	default:
		return fmt.Errorf("unknown processing.overlap %q", c.Processing.Overlap)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
