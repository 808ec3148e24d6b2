package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lungseg/pkg/tiling"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, [2]int{96, 96}, cfg.Processing.PatchSize)
	assert.Equal(t, tiling.DefaultPatchSize, cfg.Processing.PatchSize)
	assert.Equal(t, [3]float64{0.35, 0.35, 0.35}, cfg.Processing.TargetSpacing)
	assert.Equal(t, OverlapTrim, cfg.Processing.Overlap)
	assert.True(t, cfg.Output.Binarize)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Output.Suffix, cfg.Output.Suffix)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lungseg.yaml")

	cfg := DefaultConfig()
	cfg.Processing.NumCores = 3
	cfg.Processing.Normalization = NormalizeZScore
	cfg.Inference.Weights = []string{"fold0.h5", "fold1.h5"}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Processing.NumCores)
	assert.Equal(t, NormalizeZScore, loaded.Processing.Normalization)
	assert.Equal(t, []string{"fold0.h5", "fold1.h5"}, loaded.Inference.Weights)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing:\n  numCores: 2\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Processing.NumCores)
	assert.Equal(t, [2]int{96, 96}, cfg.Processing.PatchSize)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero spacing", "processing:\n  targetSpacing: [0.5, 0, 0.5]\n"},
		{"bad normalization", "processing:\n  normalization: histogram\n"},
		{"bad overlap", "processing:\n  overlap: max\n"},
		{"zero cores", "processing:\n  numCores: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}
