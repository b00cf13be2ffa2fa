package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30, cfg.Processing.RollingRadius)
	assert.Equal(t, 2, cfg.Processing.MedianRadius)
	assert.InDelta(t, 0.35, cfg.Processing.SaturatedPixels, 1e-9)
	assert.True(t, cfg.Processing.ConvertTo8Bit)
	assert.Equal(t, "1-end", cfg.Processing.DuplicateSlices)

	assert.Contains(t, cfg.Files.SupportedExtensions, ".tif")
	assert.Contains(t, cfg.Files.SupportedExtensions, ".czi")
	assert.Contains(t, cfg.Files.BioFormatsExtensions, ".ims")
	assert.Equal(t, "RoiSet_{cut}.zip", cfg.Files.ROISetPattern)

	assert.Equal(t, "A", cfg.Groups.Groups["Experimental"])
	assert.Equal(t, "B", cfg.Groups.Groups["Control"])
}

func TestGroupKeywordsSorted(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []string{"Control", "Experimental"}, cfg.Groups.Keywords())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "fijibatch", cfg.Name)
	assert.Equal(t, 5*time.Minute, cfg.FijiTimeout())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	ws := t.TempDir()
	dir := WorkspaceDir(ws)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	partial := []byte("fiji:\n  path: /opt/custom/ImageJ\nprocessing:\n  rolling_radius: 50\n")
	require.NoError(t, os.WriteFile(ConfigFile(ws), partial, 0o644))

	cfg, err := Load(ws)
	require.NoError(t, err)

	assert.Equal(t, "/opt/custom/ImageJ", cfg.Fiji.Path)
	assert.Equal(t, 50, cfg.Processing.RollingRadius)
	// Untouched sections fall back to defaults.
	assert.NotEmpty(t, cfg.Files.SupportedExtensions)
	assert.NotEmpty(t, cfg.Groups.Groups)
	assert.Equal(t, "1-end", cfg.Processing.DuplicateFrames)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(WorkspaceDir(ws), 0o755))
	require.NoError(t, os.WriteFile(ConfigFile(ws), []byte("fiji: ["), 0o644))

	_, err := Load(ws)
	assert.Error(t, err)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ws := t.TempDir()

	cfg := DefaultConfig()
	cfg.Fiji.Path = "/usr/local/fiji/ImageJ-linux64"
	cfg.Kymograph.KeepIntermediates = true
	require.NoError(t, Save(ws, cfg))

	loaded, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, cfg.Fiji.Path, loaded.Fiji.Path)
	assert.True(t, loaded.Kymograph.KeepIntermediates)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("FIJI_PATH overrides config", func(t *testing.T) {
		t.Setenv("FIJI_PATH", "/env/fiji")
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "/env/fiji", cfg.Fiji.Path)
	})

	t.Run("FIJIBATCH_DB overrides store path", func(t *testing.T) {
		t.Setenv("FIJIBATCH_DB", "/env/history.db")
		ws := t.TempDir()
		cfg, err := Load(ws)
		require.NoError(t, err)
		assert.Equal(t, "/env/history.db", cfg.DatabasePath(ws))
	})
}

func TestDatabasePathDefault(t *testing.T) {
	ws := t.TempDir()
	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join(ws, ".fijibatch", "history.db"), cfg.DatabasePath(ws))
}

func TestFijiTimeoutFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fiji.Timeout = "not-a-duration"
	assert.Equal(t, 5*time.Minute, cfg.FijiTimeout())

	cfg.Fiji.Timeout = "90s"
	assert.Equal(t, 90*time.Second, cfg.FijiTimeout())
}
