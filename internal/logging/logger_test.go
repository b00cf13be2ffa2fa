package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_DisabledIsNoOp(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{DebugMode: false}))
	t.Cleanup(CloseAll)

	Fiji("should not be written")

	_, err := os.Stat(filepath.Join(ws, ".fijibatch", "logs"))
	assert.True(t, os.IsNotExist(err), "logs dir should not exist in production mode")
}

func TestInitialize_WritesCategoryFiles(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{DebugMode: true, Level: "debug"}))
	t.Cleanup(CloseAll)

	Fiji("running macro for %s", "sample_cut1.tif")
	Discovery("found %d documents", 3)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".fijibatch", "logs"))
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "_fiji.log")
	assert.Contains(t, joined, "_discovery.log")
}

func TestCategoryFilter(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{
		DebugMode:  true,
		Level:      "info",
		Categories: map[string]bool{"kymo": false},
	}))
	t.Cleanup(CloseAll)

	assert.False(t, IsCategoryEnabled(CategoryKymo))
	assert.True(t, IsCategoryEnabled(CategoryFiji))

	// Disabled category logs via a no-op logger and creates no file.
	Kymo("suppressed")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".fijibatch", "logs"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "kymo")
	}
}

func TestLevelFilter(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{DebugMode: true, Level: "warn"}))
	t.Cleanup(CloseAll)

	l := Get(CategoryFiji)
	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".fijibatch", "logs"))
	require.NoError(t, err)

	var fijiLog string
	for _, e := range entries {
		if strings.Contains(e.Name(), "_fiji.log") {
			fijiLog = e.Name()
		}
	}
	require.NotEmpty(t, fijiLog)

	data, err := os.ReadFile(filepath.Join(ws, ".fijibatch", "logs", fijiLog))
	require.NoError(t, err)
	content := string(data)
	assert.NotContains(t, content, "debug line")
	assert.NotContains(t, content, "info line")
	assert.Contains(t, content, "warn line")
}
