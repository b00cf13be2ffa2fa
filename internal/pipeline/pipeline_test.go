package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fijibatch/internal/config"
	"fijibatch/internal/fiji"
	"fijibatch/internal/macro"
	"fijibatch/internal/store"
)

// writeStub creates a shell script standing in for the Fiji executable.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fiji-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// measuringStub emulates Fiji writing the measurements CSV named in the
// macro it receives.
func measuringStub(t *testing.T) string {
	return writeStub(t, `csv=$(sed -n 's/.*saveAs("Measurements", "\(.*\)");.*/\1/p' "$2" | head -1)
if [ -n "$csv" ]; then printf ' ,Area,Mean\n1,42,7.5\n' > "$csv"; fi`)
}

func newTestProcessor(t *testing.T, fijiStub string, history *store.Store) *Processor {
	t.Helper()
	cfg := config.DefaultConfig()
	runner := fiji.NewRunner(fiji.DefaultRunnerConfig(fijiStub))
	return NewProcessor(cfg, runner, history)
}

func touchFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestProcess_EndToEnd(t *testing.T) {
	base := t.TempDir()
	touchFile(t, filepath.Join(base, "axon_01.tif"))
	touchFile(t, filepath.Join(base, "axon_02.tif"))
	touchFile(t, filepath.Join(base, "other.tif"))

	history, err := store.NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer history.Close()

	old := nowFunc
	nowFunc = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	defer func() { nowFunc = old }()

	p := newTestProcessor(t, measuringStub(t), history)
	result, err := p.Process(context.Background(), base, Options{Keywords: []string{"axon"}})
	require.NoError(t, err)

	assert.True(t, result.Success())
	assert.Len(t, result.Processed, 2)
	assert.Empty(t, result.Failed)

	assert.Equal(t, filepath.Join(base, MeasurementsFolder, "measurements_summary_20260102_030405.csv"), result.Summary.CSV)
	assert.FileExists(t, result.Summary.CSV)
	assert.FileExists(t, result.Summary.JSON)

	runs, err := history.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunID, runs[0].ID)
	assert.Equal(t, "process", runs[0].Kind)
	assert.Equal(t, 2, runs[0].Processed)
	assert.True(t, runs[0].Success)

	// Each recorded document carries its measurement row count.
	docs, err := history.RunDocuments(result.RunID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, doc := range docs {
		assert.Equal(t, 1, doc.RowCount, doc.Name)
	}
}

func TestProcess_NoMatches(t *testing.T) {
	base := t.TempDir()
	touchFile(t, filepath.Join(base, "other.tif"))

	p := newTestProcessor(t, writeStub(t, "exit 0"), nil)
	result, err := p.Process(context.Background(), base, Options{Keywords: []string{"axon"}})
	require.NoError(t, err)

	assert.True(t, result.Success())
	assert.Empty(t, result.Processed)
	assert.Empty(t, result.Summary.CSV)
}

func TestProcess_FailuresRecorded(t *testing.T) {
	base := t.TempDir()
	touchFile(t, filepath.Join(base, "axon_01.tif"))

	history, err := store.NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer history.Close()

	p := newTestProcessor(t, writeStub(t, "exit 1"), history)
	result, err := p.Process(context.Background(), base, Options{Keywords: []string{"axon"}})
	require.NoError(t, err)

	assert.False(t, result.Success())
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "axon_01", result.Failed[0].Name)
	assert.NotEmpty(t, result.Failed[0].Reason)

	runs, err := history.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)

	docs, err := history.RunDocuments(runs[0].ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "failed", docs[0].Status)
}

func TestProcess_CustomMacro(t *testing.T) {
	base := t.TempDir()
	touchFile(t, filepath.Join(base, "axon_01.tif"))
	captured := filepath.Join(base, "macro.txt")

	p := newTestProcessor(t, writeStub(t, `cat "$2" > "`+captured+`"`), nil)
	result, err := p.Process(context.Background(), base, Options{
		Keywords:    []string{"axon"},
		CustomMacro: `open("{input_path}");` + "\n" + `print("custom");`,
	})
	require.NoError(t, err)
	assert.True(t, result.Success())

	data, err := os.ReadFile(captured)
	require.NoError(t, err)
	macroText := string(data)
	assert.Contains(t, macroText, "axon_01.tif")
	assert.Contains(t, macroText, `print("custom");`)
	// Quit is always appended so Fiji exits after the batch.
	assert.Contains(t, macroText, `run("Quit");`)
}

func TestProcess_ExplicitCommands(t *testing.T) {
	base := t.TempDir()
	touchFile(t, filepath.Join(base, "axon_01.tif"))
	captured := filepath.Join(base, "macro.txt")

	p := newTestProcessor(t, writeStub(t, `cat "$2" > "`+captured+`"`), nil)
	_, err := p.Process(context.Background(), base, Options{
		Keywords: []string{"axon"},
		Commands: []macro.Command{
			{Name: "open_standard", Parameters: map[string]string{"input_path": "{input_path}"}},
			{Name: "measure"},
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(captured)
	require.NoError(t, err)
	assert.Contains(t, string(data), "axon_01.tif")
	assert.Contains(t, string(data), `run("Measure");`)
	assert.Contains(t, string(data), `run("Quit");`)
}

func TestProcess_ROIMeasurement(t *testing.T) {
	base := t.TempDir()
	touchFile(t, filepath.Join(base, "axon_01.tif"))
	touchFile(t, filepath.Join(base, "axon_01.roi"))
	captured := filepath.Join(base, "macro.txt")

	p := newTestProcessor(t, writeStub(t, `cat "$2" > "`+captured+`"`), nil)
	_, err := p.Process(context.Background(), base, Options{Keywords: []string{"axon"}})
	require.NoError(t, err)

	data, err := os.ReadFile(captured)
	require.NoError(t, err)
	macroText := string(data)
	assert.Contains(t, macroText, `roiManager("Open"`)
	assert.Contains(t, macroText, `roiManager("Measure");`)
	assert.NotContains(t, macroText, `run("Measure");`)
}

func TestProcessImages(t *testing.T) {
	base := t.TempDir()
	touchFile(t, filepath.Join(base, "Control_A", "cell_MIP_01.tif"))
	touchFile(t, filepath.Join(base, "Control_A", "cell_stack.tif"))
	touchFile(t, filepath.Join(base, "Unrelated", "cell_MIP_02.tif"))

	p := newTestProcessor(t, writeStub(t, "exit 0"), nil)

	result, err := p.ProcessImages(context.Background(), base, true)
	require.NoError(t, err)
	require.Len(t, result.Processed, 1)
	assert.Equal(t, "cell_MIP_01", result.Processed[0].Name)
	assert.DirExists(t, filepath.Join(base, ProcessingResultFolder))
}

func TestProcessROIs(t *testing.T) {
	base := t.TempDir()
	touchFile(t, filepath.Join(base, "sample_cut3_MIP.tif"))
	touchFile(t, filepath.Join(base, "RoiSet_3.zip"))
	touchFile(t, filepath.Join(base, "no_rois_cut9.tif"))
	captured := filepath.Join(base, "macro.txt")

	p := newTestProcessor(t, writeStub(t, `cat "$2" > "`+captured+`"`), nil)
	result, err := p.ProcessROIs(context.Background(), base)
	require.NoError(t, err)

	// Only the cut with ROI files gets an inversion macro.
	require.Len(t, result.Processed, 1)
	assert.Equal(t, "sample_cut3_MIP", result.Processed[0].Name)

	// A cut-numbered image without ROI files is a per-file failure.
	assert.False(t, result.Success())
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "no_rois_cut9", result.Failed[0].Name)
	assert.Contains(t, result.Failed[0].Reason, "no ROI files found for cut 9")

	data, err := os.ReadFile(captured)
	require.NoError(t, err)
	assert.Contains(t, string(data), `run("Make Inverse");`)
	assert.Contains(t, string(data), "RoiSet_3.zip")
}
