package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"fijibatch/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects handled paths for assertions.
type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handle(_ context.Context, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func startWatcher(t *testing.T, base string, keywords []string, rec *recorder) *Watcher {
	t.Helper()
	w, err := NewWatcher(base, config.DefaultConfig().Files, keywords, rec.handle)
	require.NoError(t, err)
	w.SetDebounce(50 * time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_HandlesNewImage(t *testing.T) {
	base := t.TempDir()
	rec := &recorder{}
	w := startWatcher(t, base, nil, rec)
	assert.True(t, w.IsWatching())

	path := filepath.Join(base, "axon_01.tif")
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o644))

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, path, rec.snapshot()[0])
	assert.Equal(t, 1, w.GetStats().FilesHandled)
}

func TestWatcher_IgnoresUnsupportedFiles(t *testing.T) {
	base := t.TempDir()
	rec := &recorder{}
	w := startWatcher(t, base, nil, rec)

	require.NoError(t, os.WriteFile(filepath.Join(base, "notes.txt"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 0, w.GetStats().FilesSeen)
}

func TestWatcher_KeywordFilter(t *testing.T) {
	base := t.TempDir()
	rec := &recorder{}
	startWatcher(t, base, []string{"axon"}, rec)

	require.NoError(t, os.WriteFile(filepath.Join(base, "dendrite_01.tif"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "AXON_02.tif"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, rec.snapshot()[0], "AXON_02.tif")
}

func TestWatcher_WatchesNewSubdirectories(t *testing.T) {
	base := t.TempDir()
	rec := &recorder{}
	startWatcher(t, base, nil, rec)

	sub := filepath.Join(base, "incoming")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give fsnotify a beat to register the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "cell.tif"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	base := t.TempDir()
	rec := &recorder{}
	w := startWatcher(t, base, nil, rec)

	w.Stop()
	w.Stop()
	assert.False(t, w.IsWatching())
}

func TestWatcher_ContextCancelStopsLoop(t *testing.T) {
	base := t.TempDir()
	rec := &recorder{}
	w, err := NewWatcher(base, config.DefaultConfig().Files, nil, rec.handle)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case <-w.doneCh:
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, w.watcher.Close())
}
