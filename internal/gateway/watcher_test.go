package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salvage/internal/gateway/websocket"
)

type reloadRecorder struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (r *reloadRecorder) reload(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return r.err
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func startWatcher(t *testing.T, rec *reloadRecorder) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: info\n"), 0o600))

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	w, err := NewWatcher(hub, rec.reload, file)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	require.NoError(t, w.Start())
	time.Sleep(50 * time.Millisecond)
	return w, file
}

func TestWatcher_ReloadsOnceAfterBurst(t *testing.T) {
	rec := &reloadRecorder{}
	_, file := startWatcher(t, rec)

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(file, []byte("log:\n  level: debug\n"), 0o600))
	}

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(2 * debounceDelay)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, filepath.Clean(file), rec.paths[0])
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	rec := &reloadRecorder{}
	_, file := startWatcher(t, rec)

	other := filepath.Join(filepath.Dir(file), "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))

	time.Sleep(3 * debounceDelay)
	assert.Equal(t, 0, rec.count())
}

func TestWatcher_ReloadErrorIsNotFatal(t *testing.T) {
	rec := &reloadRecorder{err: errors.New("bad yaml")}
	_, file := startWatcher(t, rec)

	require.NoError(t, os.WriteFile(file, []byte(":::"), 0o600))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(nil, nil, filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}
