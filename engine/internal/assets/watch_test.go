package assets

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherCoalescesBursts(t *testing.T) {
	root := filepath.Join(t.TempDir(), "dental_images")
	w, err := NewWatcher(root, 100*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}()

	dir := filepath.Join(root, "p1", "1", "xray")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	// a file in a directory created after start is still seen
	before := calls.Load()
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d.png"), []byte("d"), 0o644))
	require.Eventually(t, func() bool { return calls.Load() > before }, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcherForgetsRemovedDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "p1", "1"), 0o755))
	w, err := NewWatcher(root, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()
	assert.Len(t, w.watched, 3)

	w.forget(filepath.Join(root, "p1"))
	assert.Len(t, w.watched, 1)
	assert.Contains(t, w.watched, filepath.Clean(root))
}
