package watch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countSink struct {
	mu    sync.Mutex
	fired []int
}

func (c *countSink) EnqueueSourceChanged(id int) {
	c.mu.Lock()
	c.fired = append(c.fired, id)
	c.mu.Unlock()
}

func (c *countSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fired)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestDebounceCoalescesBurstIntoOneEvent(t *testing.T) {
	dir := t.TempDir()
	sink := &countSink{}
	w := New(11, []string{dir}, nil, sink, discardLogger())
	require.NotNil(t, w)
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "src.txt"), []byte{byte(i)}, 0o640))
		time.Sleep(20 * time.Millisecond)
	}

	require.True(t, waitFor(t, 5*time.Second, func() bool { return sink.count() >= 1 }))
	// The burst is within one debounce window, so exactly one event fires.
	time.Sleep(debounce + 200*time.Millisecond)
	require.Equal(t, 1, sink.count())
	sink.mu.Lock()
	require.Equal(t, 11, sink.fired[0])
	sink.mu.Unlock()
}

func TestIgnoredDirectoriesProduceNoEvents(t *testing.T) {
	dir := t.TempDir()
	ignored := filepath.Join(dir, "node_modules")
	require.NoError(t, os.MkdirAll(ignored, 0o750))

	sink := &countSink{}
	w := New(12, []string{dir}, nil, sink, discardLogger())
	require.NotNil(t, w)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(ignored, "dep.js"), []byte("x"), 0o640))
	time.Sleep(debounce + 300*time.Millisecond)
	require.Zero(t, sink.count())
}

func TestIsIgnoredMatchesPathComponents(t *testing.T) {
	w := &Watcher{ignore: append(append([]string{}, defaultIgnore...), "dist")}
	require.True(t, w.isIgnored(filepath.Join("a", "node_modules", "b")))
	require.True(t, w.isIgnored(filepath.Join("x", ".git")))
	require.True(t, w.isIgnored("dist"))
	require.False(t, w.isIgnored(filepath.Join("src", "main.go")))
}
