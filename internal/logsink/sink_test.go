package logsink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIngestAndFlushDecoratesLines(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	s.Ingest("web", 1, "out", Policy{}, []byte("hello\nworld\n"))
	require.NoError(t, flushAllSync(s))

	out, _, err := s.Logs("web", 1, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, out[0], "hello")
	require.Contains(t, out[1], "world")
}

func TestLogsHonorsLineLimit(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	for i := 0; i < 5; i++ {
		s.Ingest("api", 2, "out", Policy{}, []byte("line\n"))
	}
	require.NoError(t, flushAllSync(s))

	out, _, err := s.Logs("api", 2, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestFlushTruncatesWithoutRotating(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.Ingest("svc", 3, "out", Policy{}, []byte("line\n"))
	require.NoError(t, flushAllSync(s))

	require.NoError(t, s.Flush("svc", 3))

	path := s.keyPath("svc", 3, "out")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
	_, err = os.Stat(path + ".1")
	require.True(t, os.IsNotExist(err))
}

func TestRotateRenamesBeforeTruncating(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc-4-out.log")
	require.NoError(t, os.WriteFile(path, []byte("data\n"), 0o640))

	require.NoError(t, rotate(path, 2, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	require.Equal(t, "data\n", string(rotated))
}

func TestRotateDropsSegmentsBeyondRetain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc-5-out.log")
	require.NoError(t, os.WriteFile(path+".1", []byte("old1"), 0o640))
	require.NoError(t, os.WriteFile(path, []byte("new"), 0o640))

	require.NoError(t, rotate(path, 1, false))

	_, err := os.Stat(path + ".2")
	require.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

// flushAllSync runs the flush the debounce ticker would trigger,
// synchronously, so tests do not wait on the 100ms ticker.
func flushAllSync(s *Sink) error {
	s.flushAll()
	return nil
}
