package logger

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestProcessWritersDeriveNamesFromDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}

	outW, errW, err := cfg.ProcessWriters("web-1")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)

	_, _ = outW.Write([]byte("o\n"))
	_, _ = errW.Write([]byte("e\n"))
	require.NoError(t, outW.Close())
	require.NoError(t, errW.Close())

	require.FileExists(t, filepath.Join(dir, "web-1.stdout.log"))
	require.FileExists(t, filepath.Join(dir, "web-1.stderr.log"))
}

func TestProcessWritersExplicitPathsWin(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "custom.out")
	cfg := Config{File: FileConfig{Dir: dir, StdoutPath: sp}}

	outW, _, err := cfg.ProcessWriters("ignored")
	require.NoError(t, err)
	_, _ = outW.Write([]byte("x"))
	require.NoError(t, outW.Close())
	require.FileExists(t, sp)
}

func TestProcessWritersNilWhenUnconfigured(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("n")
	require.NoError(t, err)
	require.Nil(t, outW)
	require.Nil(t, errW)
}

func TestProcessWritersRotationDefaultsAndOverrides(t *testing.T) {
	cfg := Config{File: FileConfig{StdoutPath: "x", StderrPath: "y"}}
	outW, errW, err := cfg.ProcessWriters("n")
	require.NoError(t, err)
	ol, ok := outW.(*lj.Logger)
	require.True(t, ok)
	require.Equal(t, DefaultMaxSizeMB, ol.MaxSize)
	require.Equal(t, DefaultMaxBackups, ol.MaxBackups)
	require.Equal(t, DefaultMaxAgeDays, ol.MaxAge)
	require.False(t, ol.Compress)
	_ = errW.(*lj.Logger)

	cfg = Config{File: FileConfig{StdoutPath: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	outW, _, err = cfg.ProcessWriters("n")
	require.NoError(t, err)
	ol = outW.(*lj.Logger)
	require.Equal(t, 1, ol.MaxSize)
	require.Equal(t, 9, ol.MaxBackups)
	require.Equal(t, 11, ol.MaxAge)
	require.True(t, ol.Compress)
}

func TestDaemonLogWriterIsRotated(t *testing.T) {
	w := DaemonLogWriter(filepath.Join(t.TempDir(), "bm2d.log"))
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	require.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	require.True(t, l.Compress)
	_, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.FileExists(t, l.Filename)
}

func TestTeeHandlerFansOutToEveryHandler(t *testing.T) {
	var a, b bytes.Buffer
	log := slog.New(NewTeeHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	))

	log.Info("only-a", "k", "v")
	log.Warn("both")

	require.Contains(t, a.String(), "only-a")
	require.Contains(t, a.String(), "both")
	require.NotContains(t, b.String(), "only-a")
	require.Contains(t, b.String(), "both")
}

func TestTeeHandlerWithAttrsPropagates(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTeeHandler(slog.NewTextHandler(&buf, nil))).With("svc", "web")
	log.Info("hello")
	require.Contains(t, buf.String(), "svc=web")
}

func TestColorTextHandlerAnnotatesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true))
	log.Error("broken")
	require.Contains(t, buf.String(), "ERROR")
	require.Contains(t, buf.String(), "broken")
}
