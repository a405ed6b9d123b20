// Package logsink implements the per-service log writer: line-decorated,
// debounce-flushed, and rotated with a crash-safe rename-before-truncate
// sequence. It is deliberately not backed by lumberjack — the rotation
// contract (exact segment naming, gzip-on-rotate, Flush semantics) is part
// of the wire-visible behavior, not an implementation detail lumberjack
// would hide.
package logsink

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	flushInterval  = 100 * time.Millisecond
	rotateInterval = time.Minute
)

// Policy is one service's rotation contract.
type Policy struct {
	MaxBytes int64
	Retain   int
	Compress bool
}

type streamKey struct {
	name   string
	id     int
	stream string // "out" or "err"
}

type stream struct {
	mu      sync.Mutex
	path    string
	policy  Policy
	partial []byte
	pending bytes.Buffer
}

// Sink owns every (service, stream) log file under dir.
type Sink struct {
	dir string

	mu      sync.Mutex
	streams map[streamKey]*stream

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Sink rooted at dir (typically $HOME/.bm2/logs).
func New(dir string) *Sink {
	return &Sink{dir: dir, streams: make(map[streamKey]*stream)}
}

// Start launches the debounced flush loop and the once-a-minute rotation
// sweep. Safe to call once.
func (s *Sink) Start() {
	s.stopCh = make(chan struct{})
	s.wg.Add(2)
	go s.flushLoop()
	go s.rotateLoop()
}

// Stop halts background loops and flushes everything pending.
func (s *Sink) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
	}
	s.wg.Wait()
	s.flushAll()
}

func (s *Sink) keyPath(name string, id int, streamName string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%d-%s.log", name, id, streamName))
}

func (s *Sink) streamFor(name string, id int, streamName string, policy Policy) *stream {
	k := streamKey{name: name, id: id, stream: streamName}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[k]
	if !ok {
		st = &stream{path: s.keyPath(name, id, streamName), policy: policy}
		s.streams[k] = st
	} else {
		st.policy = policy
	}
	return st
}

// Ingest appends a raw chunk (as read from the child's stdout/stderr pipe)
// to the stream's in-memory queue, splitting complete lines and decorating
// each with an ISO-8601 timestamp. Incomplete trailing bytes are carried
// over to the next call.
func (s *Sink) Ingest(name string, id int, streamName string, policy Policy, data []byte) {
	st := s.streamFor(name, id, streamName, policy)
	st.mu.Lock()
	defer st.mu.Unlock()

	combined := data
	if len(st.partial) > 0 {
		combined = append(append([]byte(nil), st.partial...), data...)
	}
	lines := bytes.Split(combined, []byte("\n"))
	for _, l := range lines[:len(lines)-1] {
		st.pending.WriteString(decorate(string(l)))
		st.pending.WriteByte('\n')
	}
	st.partial = append(st.partial[:0], lines[len(lines)-1]...)
}

func decorate(line string) string {
	return fmt.Sprintf("[%s] %s", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), line)
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.flushAll()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sink) flushAll() {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		_ = flushStream(st)
	}
}

func flushStream(st *stream) error {
	st.mu.Lock()
	if st.pending.Len() == 0 {
		st.mu.Unlock()
		return nil
	}
	data := append([]byte(nil), st.pending.Bytes()...)
	st.pending.Reset()
	st.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(st.path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(st.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (s *Sink) rotateLoop() {
	defer s.wg.Done()
	t := time.NewTicker(rotateInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.rotateAll()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sink) rotateAll() {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.mu.Lock()
		policy := st.policy
		path := st.path
		st.mu.Unlock()
		if policy.MaxBytes <= 0 {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() < policy.MaxBytes {
			continue
		}
		_ = rotate(path, policy.Retain, policy.Compress)
	}
}

func segmentPath(path string, i int, compress bool) string {
	p := path + "." + strconv.Itoa(i)
	if compress {
		p += ".gz"
	}
	return p
}

// rotate renames f -> f.1 -> ... -> f.N (dropping anything beyond retain),
// optionally gzipping newly rotated segments, then truncates f. Renames are
// performed before the active file is recreated, so a crash mid-rotation
// leaves at worst one extra rotated segment, never a gap.
func rotate(path string, retain int, compress bool) error {
	if retain < 0 {
		retain = 0
	}
	_ = os.Remove(segmentPath(path, retain, compress))
	_ = os.Remove(segmentPath(path, retain, !compress))

	for i := retain - 1; i >= 1; i-- {
		if _, err := os.Stat(segmentPath(path, i, compress)); err == nil {
			_ = os.Rename(segmentPath(path, i, compress), segmentPath(path, i+1, compress))
		}
	}

	dest := path + ".1"
	if err := os.Rename(path, dest); err != nil {
		if os.IsNotExist(err) {
			return recreateEmpty(path)
		}
		return err
	}
	if compress {
		gzDest := dest + ".gz"
		if err := gzipFile(dest, gzDest); err != nil {
			return err
		}
		_ = os.Remove(dest)
	}
	return recreateEmpty(path)
}

func recreateEmpty(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	return f.Close()
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		return err
	}
	return gw.Close()
}

// Flush truncates both active log files for (name, id) without rotating,
// matching the wire-level Flush semantics (distinct from the internal
// debounced disk flush).
func (s *Sink) Flush(name string, id int) error {
	var firstErr error
	for _, streamName := range []string{"out", "err"} {
		k := streamKey{name: name, id: id, stream: streamName}
		s.mu.Lock()
		st := s.streams[k]
		s.mu.Unlock()
		path := s.keyPath(name, id, streamName)
		if st != nil {
			st.mu.Lock()
			st.pending.Reset()
			st.partial = st.partial[:0]
			st.mu.Unlock()
		}
		if err := recreateEmpty(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logs returns the last n lines of each stream for (name, id), flushing
// pending buffered bytes to disk first so the read is current.
func (s *Sink) Logs(name string, id int, n int) (out []string, errLines []string, err error) {
	k := streamKey{name: name, id: id, stream: "out"}
	s.mu.Lock()
	stOut := s.streams[k]
	k.stream = "err"
	stErr := s.streams[k]
	s.mu.Unlock()
	if stOut != nil {
		_ = flushStream(stOut)
	}
	if stErr != nil {
		_ = flushStream(stErr)
	}

	out, err = tailLines(s.keyPath(name, id, "out"), n)
	if err != nil {
		return nil, nil, err
	}
	errLines, err = tailLines(s.keyPath(name, id, "err"), n)
	if err != nil {
		return nil, nil, err
	}
	return out, errLines, nil
}

func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n <= 0 || len(lines) <= n {
		return lines, nil
	}
	return lines[len(lines)-n:], nil
}

// ListServiceIDs returns the distinct (name,id) pairs the sink currently has
// files open for, sorted by id. Not part of the wire protocol.
func (s *Sink) ListServiceIDs() []struct {
	Name string
	ID   int
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int]string)
	for k := range s.streams {
		seen[k.id] = k.name
	}
	out := make([]struct {
		Name string
		ID   int
	}, 0, len(seen))
	for id, name := range seen {
		out = append(out, struct {
			Name string
			ID   int
		}{Name: name, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
