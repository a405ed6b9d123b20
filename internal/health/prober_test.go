package health

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordSink struct {
	mu    sync.Mutex
	fired []int
}

func (r *recordSink) EnqueueUnhealthy(id int) {
	r.mu.Lock()
	r.fired = append(r.fired, id)
	r.mu.Unlock()
}

func (r *recordSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestProberFiresAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &recordSink{}
	p := New(9, srv.URL, 20*time.Millisecond, 200*time.Millisecond, 3, sink)
	p.Start()
	defer p.Stop()

	require.True(t, waitFor(t, 2*time.Second, func() bool { return sink.count() >= 1 }))
	sink.mu.Lock()
	require.Equal(t, 9, sink.fired[0])
	sink.mu.Unlock()
}

func TestProberResetsCounterOnSuccess(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	sink := &recordSink{}
	p := New(4, srv.URL, 20*time.Millisecond, 200*time.Millisecond, 5, sink)

	// Two failures, then recovery before the budget is exhausted.
	p.probeOnce()
	p.probeOnce()
	require.Equal(t, 2, p.fails)

	mu.Lock()
	status = http.StatusOK
	mu.Unlock()
	p.probeOnce()
	require.Zero(t, p.fails)
	require.Zero(t, sink.count())
}

func TestProberTimeoutCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	sink := &recordSink{}
	p := New(5, srv.URL, time.Second, 30*time.Millisecond, 1, sink)
	p.probeOnce()
	require.Equal(t, 1, sink.count())
}

func TestProberConnectionErrorCountsAsFailure(t *testing.T) {
	sink := &recordSink{}
	p := New(6, "http://127.0.0.1:1/health", time.Second, 100*time.Millisecond, 1, sink)
	p.probeOnce()
	require.Equal(t, 1, sink.count())
}
