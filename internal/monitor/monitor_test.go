package monitor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfPID() int { return os.Getpid() }

type fakeSink struct {
	mu       sync.Mutex
	targets  []Target
	samples  map[int]uint64
	exceeded []int
}

func (f *fakeSink) OnlineTargets() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Target(nil), f.targets...)
}

func (f *fakeSink) ReportSample(id int, rssBytes uint64, cpuPercent float64, fdCount int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples == nil {
		f.samples = make(map[int]uint64)
	}
	f.samples[id] = rssBytes
}

func (f *fakeSink) EnqueueMemoryExceeded(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exceeded = append(f.exceeded, id)
}

func TestRingIsBounded(t *testing.T) {
	m := New(&fakeSink{}, time.Second)
	for i := 0; i < maxRingSnapshots+10; i++ {
		m.appendRing(MetricSnapshot{At: time.Now()})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.ring, maxRingSnapshots)
}

func TestHistoryFiltersBySecondsWindow(t *testing.T) {
	m := New(&fakeSink{}, time.Second)
	now := time.Now()
	m.appendRing(MetricSnapshot{At: now.Add(-2 * time.Hour)})
	m.appendRing(MetricSnapshot{At: now.Add(-30 * time.Second)})
	m.appendRing(MetricSnapshot{At: now})

	recent := m.History(60)
	require.Len(t, recent, 2)

	all := m.History(0)
	require.Len(t, all, 3)
}

func TestLatestReturnsMostRecentSnapshot(t *testing.T) {
	m := New(&fakeSink{}, time.Second)
	require.Empty(t, m.Latest().Entries)

	now := time.Now()
	m.appendRing(MetricSnapshot{At: now.Add(-time.Second)})
	m.appendRing(MetricSnapshot{At: now, Entries: []EntryMetric{{ID: 1, Name: "web"}}})

	latest := m.Latest()
	require.Len(t, latest.Entries, 1)
	require.Equal(t, "web", latest.Entries[0].Name)
}

func TestTickFlagsMemoryCapExceeded(t *testing.T) {
	sink := &fakeSink{targets: []Target{
		{ID: 1, Name: "capped", PID: selfPID(), MemoryCapBytes: 1},
		{ID: 2, Name: "uncapped", PID: selfPID()},
	}}
	m := New(sink, time.Second)
	m.tick()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Contains(t, sink.exceeded, 1)
	require.NotContains(t, sink.exceeded, 2)
	require.Positive(t, sink.samples[1])
}

func TestTickRecordsSystemSnapshot(t *testing.T) {
	m := New(&fakeSink{}, time.Second)
	m.tick()

	snap := m.Latest()
	require.False(t, snap.At.IsZero())
	require.Positive(t, snap.SystemMemTotal)
}
