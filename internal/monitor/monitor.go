// Package monitor implements the periodic resource sampler: RSS, CPU%, and
// open file descriptor count per live child, read directly from /proc on
// Linux to avoid a fork-per-sample at 1Hz across many services, falling
// back to gopsutil elsewhere. Samples feed a bounded ring of
// MetricSnapshots retained for at most one hour at 1Hz.
package monitor

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const maxRingSnapshots = 3600

// EntryMetric is one service's reading within a MetricSnapshot.
type EntryMetric struct {
	ID         int
	Name       string
	CPUPercent float64
	RSSBytes   uint64
	FDCount    int
}

// MetricSnapshot is one sampling tick across every online service plus the
// host.
type MetricSnapshot struct {
	At                 time.Time
	Entries            []EntryMetric
	SystemMemTotal     uint64
	SystemMemFree      uint64
	LoadAvg1, LoadAvg5, LoadAvg15 float64
}

// Target describes one service the Monitor should sample.
type Target struct {
	ID             int
	Name           string
	PID            int
	MemoryCapBytes int64
}

// Sink receives Monitor output. The Supervisor implements this so every
// mutation still originates from its inbox worker: the Monitor never
// touches a ServiceEntry directly.
type Sink interface {
	OnlineTargets() []Target
	ReportSample(id int, rssBytes uint64, cpuPercent float64, fdCount int, at time.Time)
	EnqueueMemoryExceeded(id int)
}

// Monitor is the periodic sampler.
type Monitor struct {
	interval time.Duration
	sink     Sink

	mu       sync.Mutex
	ring     []MetricSnapshot
	prevCPU  map[int]cpuPoint

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type cpuPoint struct {
	totalTicks uint64
	at         time.Time
}

// New creates a Monitor sampling at interval (defaulting to one second).
func New(sink Sink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{interval: interval, sink: sink, prevCPU: make(map[int]cpuPoint)}
}

// Start launches the sampling loop. Safe to call once.
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) tick() {
	now := time.Now()
	targets := m.sink.OnlineTargets()
	snap := MetricSnapshot{At: now, Entries: make([]EntryMetric, 0, len(targets))}

	for _, tgt := range targets {
		rss, cpuPct, fds := m.sample(tgt.PID, now)
		m.sink.ReportSample(tgt.ID, rss, cpuPct, fds, now)
		snap.Entries = append(snap.Entries, EntryMetric{ID: tgt.ID, Name: tgt.Name, CPUPercent: cpuPct, RSSBytes: rss, FDCount: fds})
		if tgt.MemoryCapBytes > 0 && rss > uint64(tgt.MemoryCapBytes) {
			m.sink.EnqueueMemoryExceeded(tgt.ID)
		}
	}

	total, free, l1, l5, l15 := sampleSystem()
	snap.SystemMemTotal, snap.SystemMemFree = total, free
	snap.LoadAvg1, snap.LoadAvg5, snap.LoadAvg15 = l1, l5, l15

	m.appendRing(snap)
}

func (m *Monitor) appendRing(snap MetricSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring = append(m.ring, snap)
	if len(m.ring) > maxRingSnapshots {
		m.ring = m.ring[len(m.ring)-maxRingSnapshots:]
	}
}

// Latest returns the most recent snapshot, or an empty snapshot stamped with
// the current time if none has been taken yet.
func (m *Monitor) Latest() MetricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) == 0 {
		return MetricSnapshot{At: time.Now()}
	}
	return m.ring[len(m.ring)-1]
}

// History returns every snapshot within the last `seconds` of now.
func (m *Monitor) History(seconds int) []MetricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seconds <= 0 || len(m.ring) == 0 {
		out := make([]MetricSnapshot, len(m.ring))
		copy(out, m.ring)
		return out
	}
	cutoff := time.Now().Add(-time.Duration(seconds) * time.Second)
	var out []MetricSnapshot
	for _, s := range m.ring {
		if !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// sample reads RSS/CPU%/fd-count for pid, using /proc directly on Linux and
// gopsutil elsewhere.
func (m *Monitor) sample(pid int, now time.Time) (rssBytes uint64, cpuPercent float64, fdCount int) {
	if runtime.GOOS == "linux" {
		rss := readVMRSSLinux(pid)
		fds := countFDsLinux(pid)
		ticks := readCPUTicksLinux(pid)

		m.mu.Lock()
		prev, ok := m.prevCPU[pid]
		m.prevCPU[pid] = cpuPoint{totalTicks: ticks, at: now}
		m.mu.Unlock()

		cpu := 0.0
		if ok && ticks >= prev.totalTicks {
			elapsed := now.Sub(prev.at).Seconds()
			if elapsed > 0 {
				deltaTicks := float64(ticks - prev.totalTicks)
				cpu = (deltaTicks / clockTicksPerSecond() / elapsed) * 100
			}
		}
		return rss, cpu, fds
	}
	return sampleGopsutil(pid)
}

func sampleGopsutil(pid int) (uint64, float64, int) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, 0
	}
	var rss uint64
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		rss = mi.RSS
	}
	cpuPct, _ := p.CPUPercent()
	fds, err := p.NumFDs()
	if err != nil {
		fds = 0
	}
	return rss, cpuPct, int(fds)
}

func readVMRSSLinux(pid int) uint64 {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseUint(fields[1], 10, 64)
				if err == nil {
					return kb * 1024
				}
			}
		}
	}
	return 0
}

func countFDsLinux(pid int) int {
	entries, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(pid), "fd"))
	if err != nil {
		return 0
	}
	return len(entries)
}

// readCPUTicksLinux returns utime+stime (clock ticks) from /proc/<pid>/stat.
func readCPUTicksLinux(pid int) uint64 {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0
	}
	// Fields after the executable name (which may contain spaces/parens) are
	// safe to split on the closing paren.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return 0
	}
	fields := strings.Fields(string(data[idx+2:]))
	// utime is field 14 overall, stime is field 15; relative to fields[0]
	// (field 3, state) that's indices 11 and 12.
	if len(fields) < 13 {
		return 0
	}
	utime, _ := strconv.ParseUint(fields[11], 10, 64)
	stime, _ := strconv.ParseUint(fields[12], 10, 64)
	return utime + stime
}

func clockTicksPerSecond() float64 {
	return 100.0
}
