package registry

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bun-bm2/bm2/internal/bm2err"
	"github.com/bun-bm2/bm2/internal/cronsched"
	"github.com/bun-bm2/bm2/internal/metrics"
	"github.com/bun-bm2/bm2/internal/monitor"
	"github.com/bun-bm2/bm2/internal/persistence"
	"github.com/bun-bm2/bm2/internal/process"
)

func validateSpec(spec process.Spec) error {
	if err := spec.Validate(); err != nil {
		return bm2err.Wrap(bm2err.InvalidSpec, "start", err)
	}
	if spec.Cron != "" {
		if _, err := cronsched.Parse(spec.Cron); err != nil {
			return bm2err.Wrap(bm2err.InvalidSpec, "start", err)
		}
	}
	return nil
}

func resolveInstanceCount(n int) int {
	if n == -1 {
		c := runtime.NumCPU()
		if c < 1 {
			return 1
		}
		return c
	}
	if n <= 0 {
		return 1
	}
	return n
}

// Start creates one or more ServiceEntry values from spec and spawns them.
// Instances>1 spawns one entry per worker, named "<name>-<i>".
func (s *Supervisor) Start(spec process.Spec) ([]ServiceEntry, error) {
	v, err := s.submit(func() (any, error) { return s.doStart(spec) })
	if err != nil {
		return nil, err
	}
	return v.([]ServiceEntry), nil
}

func (s *Supervisor) doStart(spec process.Spec) ([]ServiceEntry, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	n := resolveInstanceCount(spec.Instances)

	s.mu.Lock()
	names := make([]string, n)
	for i := 0; i < n; i++ {
		name := spec.Name
		if n > 1 {
			name = fmt.Sprintf("%s-%d", spec.Name, i)
		}
		if _, exists := s.byName[name]; exists {
			s.mu.Unlock()
			return nil, bm2err.New(bm2err.AlreadyExists, "start")
		}
		names[i] = name
	}

	created := make([]*ServiceEntry, 0, n)
	for i := 0; i < n; i++ {
		id := s.nextID
		s.nextID++
		workerIndex, clusterSize := -1, 0
		if n > 1 {
			workerIndex, clusterSize = i, n
		}
		e := &ServiceEntry{
			ID:          id,
			Name:        names[i],
			Namespace:   spec.Namespace,
			Spec:        spec,
			State:       StateLaunching,
			CreatedAt:   time.Now(),
			Health:      HealthUnknown,
			WorkerIndex: workerIndex,
			ClusterSize: clusterSize,
		}
		s.entries[id] = e
		s.byName[names[i]] = id
		created = append(created, e)
	}

	out := make([]ServiceEntry, 0, n)
	for _, e := range created {
		if err := s.spawnEntry(e); err != nil {
			e.State = StateErrored
		}
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()
	return out, nil
}

// Ecosystem starts every spec in specs as one batch, matching the wire
// "ecosystem" request. Partial failures do not abort the remaining specs.
func (s *Supervisor) Ecosystem(specs []process.Spec) []ServiceEntry {
	var out []ServiceEntry
	for _, sp := range specs {
		created, err := s.Start(sp)
		if err != nil {
			continue
		}
		out = append(out, created...)
	}
	return out
}

// Stop requests termination of every entry resolve(target) matches,
// disabling autorestart for this run. The kill-timeout escalation runs in
// the background so the inbox worker is never blocked by it.
func (s *Supervisor) Stop(target string) ([]ServiceEntry, error) {
	v, err := s.submit(func() (any, error) { return s.doStop(target) })
	if err != nil {
		return nil, err
	}
	return v.([]ServiceEntry), nil
}

func (s *Supervisor) doStop(target string) ([]ServiceEntry, error) {
	s.mu.Lock()
	matched := resolve(s.entries, target)
	out := make([]ServiceEntry, 0, len(matched))
	for _, e := range matched {
		s.stopOneLocked(e)
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()
	return out, nil
}

// stopOneLocked must be called with s.mu held.
func (s *Supervisor) stopOneLocked(e *ServiceEntry) {
	switch e.State {
	case StateStopped:
		return
	case StateStopping:
		return
	case StateWaitingRestart:
		if e.restartTimer != nil {
			e.restartTimer.Stop()
		}
		e.State = StateStopped
		return
	default: // launching, online, errored
		if e.Child == nil {
			e.State = StateStopped
			return
		}
		e.ManualStop = true
		e.State = StateStopping
		child := e.Child
		spec := e.Spec
		timeout := e.Spec.KillTimeout
		go func() {
			_ = spec.RunHooks(process.PhasePreStop)
			_ = child.StopTree(timeout)
		}()
	}
}

// restartEntry implements the restart sequence: stop ignoring policy, then
// start again once the child has actually exited. Must run inside the inbox
// worker. It never blocks waiting for the exit itself — that would
// deadlock, since the exit notification is delivered through this same
// inbox — it only arms ManualRestart and lets onChildExited perform the
// respawn once the kill completes.
//
// resetCounter distinguishes an operator restart (which zeroes
// restart_count, re-arming autorestart after a cap hit) from an
// event-driven recycle (memory cap, unhealthy, cron, source change), which
// counts against the cap like any other restart.
func (s *Supervisor) restartEntry(e *ServiceEntry, resetCounter bool) {
	s.mu.Lock()
	child := e.Child
	if child == nil {
		e.ManualStop = false
		e.ManualRestart = false
		if resetCounter {
			e.RestartCount = 0
		} else {
			e.RestartCount++
		}
		e.State = StateLaunching
		if err := s.spawnEntry(e); err != nil {
			e.State = StateErrored
		}
		s.mu.Unlock()
		return
	}
	e.ManualStop = true
	e.ManualRestart = true
	e.restartReset = resetCounter
	e.restartBump = !resetCounter
	e.State = StateStopping
	spec := e.Spec
	timeout := e.Spec.KillTimeout
	s.mu.Unlock()

	go func() {
		_ = spec.RunHooks(process.PhasePreStop)
		_ = child.StopTree(timeout)
	}()
}

// Restart stops then starts every matched entry, incrementing no restart
// cap accounting since this is operator-initiated, not policy-driven.
func (s *Supervisor) Restart(target string) ([]ServiceEntry, error) {
	v, err := s.submit(func() (any, error) { return s.doRestart(target) })
	if err != nil {
		return nil, err
	}
	return v.([]ServiceEntry), nil
}

func (s *Supervisor) doRestart(target string) ([]ServiceEntry, error) {
	s.mu.Lock()
	matched := resolve(s.entries, target)
	s.mu.Unlock()
	out := make([]ServiceEntry, 0, len(matched))
	for _, e := range matched {
		s.restartEntry(e, true)
		s.mu.Lock()
		out = append(out, e.snapshot())
		s.mu.Unlock()
	}
	return out, nil
}

// Delete stops (if running) and removes every matched entry from the
// registry.
func (s *Supervisor) Delete(target string) ([]ServiceEntry, error) {
	v, err := s.submit(func() (any, error) { return s.doDelete(target) })
	if err != nil {
		return nil, err
	}
	return v.([]ServiceEntry), nil
}

func (s *Supervisor) doDelete(target string) ([]ServiceEntry, error) {
	s.mu.Lock()
	matched := resolve(s.entries, target)
	out := make([]ServiceEntry, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.snapshot())
		if e.Child == nil {
			delete(s.entries, e.ID)
			delete(s.byName, e.Name)
			s.disarmAncillaryLocked(e.ID)
			continue
		}
		e.PendingDelete = true
		s.stopOneLocked(e)
	}
	s.mu.Unlock()
	return out, nil
}

// Reset zeroes restart_count and unstable_restarts without changing state.
func (s *Supervisor) Reset(target string) ([]ServiceEntry, error) {
	v, err := s.submit(func() (any, error) { return s.doReset(target) })
	if err != nil {
		return nil, err
	}
	return v.([]ServiceEntry), nil
}

func (s *Supervisor) doReset(target string) ([]ServiceEntry, error) {
	s.mu.Lock()
	matched := resolve(s.entries, target)
	out := make([]ServiceEntry, 0, len(matched))
	for _, e := range matched {
		e.RestartCount = 0
		e.UnstableRestarts = 0
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()
	return out, nil
}

// Signal sends sig to every matched entry's process group (not a full
// tree-kill; that's the Stop/Delete path).
func (s *Supervisor) Signal(target string, sig syscall.Signal) ([]ServiceEntry, error) {
	v, err := s.submit(func() (any, error) { return s.doSignal(target, sig) })
	if err != nil {
		return nil, err
	}
	return v.([]ServiceEntry), nil
}

func (s *Supervisor) doSignal(target string, sig syscall.Signal) ([]ServiceEntry, error) {
	s.mu.Lock()
	matched := resolve(s.entries, target)
	out := make([]ServiceEntry, 0, len(matched))
	for _, e := range matched {
		if e.PID != 0 {
			_ = syscall.Kill(-e.PID, sig)
		}
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()
	return out, nil
}

// Scale adjusts a cluster's worker count to n, removing highest-index
// workers first when scaling down.
func (s *Supervisor) Scale(target string, n int) ([]ServiceEntry, error) {
	v, err := s.submit(func() (any, error) { return s.doScale(target, n) })
	if err != nil {
		return nil, err
	}
	return v.([]ServiceEntry), nil
}

func (s *Supervisor) doScale(target string, n int) ([]ServiceEntry, error) {
	s.mu.Lock()
	matched := resolve(s.entries, target)
	if len(matched) == 0 {
		s.mu.Unlock()
		return nil, bm2err.New(bm2err.NotFound, "scale")
	}
	sortByWorkerIndex(matched)
	baseSpec := matched[0].Spec
	baseName := stripWorkerSuffix(matched[0].Name)
	namespace := matched[0].Namespace
	cur := len(matched)

	if n > cur {
		if cur == 1 && matched[0].WorkerIndex < 0 {
			s.renameToWorkerLocked(matched[0], baseName, 0)
		}
		for i := cur; i < n; i++ {
			id := s.nextID
			s.nextID++
			name := fmt.Sprintf("%s-%d", baseName, i)
			e := &ServiceEntry{
				ID: id, Name: name, Namespace: namespace, Spec: baseSpec,
				State: StateLaunching, CreatedAt: time.Now(), Health: HealthUnknown,
				WorkerIndex: i, ClusterSize: n,
			}
			s.entries[id] = e
			s.byName[name] = id
			if err := s.spawnEntry(e); err != nil {
				e.State = StateErrored
			}
		}
	} else if n < cur {
		toRemove := matched[:cur-n]
		for _, e := range toRemove {
			if e.Child == nil {
				delete(s.entries, e.ID)
				delete(s.byName, e.Name)
				s.disarmAncillaryLocked(e.ID)
				continue
			}
			e.PendingDelete = true
			s.stopOneLocked(e)
		}
	}

	// Surviving workers carry the new cluster size so respawns inject the
	// right BM2_INSTANCES.
	out := make([]ServiceEntry, 0, n)
	for _, e := range resolve(s.entries, target) {
		if e.WorkerIndex >= 0 {
			e.ClusterSize = n
		}
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()
	return out, nil
}

func (s *Supervisor) renameToWorkerLocked(e *ServiceEntry, baseName string, idx int) {
	newName := fmt.Sprintf("%s-%d", baseName, idx)
	delete(s.byName, e.Name)
	e.Name = newName
	e.WorkerIndex = idx
	s.byName[newName] = e.ID
}

func stripWorkerSuffix(name string) string {
	idx := strings.LastIndexByte(name, '-')
	if idx < 0 {
		return name
	}
	if _, err := strconv.Atoi(name[idx+1:]); err == nil {
		return name[:idx]
	}
	return name
}

func sortByWorkerIndex(entries []*ServiceEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].WorkerIndex < entries[j].WorkerIndex; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// List returns every entry, sorted by id.
func (s *Supervisor) List() []ServiceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := resolve(s.entries, "all")
	out := make([]ServiceEntry, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.snapshot())
	}
	return out
}

// Describe returns the entries resolve(target) matches.
func (s *Supervisor) Describe(target string) []ServiceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := resolve(s.entries, target)
	out := make([]ServiceEntry, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.snapshot())
	}
	return out
}

// LogLines is one entry's tailed stdout/stderr.
type LogLines struct {
	Name string   `json:"name"`
	ID   int      `json:"id"`
	Out  []string `json:"out"`
	Err  []string `json:"err"`
}

// Logs returns the last n lines of every matched entry's out/err streams.
func (s *Supervisor) Logs(target string, n int) ([]LogLines, error) {
	s.mu.Lock()
	matched := resolve(s.entries, target)
	names := make([]string, len(matched))
	ids := make([]int, len(matched))
	for i, e := range matched {
		names[i], ids[i] = e.Name, e.ID
	}
	s.mu.Unlock()

	out := make([]LogLines, 0, len(names))
	for i, name := range names {
		o, e, err := s.logSink.Logs(name, ids[i], n)
		if err != nil {
			return nil, bm2err.Wrap(bm2err.IOError, "logs", err)
		}
		out = append(out, LogLines{Name: name, ID: ids[i], Out: o, Err: e})
	}
	return out, nil
}

// Flush truncates both active log files for every matched entry.
func (s *Supervisor) Flush(target string) error {
	s.mu.Lock()
	matched := resolve(s.entries, target)
	s.mu.Unlock()
	for _, e := range matched {
		if err := s.logSink.Flush(e.Name, e.ID); err != nil {
			return bm2err.Wrap(bm2err.IOError, "flush", err)
		}
	}
	return nil
}

// Metrics returns the Monitor's latest snapshot.
func (s *Supervisor) Metrics() monitor.MetricSnapshot {
	return s.monitor.Latest()
}

// MetricsHistory returns every Monitor snapshot within the last `seconds`.
func (s *Supervisor) MetricsHistory(seconds int) []monitor.MetricSnapshot {
	return s.monitor.History(seconds)
}

// Prometheus renders the current Prometheus exposition text.
func (s *Supervisor) Prometheus() (string, error) {
	if err := metrics.Register(); err != nil {
		return "", bm2err.Wrap(bm2err.Internal, "prometheus", err)
	}
	samples, sys := s.metricsSamplesForPrometheus()
	metrics.Observe(samples, sys)
	return metrics.Text()
}

func (s *Supervisor) metricsSamplesForPrometheus() ([]metrics.ServiceSample, metrics.SystemSample) {
	snap := s.monitor.Latest()
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[int]monitor.EntryMetric, len(snap.Entries))
	for _, em := range snap.Entries {
		byID[em.ID] = em
	}
	samples := make([]metrics.ServiceSample, 0, len(s.entries))
	for _, e := range s.entries {
		em, ok := byID[e.ID]
		online := e.State == StateOnline
		var uptime float64
		if online {
			uptime = time.Since(e.StartedAt).Seconds()
		}
		delta := e.RestartCount - s.reportedRestarts[e.ID]
		if delta < 0 {
			delta = 0
		}
		s.reportedRestarts[e.ID] = e.RestartCount
		sample := metrics.ServiceSample{
			Name: e.Name, ID: strconv.Itoa(e.ID), Online: online, Status: string(e.State),
			UptimeSeconds: uptime, RestartDelta: delta,
		}
		if ok {
			sample.CPUPercent = em.CPUPercent
			sample.MemoryBytes = em.RSSBytes
		}
		samples = append(samples, sample)
	}
	return samples, metrics.SystemSample{
		MemoryTotalBytes: snap.SystemMemTotal,
		MemoryFreeBytes:  snap.SystemMemFree,
		LoadAverage1m:    snap.LoadAvg1,
		LoadAverage5m:    snap.LoadAvg5,
		LoadAverage15m:   snap.LoadAvg15,
	}
}

// Save snapshots every entry's spec + restart_count to path.
func (s *Supervisor) Save(path string) error {
	s.mu.Lock()
	records := make([]persistence.Record, 0, len(s.entries))
	for _, e := range s.entries {
		records = append(records, persistence.Record{Name: e.Name, Spec: e.Spec, RestartCount: e.RestartCount})
	}
	s.mu.Unlock()
	if err := persistence.Save(path, records); err != nil {
		return bm2err.Wrap(bm2err.IOError, "save", err)
	}
	return nil
}

// Resurrect loads path and starts every record, preserving names but
// assigning fresh ids. A missing file is a no-op, not an error.
func (s *Supervisor) Resurrect(path string) ([]ServiceEntry, error) {
	records, err := persistence.Load(path)
	if err != nil {
		return nil, bm2err.Wrap(bm2err.IOError, "resurrect", err)
	}
	var out []ServiceEntry
	for _, r := range records {
		created, err := s.Start(r.Spec)
		if err != nil {
			continue
		}
		if r.RestartCount > 0 {
			ids := make([]int, len(created))
			for i, e := range created {
				ids[i] = e.ID
			}
			count := r.RestartCount
			_, _ = s.submit(func() (any, error) {
				s.mu.Lock()
				for _, id := range ids {
					if e, ok := s.entries[id]; ok {
						e.RestartCount = count
					}
				}
				s.mu.Unlock()
				return nil, nil
			})
			for i := range created {
				created[i].RestartCount = count
			}
		}
		out = append(out, created...)
	}
	return out, nil
}
