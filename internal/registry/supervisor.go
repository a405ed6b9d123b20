package registry

import (
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/bun-bm2/bm2/internal/bm2err"
	"github.com/bun-bm2/bm2/internal/cronsched"
	"github.com/bun-bm2/bm2/internal/health"
	"github.com/bun-bm2/bm2/internal/logsink"
	"github.com/bun-bm2/bm2/internal/monitor"
	"github.com/bun-bm2/bm2/internal/watch"
)

// request is one inbox item: a closure the single worker goroutine runs to
// completion before servicing the next item, plus the channel its result is
// delivered on.
type request struct {
	fn   func() (any, error)
	resp chan result
}

type result struct {
	val any
	err error
}

// Supervisor is the authoritative registry: the only mutator of every
// ServiceEntry it owns. Every operation below funnels through a single
// inbox so no two mutations ever observe a torn intermediate state.
type Supervisor struct {
	mu      sync.Mutex
	entries map[int]*ServiceEntry
	byName  map[string]int
	nextID  int

	// reportedRestarts tracks the restart count last fed into the
	// bm2_process_restarts_total counter, per entry id, so each scrape
	// adds only the delta.
	reportedRestarts map[int]int

	inbox  chan request
	stopCh chan struct{}
	wg     sync.WaitGroup

	logSink *logsink.Sink
	monitor *monitor.Monitor
	cron    *cronsched.Scheduler
	probers map[int]*health.Prober
	watchers map[int]*watch.Watcher

	globalEnv []string
	pidDir    string
	logger    *slog.Logger
}

// Options configures a new Supervisor.
type Options struct {
	LogDir    string
	PIDDir    string // per-child pid files land here as <name>-<id>.pid; empty disables them
	GlobalEnv []string
	Logger    *slog.Logger
}

const inboxDepth = 256

// New builds a Supervisor. Call Run to launch its background loops.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		entries:          make(map[int]*ServiceEntry),
		byName:           make(map[string]int),
		nextID:           1,
		reportedRestarts: make(map[int]int),
		inbox:            make(chan request, inboxDepth),
		logSink:          logsink.New(opts.LogDir),
		probers:          make(map[int]*health.Prober),
		watchers:         make(map[int]*watch.Watcher),
		globalEnv:        opts.GlobalEnv,
		pidDir:           opts.PIDDir,
		logger:           logger,
	}
	s.monitor = monitor.New(s, time.Second)
	s.cron = cronsched.New(s)
	return s
}

// Run launches the inbox worker and every background subsystem.
func (s *Supervisor) Run() {
	s.stopCh = make(chan struct{})
	s.logSink.Start()
	s.monitor.Start()
	s.wg.Add(1)
	go s.runInbox()
}

// Shutdown drains background subsystems and stops accepting new inbox
// items. Child processes are not touched; callers that want a clean
// shutdown should Stop("all") first.
func (s *Supervisor) Shutdown() {
	close(s.stopCh)
	s.wg.Wait()
	s.monitor.Stop()
	s.cron.Stop()
	s.mu.Lock()
	probers := make([]*health.Prober, 0, len(s.probers))
	for _, p := range s.probers {
		probers = append(probers, p)
	}
	watchers := make([]*watch.Watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()
	for _, p := range probers {
		p.Stop()
	}
	for _, w := range watchers {
		if w != nil {
			w.Stop()
		}
	}
	s.logSink.Stop()
}

func (s *Supervisor) runInbox() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.inbox:
			val, err := req.fn()
			req.resp <- result{val: val, err: err}
		case <-s.stopCh:
			return
		}
	}
}

// submit enqueues fn and blocks for its result. Used by every synchronous,
// operator-facing operation.
func (s *Supervisor) submit(fn func() (any, error)) (any, error) {
	req := request{fn: fn, resp: make(chan result, 1)}
	select {
	case s.inbox <- req:
	case <-s.stopCh:
		return nil, bm2err.New(bm2err.Internal, "submit")
	}
	select {
	case r := <-req.resp:
		return r.val, r.err
	case <-s.stopCh:
		return nil, bm2err.New(bm2err.Internal, "submit")
	}
}

// submitAsync enqueues fn without waiting for its result. Used by
// background callbacks (child exit, cron fire, health failure, watch fire,
// memory cap) so they never block on the inbox being busy.
func (s *Supervisor) submitAsync(fn func() (any, error)) {
	req := request{fn: fn, resp: make(chan result, 1)}
	select {
	case s.inbox <- req:
	case <-s.stopCh:
	}
}

// --- monitor.Sink ---

func (s *Supervisor) OnlineTargets() []monitor.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.Target, 0, len(s.entries))
	for _, e := range s.entries {
		if e.State != StateOnline || e.PID == 0 {
			continue
		}
		out = append(out, monitor.Target{ID: e.ID, Name: e.Name, PID: e.PID, MemoryCapBytes: e.Spec.MemoryCapBytes})
	}
	return out
}

func (s *Supervisor) ReportSample(id int, rssBytes uint64, cpuPercent float64, fdCount int, at time.Time) {
	s.submitAsync(func() (any, error) {
		s.mu.Lock()
		if e, ok := s.entries[id]; ok {
			e.Sample = Sample{RSSBytes: rssBytes, CPUPercent: cpuPercent, FDCount: fdCount, At: at}
		}
		s.mu.Unlock()
		return nil, nil
	})
}

func (s *Supervisor) EnqueueMemoryExceeded(id int) {
	s.submitAsync(func() (any, error) { s.onMemoryExceeded(id); return nil, nil })
}

// --- health.Sink ---

func (s *Supervisor) EnqueueUnhealthy(id int) {
	s.submitAsync(func() (any, error) { s.onUnhealthy(id); return nil, nil })
}

// --- cronsched.Sink ---

func (s *Supervisor) EnqueueCronFired(id int) {
	s.submitAsync(func() (any, error) { s.onCronFired(id); return nil, nil })
}

// --- watch.Sink ---

func (s *Supervisor) EnqueueSourceChanged(id int) {
	s.submitAsync(func() (any, error) { s.onSourceChanged(id); return nil, nil })
}

// --- child exit ---

func (s *Supervisor) enqueueChildExited(id int, code int) {
	s.submitAsync(func() (any, error) { s.onChildExited(id, code); return nil, nil })
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
