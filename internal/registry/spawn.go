package registry

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bun-bm2/bm2/internal/env"
	"github.com/bun-bm2/bm2/internal/health"
	"github.com/bun-bm2/bm2/internal/logsink"
	"github.com/bun-bm2/bm2/internal/process"
	"github.com/bun-bm2/bm2/internal/watch"
)

// spawnEntry starts e's child process. Called only from within the inbox
// worker. The spawn syscall itself is fast; the blocking wait for exit is
// delegated to a background goroutine that reports back asynchronously.
func (s *Supervisor) spawnEntry(e *ServiceEntry) error {
	spec := s.specForSpawn(e)
	if err := spec.RunHooks(process.PhasePreStart); err != nil {
		return err
	}
	child := process.New(spec)
	env := mergedChildEnv(s.globalEnv, e)
	cmd, stdout, stderr, err := child.ConfigurePipedCmd(env)
	if err != nil {
		return err
	}
	if err := child.TryStart(cmd); err != nil {
		return err
	}

	e.Child = child
	e.PID = cmd.Process.Pid
	e.StartedAt = time.Now()
	e.State = StateOnline

	policy := logsink.Policy{MaxBytes: e.Spec.LogRotation.MaxBytes, Retain: e.Spec.LogRotation.Retain, Compress: e.Spec.LogRotation.Compress}
	go pipeToSink(s.logSink, e.Name, e.ID, "out", policy, stdout)
	go pipeToSink(s.logSink, e.Name, e.ID, "err", policy, stderr)

	go s.waitForExit(e.ID, child)

	if spec.Hooks.HasAnyHooks() {
		go func() { _ = spec.RunHooks(process.PhasePostStart) }()
	}

	s.armAncillaryLocked(e)
	return nil
}

// armAncillaryLocked (re)arms the per-entry health prober, cron schedule,
// and file watcher. Safe to call repeatedly; each call replaces the prior
// one.
func (s *Supervisor) armAncillaryLocked(e *ServiceEntry) {
	if p, ok := s.probers[e.ID]; ok {
		p.Stop()
		delete(s.probers, e.ID)
	}
	if e.Spec.Health != nil && e.Spec.Health.URL != "" {
		p := health.New(e.ID, e.Spec.Health.URL, e.Spec.Health.Interval, e.Spec.Health.Timeout, e.Spec.Health.MaxFails, s)
		p.Start()
		s.probers[e.ID] = p
	}

	if e.Spec.Cron != "" {
		_ = s.cron.Add(e.ID, e.Spec.Cron)
	}

	if w, ok := s.watchers[e.ID]; ok && w != nil {
		w.Stop()
		delete(s.watchers, e.ID)
	}
	if e.Spec.Watch {
		w := watch.New(e.ID, e.Spec.WatchPaths, e.Spec.WatchIgnore, s, s.logger)
		if w != nil {
			w.Start()
		}
		s.watchers[e.ID] = w
	}
}

func (s *Supervisor) disarmAncillaryLocked(id int) {
	delete(s.reportedRestarts, id)
	if p, ok := s.probers[id]; ok {
		p.Stop()
		delete(s.probers, id)
	}
	s.cron.Remove(id)
	if w, ok := s.watchers[id]; ok && w != nil {
		w.Stop()
		delete(s.watchers, id)
	}
}

func pipeToSink(sink *logsink.Sink, name string, id int, stream string, policy logsink.Policy, r io.ReadCloser) {
	defer r.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sink.Ingest(name, id, stream, policy, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// waitForExit blocks on the child's reaper (the single cmd.Wait owner
// inside process.Process), runs the post-stop hooks, and posts ChildExited
// to the inbox.
func (s *Supervisor) waitForExit(id int, child *process.Process) {
	<-child.Exited()

	s.mu.Lock()
	var spec process.Spec
	if e, ok := s.entries[id]; ok {
		spec = e.Spec
	}
	s.mu.Unlock()
	if spec.Hooks.HasAnyHooks() {
		_ = spec.RunHooks(process.PhasePostStop)
	}

	s.enqueueChildExited(id, exitCodeOf(child.ExitError()))
}

// specForSpawn copies e's spec, defaulting PIDFile into the supervisor's
// pids directory so every child leaves a <name>-<id>.pid breadcrumb.
func (s *Supervisor) specForSpawn(e *ServiceEntry) process.Spec {
	spec := e.Spec
	if spec.PIDFile == "" && s.pidDir != "" {
		spec.PIDFile = filepath.Join(s.pidDir, fmt.Sprintf("%s-%d.pid", e.Name, e.ID))
	}
	return spec
}

func mergedChildEnv(globalEnv []string, e *ServiceEntry) []string {
	merged := env.MergeFlat(globalEnv, e.Spec.Env)
	merged = append(merged,
		"BM2_ID="+strconv.Itoa(e.ID),
		"BM2_NAME="+e.Name,
		"BM2_EXEC_MODE="+string(execModeOrDefault(e.Spec)),
	)
	if e.WorkerIndex >= 0 {
		// BM2_INSTANCES is the resolved worker count carried on the entry,
		// never the spec's raw instances value (which may be the -1 / "max"
		// sentinel). BM2_CLUSTER reflects exec_mode: a multi-worker fork
		// service still gets worker identity, just not the cluster flag.
		n := e.ClusterSize
		if n <= 0 {
			n = 1
		}
		merged = append(merged,
			"BM2_CLUSTER="+strconv.FormatBool(e.Spec.ExecMode == process.ExecModeCluster),
			"BM2_WORKER_ID="+strconv.Itoa(e.WorkerIndex),
			"BM2_INSTANCES="+strconv.Itoa(n),
			"NODE_APP_INSTANCE="+strconv.Itoa(e.WorkerIndex),
		)
		if e.Spec.BasePort > 0 {
			merged = append(merged, "PORT="+strconv.Itoa(e.Spec.BasePort+e.WorkerIndex))
		}
	}
	return merged
}

func execModeOrDefault(spec process.Spec) process.ExecMode {
	if spec.ExecMode == "" {
		return process.ExecModeFork
	}
	return spec.ExecMode
}
