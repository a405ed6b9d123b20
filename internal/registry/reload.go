package registry

import (
	"net/http"
	"time"

	"github.com/bun-bm2/bm2/internal/bm2err"
	"github.com/bun-bm2/bm2/internal/logsink"
	"github.com/bun-bm2/bm2/internal/process"
)

// Reload runs the rolling zero-downtime reload sequence across every entry
// resolve(target) matches, one entry at a time. It never runs inside the
// inbox worker for its full duration — each step that actually mutates
// registry state is its own short submit() call, with the readiness wait
// and inter-entry delay happening in this calling goroutine so the rest of
// the registry keeps processing other services while a reload is underway.
//
// Cancellation mid-sequence (a step 2 spawn failure) aborts the remaining
// entries; already-reloaded entries are not rolled back.
func (s *Supervisor) Reload(target string) ([]ServiceEntry, error) {
	ids, err := s.reloadTargetIDs(target)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceEntry, 0, len(ids))
	for i, id := range ids {
		e, err := s.reloadOne(id)
		if err != nil {
			return out, bm2err.Wrap(bm2err.SpawnFailed, "reload", err)
		}
		out = append(out, e)
		if i < len(ids)-1 {
			time.Sleep(reloadDelay(e.Spec))
		}
	}
	return out, nil
}

func (s *Supervisor) reloadTargetIDs(target string) ([]int, error) {
	v, err := s.submit(func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		matched := resolve(s.entries, target)
		ids := make([]int, len(matched))
		for i, e := range matched {
			ids[i] = e.ID
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]int), nil
}

func reloadDelay(spec process.Spec) time.Duration {
	if spec.ReloadDelay > 0 {
		return spec.ReloadDelay
	}
	return time.Second
}

// reloadOne runs steps 1-5 of the rolling reload for a single entry.
func (s *Supervisor) reloadOne(id int) (ServiceEntry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ServiceEntry{}, bm2err.New(bm2err.NotFound, "reload")
	}
	spec := e.Spec
	oldChild := e.Child
	envKey := ServiceEntry{ID: e.ID, Name: e.Name, Spec: e.Spec, WorkerIndex: e.WorkerIndex, ClusterSize: e.ClusterSize}
	s.mu.Unlock()

	// No old child running: reload degenerates to a plain (re)spawn.
	if oldChild == nil {
		v, err := s.submit(func() (any, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			e, ok := s.entries[id]
			if !ok {
				return nil, bm2err.New(bm2err.NotFound, "reload")
			}
			e.State = StateLaunching
			if err := s.spawnEntry(e); err != nil {
				e.State = StateErrored
				return e.snapshot(), err
			}
			return e.snapshot(), nil
		})
		if err != nil {
			return ServiceEntry{}, err
		}
		return v.(ServiceEntry), nil
	}

	// Step 1+2: spawn the replacement without touching the live entry.
	shadow := process.New(s.specForSpawn(&envKey))
	env := mergedChildEnv(s.globalEnv, &envKey)
	cmd, stdout, stderr, err := shadow.ConfigurePipedCmd(env)
	if err != nil {
		return ServiceEntry{}, bm2err.Wrap(bm2err.SpawnFailed, "reload", err)
	}
	if err := shadow.TryStart(cmd); err != nil {
		return ServiceEntry{}, bm2err.Wrap(bm2err.SpawnFailed, "reload", err)
	}

	// Step 3: wait for readiness.
	if spec.WaitReady {
		if !waitReady(spec) {
			s.logger.Warn("registry: reload readiness wait hit listen_timeout, proceeding as ready", "id", id)
		}
	} else {
		time.Sleep(reloadDelay(spec))
	}

	// Step 4: commit the swap and signal the old child, via the inbox.
	_, err = s.submit(func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		e, ok := s.entries[id]
		if !ok {
			go func() { _ = shadow.StopTree(spec.KillTimeout) }()
			return nil, bm2err.New(bm2err.NotFound, "reload")
		}
		policy := logsink.Policy{MaxBytes: e.Spec.LogRotation.MaxBytes, Retain: e.Spec.LogRotation.Retain, Compress: e.Spec.LogRotation.Compress}
		go pipeToSink(s.logSink, e.Name, e.ID, "out", policy, stdout)
		go pipeToSink(s.logSink, e.Name, e.ID, "err", policy, stderr)

		e.reloadShadow = shadow
		e.reloadShadowCmd = cmd
		e.ReloadPending = true

		oldChild, oldTimeout := e.Child, e.Spec.KillTimeout
		go func() { _ = oldChild.StopTree(oldTimeout) }()
		return nil, nil
	})
	if err != nil {
		return ServiceEntry{}, err
	}

	// Step 4 (cont'd): wait for onChildExited to land the swap.
	deadline := time.Now().Add(spec.KillTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		e, ok := s.entries[id]
		var snap ServiceEntry
		pending := false
		if ok {
			snap = e.snapshot()
			pending = e.ReloadPending
		}
		s.mu.Unlock()
		if !ok {
			return ServiceEntry{}, bm2err.New(bm2err.NotFound, "reload")
		}
		if !pending {
			return snap, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return ServiceEntry{}, bm2err.New(bm2err.KillTimeout, "reload")
}

// waitReady polls for readiness up to listen_timeout (default 30s),
// checking the configured health URL or detectors rather than the entry's
// state: the replacement child is deliberately not registered yet, and
// "state == online" would flip the instant the spawn succeeded, which
// says nothing about the new process accepting traffic. With neither
// probe configured there is no observable readiness signal beyond "the
// process started", so it returns immediately. It reports false when
// listen_timeout elapsed before the probe succeeded. See DESIGN.md for why
// this deviates from polling the state field.
func waitReady(spec process.Spec) bool {
	timeout := spec.ListenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeReady(spec) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func probeReady(spec process.Spec) bool {
	if spec.Health != nil && spec.Health.URL != "" {
		client := http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(spec.Health.URL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	for _, d := range spec.Detectors {
		alive, err := d.Alive()
		if err != nil || !alive {
			return false
		}
	}
	return true
}
