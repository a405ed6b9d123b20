package registry

import "time"

// onChildExited is the restart state machine's core transition, run
// entirely inside the inbox worker. See the state diagram this mirrors:
// stop/delete wins over policy; autorestart=false is terminal; the restart
// cap drives errored; otherwise a one-shot timer arms waiting-restart.
func (s *Supervisor) onChildExited(id int, code int) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.Child = nil
	e.PID = 0

	if e.PendingDelete {
		delete(s.entries, e.ID)
		delete(s.byName, e.Name)
		s.disarmAncillaryLocked(e.ID)
		s.mu.Unlock()
		return
	}

	if e.ReloadPending {
		newChild := e.reloadShadow
		newCmd := e.reloadShadowCmd
		e.reloadShadow = nil
		e.reloadShadowCmd = nil
		e.ReloadPending = false
		e.Child = newChild
		e.PID = newCmd.Process.Pid
		e.StartedAt = time.Now()
		e.State = StateOnline
		e.RestartCount++
		// The old child's exit path just removed the shared pid file; put
		// the replacement's back.
		newChild.WritePIDFile()
		s.armAncillaryLocked(e)
		go s.waitForExit(e.ID, newChild)
		s.mu.Unlock()
		return
	}

	if e.ManualStop {
		e.ManualStop = false
		if e.ManualRestart {
			e.ManualRestart = false
			if e.restartReset {
				e.RestartCount = 0
			} else if e.restartBump {
				e.RestartCount++
			}
			e.restartReset, e.restartBump = false, false
			e.State = StateLaunching
			if err := s.spawnEntry(e); err != nil {
				e.State = StateErrored
			}
			s.mu.Unlock()
			return
		}
		e.State = StateStopped
		s.mu.Unlock()
		return
	}

	if !e.Spec.AutoRestart {
		if code == 0 {
			e.State = StateStopped
		} else {
			e.State = StateErrored
		}
		s.mu.Unlock()
		return
	}

	if e.RestartCount >= e.Spec.MaxRestarts {
		e.State = StateErrored
		s.mu.Unlock()
		return
	}

	if !e.StartedAt.IsZero() && time.Since(e.StartedAt) < e.Spec.MinUptime {
		e.UnstableRestarts++
	}
	e.State = StateWaitingRestart
	delay := e.Spec.RestartDelay
	e.restartTimer = time.AfterFunc(delay, func() {
		s.submitAsync(func() (any, error) { s.fireRestart(id); return nil, nil })
	})
	s.mu.Unlock()
}

// fireRestart transitions a waiting-restart entry into launching and
// respawns it. A no-op if the entry moved on (e.g. stopped or deleted
// while the timer was armed).
func (s *Supervisor) fireRestart(id int) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.State != StateWaitingRestart {
		s.mu.Unlock()
		return
	}
	e.RestartCount++
	e.State = StateLaunching
	err := s.spawnEntry(e)
	if err != nil {
		e.State = StateErrored
	}
	s.mu.Unlock()
}

// onMemoryExceeded, onUnhealthy, onCronFired, and onSourceChanged all
// respond the same way: an event-driven restart of the one entry that counts
// against the restart cap (an operator Restart resets the counter instead).
// They differ only in the message surfaced to logs.

func (s *Supervisor) onMemoryExceeded(id int) {
	s.logger.Warn("registry: memory cap exceeded, restarting", "id", id)
	s.restartEntryLocked(id)
}

func (s *Supervisor) onUnhealthy(id int) {
	s.logger.Warn("registry: health check failed, restarting", "id", id)
	s.restartEntryLocked(id)
}

func (s *Supervisor) onCronFired(id int) {
	s.logger.Info("registry: cron fired, restarting", "id", id)
	s.restartEntryLocked(id)
}

func (s *Supervisor) onSourceChanged(id int) {
	s.logger.Info("registry: source changed, restarting", "id", id)
	s.restartEntryLocked(id)
}

// restartEntryLocked implements the event-driven recycle for a single entry
// by id: stop (ignoring exit-driven policy), then start again, counting the
// restart against the cap.
func (s *Supervisor) restartEntryLocked(id int) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.restartEntry(e, false)
}
