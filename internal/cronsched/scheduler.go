// Package cronsched arms a one-shot timer per service from a standard
// five-field cron expression, re-arming on every fire. It uses
// robfig/cron/v3 purely for parsing and next-match computation; the actual
// scheduling loop (one timer per service, rearmed on fire, posting a typed
// event) is this package's own, since the Supervisor's single-writer inbox
// rule means no background goroutine may touch a ServiceEntry directly.
package cronsched

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sink receives the cron fire event. The Supervisor implements it.
type Sink interface {
	EnqueueCronFired(id int)
}

type entry struct {
	id       int
	schedule cron.Schedule
	timer    *time.Timer
}

// Scheduler owns one armed timer per cron-enabled service.
type Scheduler struct {
	sink Sink

	mu      sync.Mutex
	entries map[int]*entry
}

// New creates a Scheduler posting fire events to sink.
func New(sink Sink) *Scheduler {
	return &Scheduler{sink: sink, entries: make(map[int]*entry)}
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates a five-field cron expression without scheduling it.
func Parse(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Add (re)arms the timer for id using expr, replacing any existing timer.
// Returns an error if expr fails to parse.
func (s *Scheduler) Add(id int, expr string) error {
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
	e := &entry{id: id, schedule: sched}
	s.entries[id] = e
	s.armLocked(e)
	return nil
}

// Remove cancels id's timer, if any.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
	delete(s.entries, id)
}

// Stop cancels every armed timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entries {
		s.cancelLocked(id)
	}
	s.entries = make(map[int]*entry)
}

func (s *Scheduler) cancelLocked(id int) {
	if e, ok := s.entries[id]; ok && e.timer != nil {
		e.timer.Stop()
	}
}

// armLocked computes the next strictly-future match and arms a one-shot
// timer for it. The match is always computed from the current wall-clock
// time, so after a clock jump past-due matches are skipped silently rather
// than replayed; a non-positive delay is floored at 1ms. An expression with
// no future match leaves the entry unarmed.
func (s *Scheduler) armLocked(e *entry) {
	now := time.Now()
	next := e.schedule.Next(now)
	if next.IsZero() {
		return
	}
	d := next.Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	e.timer = time.AfterFunc(d, func() { s.fire(e.id) })
}

func (s *Scheduler) fire(id int) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		s.armLocked(e)
	}
	s.mu.Unlock()
	if ok {
		s.sink.EnqueueCronFired(id)
	}
}
