package process

import "time"

// Status is one child's observable lifecycle state, published by the
// reaper and read through Snapshot.
type Status struct {
	Name      string
	Running   bool
	PID       int
	StartedAt time.Time
	StoppedAt time.Time
	ExitErr   error
}
