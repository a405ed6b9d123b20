// Package registry implements the Supervisor: the authoritative in-memory
// mapping from service identity to ServiceEntry, the restart state machine,
// and the single command inbox every mutation passes through.
package registry

import (
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bun-bm2/bm2/internal/process"
)

// State is one of the restart state machine's nodes.
type State string

const (
	StateStopped        State = "stopped"
	StateLaunching       State = "launching"
	StateOnline          State = "online"
	StateStopping        State = "stopping"
	StateErrored         State = "errored"
	StateWaitingRestart  State = "waiting-restart"
)

// Health is the outcome of the most recent HealthProber cycle.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Sample is the Monitor's most recent resource reading for one entry.
type Sample struct {
	RSSBytes   uint64
	CPUPercent float64
	FDCount    int
	At         time.Time
}

// ServiceEntry is the unit of supervision. Only the Supervisor's inbox
// worker mutates it; everyone else reads a copy taken under the registry's
// snapshot lock.
type ServiceEntry struct {
	ID        int
	Name      string
	Namespace string
	Spec      process.Spec

	State State
	Child *process.Process
	PID   int

	StartedAt time.Time
	CreatedAt time.Time

	RestartCount     int
	UnstableRestarts int

	Sample Sample

	Health           Health
	ConsecutiveFails int

	ManualStop    bool
	ManualRestart bool
	PendingDelete bool

	WorkerIndex int // -1 when this entry is not part of a cluster

	// ClusterSize is the resolved worker count of the cluster this entry
	// belongs to (instances literal, or the CPU count "max"/-1 resolved
	// to), kept current by Start and Scale so the BM2_INSTANCES child
	// environment never sees the -1 sentinel. Zero for single entries.
	ClusterSize int

	// ReloadPending is true while a rolling reload has a replacement child
	// (reloadShadow) started and is waiting on the old child (Child) to
	// exit before the swap in onChildExited lands.
	ReloadPending   bool
	reloadShadow    *process.Process
	reloadShadowCmd *exec.Cmd

	// How the pending ManualRestart adjusts RestartCount once the respawn
	// lands: an operator restart resets the counter (re-arming autorestart
	// after a cap hit), an event-driven restart counts against the cap.
	restartReset bool
	restartBump  bool

	restartTimer *time.Timer
	cronNext     time.Time
}

// snapshot returns a value copy safe to hand to callers outside the inbox
// worker; pointer fields are intentionally dropped.
func (e *ServiceEntry) snapshot() ServiceEntry {
	cp := *e
	cp.Child = nil
	cp.restartTimer = nil
	cp.reloadShadow = nil
	cp.reloadShadowCmd = nil
	return cp
}

// resolve implements the target grammar from the wire protocol: "all", a
// decimal id, an exact name, a name-<index> prefix, or a namespace match.
// Callers hold the Supervisor's mu.
func resolve(entries map[int]*ServiceEntry, target string) []*ServiceEntry {
	if target == "all" {
		out := make([]*ServiceEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, e)
		}
		sortByID(out)
		return out
	}
	if id, err := strconv.Atoi(target); err == nil {
		if e, ok := entries[id]; ok {
			return []*ServiceEntry{e}
		}
		return nil
	}
	var out []*ServiceEntry
	for _, e := range entries {
		if e.Name == target || strings.HasPrefix(e.Name, target+"-") || e.Namespace == target {
			out = append(out, e)
		}
	}
	sortByID(out)
	return out
}

func sortByID(entries []*ServiceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
