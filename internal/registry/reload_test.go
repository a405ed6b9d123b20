package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bun-bm2/bm2/internal/process"
)

func TestReloadSwapsChildWithFreshPID(t *testing.T) {
	sv := newTestSupervisor(t)
	spec := process.Spec{
		Name:        "roller",
		Command:     "sleep 30",
		KillTimeout: 200 * time.Millisecond,
		ReloadDelay: 50 * time.Millisecond,
	}
	_, err := sv.Start(spec)
	require.NoError(t, err)

	pollUntil(t, time.Second, func() bool {
		e, ok := findByName(sv.List(), "roller")
		return ok && e.State == StateOnline
	})
	before, _ := findByName(sv.List(), "roller")
	require.NotZero(t, before.PID)

	reloaded, err := sv.Reload("roller")
	require.NoError(t, err)
	require.Len(t, reloaded, 1)

	after, ok := findByName(sv.List(), "roller")
	require.True(t, ok)
	require.Equal(t, StateOnline, after.State)
	require.NotZero(t, after.PID)
	require.NotEqual(t, before.PID, after.PID)
	require.Equal(t, before.RestartCount+1, after.RestartCount)
}

func TestReloadOfStoppedEntryRespawns(t *testing.T) {
	sv := newTestSupervisor(t)
	spec := process.Spec{Name: "parked", Command: "sleep 30", KillTimeout: 200 * time.Millisecond}
	_, err := sv.Start(spec)
	require.NoError(t, err)

	pollUntil(t, time.Second, func() bool {
		e, ok := findByName(sv.List(), "parked")
		return ok && e.State == StateOnline
	})
	_, err = sv.Stop("parked")
	require.NoError(t, err)
	pollUntil(t, time.Second, func() bool {
		e, ok := findByName(sv.List(), "parked")
		return ok && e.State == StateStopped
	})

	_, err = sv.Reload("parked")
	require.NoError(t, err)

	pollUntil(t, time.Second, func() bool {
		e, ok := findByName(sv.List(), "parked")
		return ok && e.State == StateOnline
	})
}

func TestReloadEmptyTargetIsSuccess(t *testing.T) {
	sv := newTestSupervisor(t)
	reloaded, err := sv.Reload("no-such-service")
	require.NoError(t, err)
	require.Empty(t, reloaded)
}
