package registry

import (
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bun-bm2/bm2/internal/bm2err"
	"github.com/bun-bm2/bm2/internal/process"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	requireUnix(t)
	sv := New(Options{LogDir: t.TempDir(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	sv.Run()
	t.Cleanup(sv.Shutdown)
	return sv
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func findByName(entries []ServiceEntry, name string) (ServiceEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return ServiceEntry{}, false
}

func TestStartRejectsDuplicateName(t *testing.T) {
	sv := newTestSupervisor(t)
	spec := process.Spec{Name: "dup", Command: "sleep 2"}

	_, err := sv.Start(spec)
	require.NoError(t, err)

	_, err = sv.Start(spec)
	require.Error(t, err)
	require.True(t, bm2err.Is(err, bm2err.AlreadyExists))
}

func TestResolveTargetGrammar(t *testing.T) {
	entries := map[int]*ServiceEntry{
		1: {ID: 1, Name: "web-0", Namespace: "api"},
		2: {ID: 2, Name: "web-1", Namespace: "api"},
		3: {ID: 3, Name: "worker", Namespace: "jobs"},
	}

	require.Len(t, resolve(entries, "all"), 3)

	byID := resolve(entries, "2")
	require.Len(t, byID, 1)
	require.Equal(t, "web-1", byID[0].Name)

	byName := resolve(entries, "worker")
	require.Len(t, byName, 1)
	require.Equal(t, 3, byName[0].ID)

	byPrefix := resolve(entries, "web")
	require.Len(t, byPrefix, 2)

	byNamespace := resolve(entries, "api")
	require.Len(t, byNamespace, 2)

	require.Empty(t, resolve(entries, "nonexistent"))
	require.Empty(t, resolve(entries, "999"))
}

func TestMaxRestartsZeroEntersErroredImmediately(t *testing.T) {
	sv := newTestSupervisor(t)
	spec := process.Spec{
		Name:        "crasher",
		Command:     "sh -c 'exit 1'",
		AutoRestart: true,
		MaxRestarts: 0,
	}
	_, err := sv.Start(spec)
	require.NoError(t, err)

	pollUntil(t, 2*time.Second, func() bool {
		e, ok := findByName(sv.List(), "crasher")
		return ok && e.State == StateErrored
	})

	e, ok := findByName(sv.List(), "crasher")
	require.True(t, ok)
	require.Equal(t, 0, e.RestartCount)
}

func TestRestartCapEntersErroredAfterMaxRestarts(t *testing.T) {
	sv := newTestSupervisor(t)
	spec := process.Spec{
		Name:         "flaky",
		Command:      "sh -c 'exit 1'",
		AutoRestart:  true,
		MaxRestarts:  2,
		RestartDelay: 20 * time.Millisecond,
	}
	_, err := sv.Start(spec)
	require.NoError(t, err)

	pollUntil(t, 3*time.Second, func() bool {
		e, ok := findByName(sv.List(), "flaky")
		return ok && e.State == StateErrored
	})

	e, ok := findByName(sv.List(), "flaky")
	require.True(t, ok)
	require.Equal(t, 2, e.RestartCount)
}

func TestMinUptimeIncrementsUnstableRestarts(t *testing.T) {
	sv := newTestSupervisor(t)
	spec := process.Spec{
		Name:         "flappy",
		Command:      "sh -c 'exit 1'",
		AutoRestart:  true,
		MaxRestarts:  5,
		MinUptime:    10 * time.Second,
		RestartDelay: 10 * time.Millisecond,
	}
	_, err := sv.Start(spec)
	require.NoError(t, err)

	pollUntil(t, 2*time.Second, func() bool {
		e, ok := findByName(sv.List(), "flappy")
		return ok && e.RestartCount >= 1
	})

	e, ok := findByName(sv.List(), "flappy")
	require.True(t, ok)
	require.GreaterOrEqual(t, e.UnstableRestarts, 1)
}

func TestIdempotentStop(t *testing.T) {
	sv := newTestSupervisor(t)
	spec := process.Spec{Name: "longrunner", Command: "sleep 5", KillTimeout: 200 * time.Millisecond}
	_, err := sv.Start(spec)
	require.NoError(t, err)

	pollUntil(t, time.Second, func() bool {
		e, ok := findByName(sv.List(), "longrunner")
		return ok && e.State == StateOnline
	})

	_, err = sv.Stop("longrunner")
	require.NoError(t, err)
	pollUntil(t, time.Second, func() bool {
		e, ok := findByName(sv.List(), "longrunner")
		return ok && e.State == StateStopped
	})

	_, err = sv.Stop("longrunner")
	require.NoError(t, err)
	e, ok := findByName(sv.List(), "longrunner")
	require.True(t, ok)
	require.Equal(t, StateStopped, e.State)
}

func TestScaleUpThenDownRemovesHighestIndexFirst(t *testing.T) {
	sv := newTestSupervisor(t)
	spec := process.Spec{Name: "api", Command: "sleep 5"}
	_, err := sv.Start(spec)
	require.NoError(t, err)

	pollUntil(t, time.Second, func() bool {
		_, ok := findByName(sv.List(), "api")
		return ok
	})

	_, err = sv.Scale("api", 4)
	require.NoError(t, err)
	pollUntil(t, time.Second, func() bool {
		_, ok3 := findByName(sv.List(), "api-3")
		return ok3
	})

	for _, name := range []string{"api-0", "api-1", "api-2", "api-3"} {
		_, ok := findByName(sv.List(), name)
		require.True(t, ok, name)
	}

	_, err = sv.Scale("api", 2)
	require.NoError(t, err)
	pollUntil(t, time.Second, func() bool {
		_, ok2 := findByName(sv.List(), "api-2")
		_, ok3 := findByName(sv.List(), "api-3")
		return !ok2 && !ok3
	})

	_, ok0 := findByName(sv.List(), "api-0")
	_, ok1 := findByName(sv.List(), "api-1")
	require.True(t, ok0)
	require.True(t, ok1)
}

func TestSaveAndResurrectRoundTrip(t *testing.T) {
	sv := newTestSupervisor(t)
	_, err := sv.Start(process.Spec{Name: "svc-a", Command: "sleep 5"})
	require.NoError(t, err)
	_, err = sv.Start(process.Spec{Name: "svc-b", Command: "sleep 5"})
	require.NoError(t, err)

	pollUntil(t, time.Second, func() bool {
		_, a := findByName(sv.List(), "svc-a")
		_, b := findByName(sv.List(), "svc-b")
		return a && b
	})

	dumpPath := t.TempDir() + "/dump.json"
	require.NoError(t, sv.Save(dumpPath))

	sv2 := newTestSupervisor(t)
	_, err = sv2.Resurrect(dumpPath)
	require.NoError(t, err)

	pollUntil(t, time.Second, func() bool {
		_, a := findByName(sv2.List(), "svc-a")
		_, b := findByName(sv2.List(), "svc-b")
		return a && b
	})
}

func TestClusterEnvCarriesResolvedInstanceCount(t *testing.T) {
	e := &ServiceEntry{
		ID: 3, Name: "api-1", WorkerIndex: 1, ClusterSize: 4,
		Spec: process.Spec{
			Name: "api", Command: "sleep 1", Instances: -1,
			ExecMode: process.ExecModeCluster, BasePort: 8000,
		},
	}
	env := mergedChildEnv(nil, e)
	// The -1 "max" sentinel must never leak into the child environment.
	require.Contains(t, env, "BM2_INSTANCES=4")
	require.Contains(t, env, "BM2_WORKER_ID=1")
	require.Contains(t, env, "BM2_CLUSTER=true")
	require.Contains(t, env, "NODE_APP_INSTANCE=1")
	require.Contains(t, env, "PORT=8001")
}

func TestStartMaxResolvesInstancesToCPUCount(t *testing.T) {
	sv := newTestSupervisor(t)
	created, err := sv.Start(process.Spec{Name: "fleet", Command: "sleep 5", Instances: -1})
	require.NoError(t, err)
	require.Len(t, created, runtime.NumCPU())
	if runtime.NumCPU() > 1 {
		for _, e := range created {
			require.Equal(t, runtime.NumCPU(), e.ClusterSize)
			require.GreaterOrEqual(t, e.WorkerIndex, 0)
		}
	}
}

func TestScaleKeepsClusterSizeCurrent(t *testing.T) {
	sv := newTestSupervisor(t)
	_, err := sv.Start(process.Spec{Name: "sized", Command: "sleep 5", Instances: 2})
	require.NoError(t, err)

	scaled, err := sv.Scale("sized", 3)
	require.NoError(t, err)
	for _, e := range scaled {
		require.Equal(t, 3, e.ClusterSize, e.Name)
	}
}

func TestValidateSpecRejectsMalformedCron(t *testing.T) {
	sv := newTestSupervisor(t)
	_, err := sv.Start(process.Spec{Name: "bad-cron", Command: "sleep 1", Cron: "not a cron expression"})
	require.Error(t, err)
	require.True(t, bm2err.Is(err, bm2err.InvalidSpec))
}

func TestValidateSpecRejectsEmptyCommand(t *testing.T) {
	sv := newTestSupervisor(t)
	_, err := sv.Start(process.Spec{Name: "no-command"})
	require.Error(t, err)
	require.True(t, bm2err.Is(err, bm2err.InvalidSpec))
}
