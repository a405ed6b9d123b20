package process

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireUnixHooks(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func TestRunHooksRunsInDeclarationOrder(t *testing.T) {
	requireUnixHooks(t)
	dir := t.TempDir()
	spec := Spec{
		Name:    "ordered",
		Command: "true",
		WorkDir: dir,
		Hooks: LifecycleHooks{PreStart: []Hook{
			{Name: "first", Command: "echo a > order.txt"},
			{Name: "second", Command: "echo b >> order.txt"},
		}},
	}

	require.NoError(t, spec.RunHooks(PhasePreStart))

	got, err := os.ReadFile(filepath.Join(dir, "order.txt"))
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", string(got))
}

func TestRunHooksFailureModeFailAborts(t *testing.T) {
	requireUnixHooks(t)
	dir := t.TempDir()
	spec := Spec{
		Name:    "aborts",
		Command: "true",
		WorkDir: dir,
		Hooks: LifecycleHooks{PreStart: []Hook{
			{Name: "boom", Command: "exit 1"},
			{Name: "after", Command: "touch after.txt"},
		}},
	}

	require.Error(t, spec.RunHooks(PhasePreStart))
	_, err := os.Stat(filepath.Join(dir, "after.txt"))
	require.True(t, os.IsNotExist(err), "hooks after a failing 'fail' hook must not run")
}

func TestRunHooksFailureModeIgnoreContinues(t *testing.T) {
	requireUnixHooks(t)
	dir := t.TempDir()
	spec := Spec{
		Name:    "continues",
		Command: "true",
		WorkDir: dir,
		Hooks: LifecycleHooks{PreStop: []Hook{
			{Name: "boom", Command: "exit 1", FailureMode: FailureModeIgnore},
			{Name: "after", Command: "touch after.txt"},
		}},
	}

	require.NoError(t, spec.RunHooks(PhasePreStop))
	_, err := os.Stat(filepath.Join(dir, "after.txt"))
	require.NoError(t, err)
}

func TestRunHooksRetrySucceedsOnSecondAttempt(t *testing.T) {
	requireUnixHooks(t)
	dir := t.TempDir()
	spec := Spec{
		Name:    "retries",
		Command: "true",
		WorkDir: dir,
		// Fails on the first run (creates the marker), succeeds on the retry.
		Hooks: LifecycleHooks{PreStart: []Hook{
			{Name: "flaky", Command: "[ -f marker ] || { touch marker; exit 1; }", FailureMode: FailureModeRetry},
		}},
	}

	require.NoError(t, spec.RunHooks(PhasePreStart))
}

func TestRunHooksAsyncDoesNotBlock(t *testing.T) {
	requireUnixHooks(t)
	spec := Spec{
		Name:    "async",
		Command: "true",
		Hooks: LifecycleHooks{PostStart: []Hook{
			{Name: "slow", Command: "sleep 5", RunMode: RunModeAsync},
		}},
	}

	started := time.Now()
	require.NoError(t, spec.RunHooks(PhasePostStart))
	require.Less(t, time.Since(started), time.Second)
}

func TestHooksValidate(t *testing.T) {
	cases := []struct {
		name  string
		hooks LifecycleHooks
		want  string
	}{
		{
			name:  "missing name",
			hooks: LifecycleHooks{PreStart: []Hook{{Command: "true"}}},
			want:  "hook name is required",
		},
		{
			name:  "missing command",
			hooks: LifecycleHooks{PreStop: []Hook{{Name: "x"}}},
			want:  "requires command",
		},
		{
			name:  "bad failure mode",
			hooks: LifecycleHooks{PostStop: []Hook{{Name: "x", Command: "true", FailureMode: "explode"}}},
			want:  "unknown failure_mode",
		},
		{
			name:  "bad env pair",
			hooks: LifecycleHooks{PostStart: []Hook{{Name: "x", Command: "true", Env: []string{"NOEQUALS"}}}},
			want:  "not KEY=VALUE",
		},
		{
			name:  "reserved env key",
			hooks: LifecycleHooks{PreStart: []Hook{{Name: "x", Command: "true", Env: []string{"BM2_ID=9"}}}},
			want:  "reserved",
		},
		{
			name: "duplicate name across phases",
			hooks: LifecycleHooks{
				PreStart: []Hook{{Name: "x", Command: "true"}},
				PreStop:  []Hook{{Name: "x", Command: "true"}},
			},
			want: "duplicate hook name",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.hooks.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}

	ok := LifecycleHooks{PreStart: []Hook{{Name: "prep", Command: "true"}}}
	require.NoError(t, ok.Validate())
	require.True(t, ok.HasAnyHooks())
	require.False(t, (&LifecycleHooks{}).HasAnyHooks())
}

func TestLifecycleHooksDeepCopy(t *testing.T) {
	orig := LifecycleHooks{PreStart: []Hook{{Name: "a", Command: "true", Env: []string{"K=1"}}}}
	cp := orig.DeepCopy()
	cp.PreStart[0].Env[0] = "K=2"
	require.Equal(t, "K=1", orig.PreStart[0].Env[0])
}
