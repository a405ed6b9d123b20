package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// RunHooks executes every hook declared for phase, in declaration order.
// Blocking hooks run to completion bounded by their timeout; async hooks
// are started and left to finish on their own. A blocking hook failure is
// handled per its FailureMode: "retry" gets one more attempt, "ignore"
// never surfaces, "fail" aborts the sequence.
func (s *Spec) RunHooks(phase LifecyclePhase) error {
	for _, h := range s.Hooks.GetHooksForPhase(phase) {
		hook := h
		hook.GetDefaults()
		if hook.RunMode == RunModeAsync {
			go func() { _ = runHookOnce(hook, s.WorkDir) }()
			continue
		}
		err := runHookOnce(hook, s.WorkDir)
		if err != nil && hook.FailureMode == FailureModeRetry {
			err = runHookOnce(hook, s.WorkDir)
		}
		if err != nil && hook.FailureMode != FailureModeIgnore {
			return fmt.Errorf("%s hook %q: %w", phase, hook.Name, err)
		}
	}
	return nil
}

func runHookOnce(h Hook, defaultWorkDir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	// #nosec G204
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.Command)
	if h.WorkDir != "" {
		cmd.Dir = h.WorkDir
	} else if defaultWorkDir != "" {
		cmd.Dir = defaultWorkDir
	}
	if len(h.Env) > 0 {
		cmd.Env = append(os.Environ(), h.Env...)
	}
	return cmd.Run()
}
