package process

import (
	"fmt"
	"strings"
	"time"
)

// LifecyclePhase names the four points around a child's life where hooks
// run.
type LifecyclePhase string

const (
	PhasePreStart  LifecyclePhase = "pre_start"
	PhasePostStart LifecyclePhase = "post_start"
	PhasePreStop   LifecyclePhase = "pre_stop"
	PhasePostStop  LifecyclePhase = "post_stop"
)

func (p LifecyclePhase) String() string { return string(p) }

// FailureMode decides what a failing blocking hook does to the operation
// it surrounds.
type FailureMode string

const (
	FailureModeIgnore FailureMode = "ignore" // discard the error and continue
	FailureModeFail   FailureMode = "fail"   // abort the operation
	FailureModeRetry  FailureMode = "retry"  // one more attempt, then fail
)

// RunMode decides whether the supervisor waits for the hook.
type RunMode string

const (
	RunModeBlocking RunMode = "blocking"
	RunModeAsync    RunMode = "async"
)

// Hook is one shell command run at a lifecycle phase.
type Hook struct {
	Name        string        `json:"name" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"` // defaults to the service's workdir
	Env         []string      `json:"env" mapstructure:"env"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"` // default 30s
	FailureMode FailureMode   `json:"failure_mode" mapstructure:"failure_mode"`
	RunMode     RunMode       `json:"run_mode" mapstructure:"run_mode"`
}

// GetDefaults fills the zero fields: fail on error, blocking, 30s timeout.
func (h *Hook) GetDefaults() {
	if h.FailureMode == "" {
		h.FailureMode = FailureModeFail
	}
	if h.RunMode == "" {
		h.RunMode = RunModeBlocking
	}
	if h.Timeout == 0 {
		h.Timeout = 30 * time.Second
	}
}

// Validate rejects a hook the runner could not execute sensibly.
func (h *Hook) Validate() error {
	name := strings.TrimSpace(h.Name)
	if name == "" {
		return fmt.Errorf("hook name is required")
	}
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %q requires command", name)
	}
	switch h.FailureMode {
	case "", FailureModeIgnore, FailureModeFail, FailureModeRetry:
	default:
		return fmt.Errorf("hook %q: unknown failure_mode %q", name, h.FailureMode)
	}
	switch h.RunMode {
	case "", RunModeBlocking, RunModeAsync:
	default:
		return fmt.Errorf("hook %q: unknown run_mode %q", name, h.RunMode)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("hook %q: negative timeout", name)
	}
	for i, kv := range h.Env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("hook %q: env[%d] %q is not KEY=VALUE", name, i, kv)
		}
		if strings.HasPrefix(key, "BM2_") {
			return fmt.Errorf("hook %q: env[%d] key %q is reserved", name, i, key)
		}
	}
	return nil
}

// DeepCopy returns a hook sharing no slices with h.
func (h *Hook) DeepCopy() Hook {
	cp := *h
	cp.Env = append([]string(nil), h.Env...)
	return cp
}

// LifecycleHooks groups a service's hooks by phase.
type LifecycleHooks struct {
	PreStart  []Hook `json:"pre_start" mapstructure:"pre_start"`
	PostStart []Hook `json:"post_start" mapstructure:"post_start"`
	PreStop   []Hook `json:"pre_stop" mapstructure:"pre_stop"`
	PostStop  []Hook `json:"post_stop" mapstructure:"post_stop"`
}

// GetHooksForPhase returns the hooks declared for phase, in order.
func (lh *LifecycleHooks) GetHooksForPhase(phase LifecyclePhase) []Hook {
	switch phase {
	case PhasePreStart:
		return lh.PreStart
	case PhasePostStart:
		return lh.PostStart
	case PhasePreStop:
		return lh.PreStop
	case PhasePostStop:
		return lh.PostStop
	}
	return nil
}

// HasAnyHooks reports whether any phase declares at least one hook.
func (lh *LifecycleHooks) HasAnyHooks() bool {
	return len(lh.PreStart)+len(lh.PostStart)+len(lh.PreStop)+len(lh.PostStop) > 0
}

// Validate checks every hook and rejects duplicate names across phases,
// since names identify hooks in logs.
func (lh *LifecycleHooks) Validate() error {
	seen := make(map[string]LifecyclePhase)
	for _, phase := range []LifecyclePhase{PhasePreStart, PhasePostStart, PhasePreStop, PhasePostStop} {
		for i := range lh.GetHooksForPhase(phase) {
			h := lh.GetHooksForPhase(phase)[i]
			if err := h.Validate(); err != nil {
				return fmt.Errorf("%s: %w", phase, err)
			}
			if prev, dup := seen[h.Name]; dup {
				return fmt.Errorf("duplicate hook name %q in %s and %s", h.Name, prev, phase)
			}
			seen[h.Name] = phase
		}
	}
	return nil
}

// DeepCopy returns hooks sharing no slices with lh. A nil receiver yields
// the zero value.
func (lh *LifecycleHooks) DeepCopy() LifecycleHooks {
	if lh == nil {
		return LifecycleHooks{}
	}
	cp := LifecycleHooks{}
	for _, h := range lh.PreStart {
		cp.PreStart = append(cp.PreStart, h.DeepCopy())
	}
	for _, h := range lh.PostStart {
		cp.PostStart = append(cp.PostStart, h.DeepCopy())
	}
	for _, h := range lh.PreStop {
		cp.PreStop = append(cp.PreStop, h.DeepCopy())
	}
	for _, h := range lh.PostStop {
		cp.PostStop = append(cp.PostStop, h.DeepCopy())
	}
	return cp
}
