package process

import (
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/bun-bm2/bm2/internal/detector"
	"github.com/bun-bm2/bm2/internal/logger"
)

// DetectorConfig represents a detector configuration that can be parsed from config files
type DetectorConfig struct {
	Type    string `json:"type" mapstructure:"type"`
	Path    string `json:"path" mapstructure:"path"`
	Command string `json:"command" mapstructure:"command"`
}

// ExecMode selects how instances of a service are spawned.
type ExecMode string

const (
	ExecModeFork    ExecMode = "fork"
	ExecModeCluster ExecMode = "cluster"
)

// HealthCheck describes an HTTP liveness probe for a service.
type HealthCheck struct {
	URL      string        `json:"url" mapstructure:"url"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxFails int           `json:"max_fails" mapstructure:"max_fails"`
}

// LogRotationPolicy describes LogSink's rotation contract for one service.
type LogRotationPolicy struct {
	MaxBytes int64 `json:"max_bytes" mapstructure:"max_bytes"`
	Retain   int   `json:"retain" mapstructure:"retain"`
	Compress bool  `json:"compress" mapstructure:"compress"`
}

// Spec is one service's immutable declarative config: what to run, how to
// restart it, and which ancillary timers (watch, cron, health) to arm. The
// registry replaces it wholesale on reconfiguration.
type Spec struct {
	Name            string              `json:"name"`
	Namespace       string              `json:"namespace" mapstructure:"namespace"`
	Command         string              `json:"command"`                                // command to start the process (shell)
	Interpreter     string              `json:"interpreter" mapstructure:"interpreter"` // explicit override of the extension-based default
	WorkDir         string              `json:"work_dir"`                               // optional working dir
	Env             []string            `json:"env"`                                    // optional extra env
	PIDFile         string              `json:"pid_file"`                               // optional pidfile path; if set a PIDFileDetector will be used
	AutoRestart     bool                `json:"auto_restart"`                           // restart automatically if the process dies unexpectedly
	Detached        bool                `json:"detached" mapstructure:"detached"`       // start in a new session instead of a signalable process group
	Instances       int                 `json:"instances"`                              // number of instances to run concurrently (default 1); -1 or "max" resolved by the registry
	ExecMode        ExecMode            `json:"exec_mode" mapstructure:"exec_mode"`
	BasePort        int                 `json:"base_port" mapstructure:"base_port"`
	Detectors       []detector.Detector `json:"-" mapstructure:"-"`
	DetectorConfigs []DetectorConfig    `json:"detectors" mapstructure:"detectors"` // for config parsing
	Log             logger.Config       `json:"log"`

	MaxRestarts  int           `json:"max_restarts" mapstructure:"max_restarts"`
	MinUptime    time.Duration `json:"min_uptime" mapstructure:"min_uptime"`
	RestartDelay time.Duration `json:"restart_delay" mapstructure:"restart_delay"`
	KillTimeout  time.Duration `json:"kill_timeout" mapstructure:"kill_timeout"`
	TreeKill     *bool         `json:"treekill" mapstructure:"treekill"` // nil defaults to true

	MemoryCapBytes int64 `json:"memory_cap" mapstructure:"memory_cap"`

	WatchPaths   []string `json:"watch_paths" mapstructure:"watch_paths"`
	WatchIgnore  []string `json:"watch_ignore" mapstructure:"watch_ignore"`
	Watch        bool     `json:"watch" mapstructure:"watch"`

	Cron string `json:"cron" mapstructure:"cron"`

	Health *HealthCheck `json:"health" mapstructure:"health"`

	LogRotation LogRotationPolicy `json:"log_rotation" mapstructure:"log_rotation"`

	WaitReady     bool          `json:"wait_ready" mapstructure:"wait_ready"`
	ListenTimeout time.Duration `json:"listen_timeout" mapstructure:"listen_timeout"`
	ReloadDelay   time.Duration `json:"reload_delay" mapstructure:"reload_delay"`

	Hooks LifecycleHooks `json:"hooks" mapstructure:"hooks"`
}

// TreeKillEnabled reports whether the tree-kill policy applies, defaulting to true.
func (s *Spec) TreeKillEnabled() bool {
	return s.TreeKill == nil || *s.TreeKill
}

// specDetectors lists the liveness detectors a spec implies: an implicit
// pid-file detector when PIDFile is set, then any explicitly configured ones.
func specDetectors(s Spec) []detector.Detector {
	dets := make([]detector.Detector, 0, len(s.Detectors)+1)
	if s.PIDFile != "" {
		dets = append(dets, detector.PIDFileDetector{PIDFile: s.PIDFile})
	}
	return append(dets, s.Detectors...)
}

// Validate checks the statically checkable parts of a spec: identity,
// command, health URL shape, and lifecycle hooks. Cron expressions are
// validated by the scheduler that owns their grammar.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("process requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %q requires command", s.Name)
	}
	if s.Instances < -1 {
		return fmt.Errorf("process %q: invalid instances %d", s.Name, s.Instances)
	}
	if s.Health != nil && s.Health.URL != "" {
		if _, err := url.ParseRequestURI(s.Health.URL); err != nil {
			return fmt.Errorf("process %q: health url: %w", s.Name, err)
		}
	}
	if s.MemoryCapBytes < 0 {
		return fmt.Errorf("process %q: negative memory cap", s.Name)
	}
	return s.Hooks.Validate()
}

// DeepCopy returns a copy sharing no mutable state with s.
func (s *Spec) DeepCopy() *Spec {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Env = append([]string(nil), s.Env...)
	cp.Detectors = append([]detector.Detector(nil), s.Detectors...)
	cp.DetectorConfigs = append([]DetectorConfig(nil), s.DetectorConfigs...)
	cp.WatchPaths = append([]string(nil), s.WatchPaths...)
	cp.WatchIgnore = append([]string(nil), s.WatchIgnore...)
	cp.Hooks = s.Hooks.DeepCopy()
	if s.Health != nil {
		h := *s.Health
		cp.Health = &h
	}
	if s.TreeKill != nil {
		b := *s.TreeKill
		cp.TreeKill = &b
	}
	return &cp
}

// scriptInterpreter maps a script extension to its default interpreter command.
// Per the child-environment contract, an explicit Interpreter field always wins.
func scriptInterpreter(path string) (string, bool) {
	switch {
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".tsx"),
		strings.HasSuffix(path, ".js"), strings.HasSuffix(path, ".jsx"),
		strings.HasSuffix(path, ".mjs"):
		return "bun", true
	case strings.HasSuffix(path, ".py"):
		return "python3", true
	default:
		return "bun", false
	}
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if interp, rest, ok := s.interpreterCommand(cmdStr); ok {
		// #nosec G204
		return exec.Command(interp, rest...)
	}
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	// Fallback: when metacharacters are present, hand the line to the shell.
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// ok: intentional execution, input is validated and safe
	// #nosec G204
	return exec.Command(name, args...)
}

// interpreterCommand applies the child-process interpreter defaulting rule: an
// explicit Interpreter always wins; otherwise a recognized script extension on
// the first word of Command selects a JavaScript runtime ("bun run") or
// Python 3. A first word without a recognized extension gets no interpreter
// and the command runs as given. Arguments after the script path are passed
// through, and the rule is skipped for shell-style commands.
func (s *Spec) interpreterCommand(cmdStr string) (string, []string, bool) {
	fields := strings.Fields(cmdStr)
	if len(fields) == 0 {
		return "", nil, false
	}
	scriptPath := fields[0]
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return "", nil, false
	}
	interp := strings.TrimSpace(s.Interpreter)
	if interp == "" {
		guessed, recognized := scriptInterpreter(scriptPath)
		if !recognized {
			return "", nil, false
		}
		interp = guessed
	}
	args := append([]string{scriptPath}, fields[1:]...)
	if interp == "bun" {
		return "bun", append([]string{"run"}, args...), true
	}
	return interp, args, true
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It keeps the substring after "-c " as written, except that one enclosing
// pair of matching quotes is stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// If after is wrapped in single or double quotes, strip one pair so that
			// we pass the actual script to the shell (the outer quotes would otherwise
			// inhibit parsing/redirection inside the script).
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
