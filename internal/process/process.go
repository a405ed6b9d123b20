package process

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// grace period after SIGKILL before Stop/Kill give up waiting for the reaper
const killGrace = 200 * time.Millisecond

// Process owns exactly one spawned OS child on behalf of the supervisor:
// it starts the command, reaps it in a background goroutine, publishes a
// single exit notification through Exited, and carries the SIGTERM-then-
// SIGKILL stop escalation. It never restarts itself; restart policy lives
// with its owner.
type Process struct {
	mu       sync.Mutex
	spec     Spec
	cmd      *exec.Cmd
	status   Status
	stopping bool
	exited   chan struct{} // closed by the reaper once cmd.Wait returns
	writers  []io.Closer   // log writers / pipe write-ends closed after reap
}

// New wraps spec. The zero child counts as already exited, so Exited()
// never blocks a caller that raced a failed start.
func New(spec Spec) *Process {
	done := make(chan struct{})
	close(done)
	return &Process{spec: spec, exited: done}
}

// UpdateSpec replaces the spec for the next start.
func (r *Process) UpdateSpec(s Spec) {
	r.mu.Lock()
	r.spec = s
	r.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStopRequested flags an intentional stop so observers can tell a
// requested termination from a crash.
func (r *Process) SetStopRequested(v bool) {
	r.mu.Lock()
	r.stopping = v
	r.mu.Unlock()
}

func (r *Process) StopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// trackWriters registers closers the reaper must close once the child is
// gone (lumberjack files, pipe write-ends).
func (r *Process) trackWriters(ws ...io.Closer) {
	r.mu.Lock()
	for _, w := range ws {
		if w != nil {
			r.writers = append(r.writers, w)
		}
	}
	r.mu.Unlock()
}

// CloseWriters closes and forgets every tracked writer. Safe to call more
// than once; the reaper calls it on exit.
func (r *Process) CloseWriters() {
	r.mu.Lock()
	ws := r.writers
	r.writers = nil
	r.mu.Unlock()
	for _, w := range ws {
		_ = w.Close()
	}
}

// ConfigureCmd builds the child's *exec.Cmd with the spec's lumberjack file
// logging attached. The supervisor path uses ConfigurePipedCmd instead so
// LogSink owns the bytes; this variant serves direct embedders and tests.
func (r *Process) ConfigureCmd(mergedEnv []string) *exec.Cmd {
	r.mu.Lock()
	spec := r.spec
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd, spec)

	if spec.Log.File.Dir != "" {
		_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
	}
	null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	cmd.Stdout, cmd.Stderr = null, null
	outW, errW, _ := spec.Log.ProcessWriters(spec.Name)
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	r.trackWriters(outW, errW)
	return cmd
}

// TryStart launches cmd, records the running status, writes the pid file,
// and hands the child to the background reaper. The reaper is the single
// waiter; everyone else observes the exit through Exited().
func (r *Process) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	exited := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.exited = exited
	r.stopping = false
	r.status = Status{
		Name:      r.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	r.mu.Unlock()
	r.WritePIDFile()
	go r.reap(cmd, exited)
	return nil
}

func (r *Process) reap(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	r.mu.Unlock()
	r.CloseWriters()
	r.RemovePIDFile()
	close(exited)
}

// Exited returns a channel closed once the current child has been reaped.
// Already closed when no child is running.
func (r *Process) Exited() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited
}

// ExitError is the error cmd.Wait returned for the last exit, nil for a
// clean exit or while still running.
func (r *Process) ExitError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.ExitErr
}

// Stop delivers SIGTERM to the child's process group and escalates to
// SIGKILL once wait elapses. Returns the exit error observed by the reaper.
// A wait of zero escalates immediately.
func (r *Process) Stop(wait time.Duration) error {
	r.mu.Lock()
	cmd := r.cmd
	exited := r.exited
	running := r.status.Running
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !running {
		return nil
	}
	r.SetStopRequested(true)
	pid := cmd.Process.Pid

	_ = killProcess(-pid, syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(wait):
		_ = killProcess(-pid, syscall.SIGKILL)
		select {
		case <-exited:
		case <-time.After(killGrace):
		}
	}
	return r.ExitError()
}

// Kill sends SIGKILL to the process group without a SIGTERM courtesy pass
// and waits up to killGrace for the reaper. It returns the signal delivery
// error; the resulting exit status stays available through ExitError.
func (r *Process) Kill() error {
	r.mu.Lock()
	cmd := r.cmd
	exited := r.exited
	running := r.status.Running
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !running {
		return nil
	}
	r.SetStopRequested(true)
	err := killProcess(-cmd.Process.Pid, syscall.SIGKILL)
	select {
	case <-exited:
	case <-time.After(killGrace):
	}
	return err
}

// DetectAlive probes child liveness: the reaped running flag plus a signal-0
// check first (zombie-aware on Linux), then any configured detectors. The
// second return names the source that answered.
func (r *Process) DetectAlive() (bool, string) {
	r.mu.Lock()
	cmd := r.cmd
	running := r.status.Running
	spec := r.spec
	r.mu.Unlock()

	if running && cmd != nil && cmd.Process != nil && pidLooksAlive(cmd.Process.Pid) {
		return true, "exec:pid"
	}
	for _, d := range specDetectors(spec) {
		if ok, _ := d.Alive(); ok {
			return true, d.Describe()
		}
	}
	return false, ""
}

func pidLooksAlive(pid int) bool {
	if runtime.GOOS == "linux" && zombieOnLinux(pid) {
		return false
	}
	return processExists(pid)
}

// zombieOnLinux reports whether /proc marks pid as a zombie: the kernel
// keeps answering signal 0 for it, so the plain existence check lies.
func zombieOnLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// WritePIDFile persists the child's pid plus the spec and start-time meta
// lines PIDFileDetector and ReadPIDFileWithMeta understand.
func (r *Process) WritePIDFile() {
	r.mu.Lock()
	pidFile := r.spec.PIDFile
	spec := r.spec
	pid := r.status.PID
	started := r.status.StartedAt
	r.mu.Unlock()

	if pidFile == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(pidFile), 0o750)

	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(pid))
	buf.WriteByte('\n')
	if b, err := json.Marshal(spec); err == nil {
		buf.Write(b)
		buf.WriteByte('\n')
	}
	startUnix := started.Unix()
	if started.IsZero() || startUnix <= 0 {
		startUnix = time.Now().Unix()
	}
	if b, err := json.Marshal(PIDMeta{StartUnix: startUnix}); err == nil {
		buf.Write(b)
		buf.WriteByte('\n')
	}
	_ = os.WriteFile(pidFile, buf.Bytes(), 0o600)
}

// RemovePIDFile deletes the pid file, best effort.
func (r *Process) RemovePIDFile() {
	r.mu.Lock()
	pidFile := r.spec.PIDFile
	r.mu.Unlock()
	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
}
