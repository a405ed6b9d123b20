package process

import (
	"io"
	"os"
	"os/exec"
)

// ConfigurePipedCmd builds the *exec.Cmd the same way ConfigureCmd does
// (workdir, env, process-group attributes) but connects stdout/stderr to
// pipes instead of the spec's own log writers, so an external line-oriented
// sink (rather than lumberjack) owns the bytes. Used by the registry, whose
// LogSink does its own buffering, timestamp decoration, and rotation.
func (r *Process) ConfigurePipedCmd(mergedEnv []string) (cmd *exec.Cmd, stdout, stderr io.ReadCloser, err error) {
	r.mu.Lock()
	spec := r.spec
	r.mu.Unlock()

	cmd = spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd, spec)
	cmd.Stdin = nil

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, nil, nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	r.trackWriters(outW, errW)
	return cmd, outR, errR, nil
}
