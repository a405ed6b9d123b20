//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr decides how the child relates to the daemon: the
// default Setpgid puts it in its own process group so stop escalation can
// signal the group as one unit; Detached uses a fresh session instead,
// cutting the controlling-terminal tie entirely.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	attrs := &syscall.SysProcAttr{}
	if spec.Detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
