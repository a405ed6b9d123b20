//go:build windows

package process

import (
	"os"
	"syscall"
)

// killProcess approximates Unix signal delivery on Windows: every
// termination signal becomes TerminateProcess, and signal 0 is an
// existence probe. A negative (process-group) pid falls back to the direct
// child, since Windows has no signalable process groups.
func killProcess(pid int, sig syscall.Signal) error {
	if pid < 0 {
		pid = -pid
	}
	if pid <= 0 {
		return nil
	}
	if sig == 0 {
		if processExists(pid) {
			return nil
		}
		return os.ErrProcessDone
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		// Cannot open: treat as already gone.
		return nil
	}
	return p.Kill()
}

// processExists reports whether a process with pid is running: being able
// to open its handle is the existence check.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
