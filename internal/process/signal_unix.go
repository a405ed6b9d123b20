//go:build !windows

package process

import "syscall"

// killProcess delivers sig to pid; a negative pid addresses the whole
// process group, the usual target for supervised children started with
// Setpgid.
func killProcess(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// processExists reports whether a process with pid is running.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
