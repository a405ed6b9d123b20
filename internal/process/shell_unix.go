//go:build !windows

package process

import "os/exec"

// getShellCommand wraps script for the system shell. The absolute path
// keeps spawning independent of whatever PATH the child env carries.
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

// getTrueCommand is the spawn for an empty command string: succeed, do
// nothing.
func getTrueCommand() *exec.Cmd {
	return exec.Command("/bin/true")
}
