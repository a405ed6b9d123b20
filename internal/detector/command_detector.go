package detector

import (
	"errors"
	"os/exec"
	"strings"
)

// CommandDetector runs an operator-supplied check command; a zero exit
// status means the service is alive. Useful for daemons that expose no pid
// file but do expose a cheap CLI probe (`redis-cli ping`, `pg_isready`).
type CommandDetector struct{ Command string }

func (d CommandDetector) Alive() (bool, error) {
	cmdStr := strings.TrimSpace(d.Command)
	if cmdStr == "" {
		return false, errors.New("empty detector command")
	}
	cmd := checkCommand(cmdStr)
	cmd.Stdout = nil
	cmd.Stderr = nil
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil // ran, reported not alive
	}
	return false, err // could not run the check at all
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }

// checkCommand splits a plain check into argv directly and defers to the
// shell only when metacharacters demand it.
func checkCommand(cmdStr string) *exec.Cmd {
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}
