//go:build windows

package detector

import (
	"fmt"
	"os"
	"syscall"
)

// pidAlive reports whether pid exists on Windows: being able to open the
// process handle is the existence check.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)
	return true
}

// PIDFileDetector checks the pid recorded in a file, guarding against PID
// reuse via the start-time meta line when present. Mirrors the Unix
// variant; only pidAlive and processStartUnix differ per platform.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	rec, err := parsePIDRecord(data)
	if err != nil {
		return false, fmt.Errorf("%s: %w", d.PIDFile, err)
	}
	if rec.startUnix > 0 {
		if cur := processStartUnix(rec.pid); cur > 0 && cur != rec.startUnix {
			return false, nil // pid was recycled since the file was written
		}
	}
	return pidAlive(rec.pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
