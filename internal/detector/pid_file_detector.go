//go:build !windows

package detector

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// pidAlive reports whether pid exists. EPERM still means "exists" — we may
// simply lack permission to signal it.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDFileDetector checks the pid recorded in a file, guarding against PID
// reuse: when the file carries a start-time meta line (the format
// Process.WritePIDFile emits), a live process whose start time disagrees
// is treated as a stranger wearing our number, not as our service.
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
