// Package detector holds the pluggable liveness strategies the supervisor
// consults when the exec-owned PID alone cannot answer "is this service
// up": pid files left by forking daemons, bare PIDs adopted from outside,
// and operator-supplied check commands. Reload readiness probing and
// ChildProcess.DetectAlive both run these.
package detector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Detector answers whether a service is currently running. Implementations
// must be safe for concurrent use.
type Detector interface {
	// Alive reports whether the process is detected as running. An error
	// means the check itself could not be performed, not "dead".
	Alive() (bool, error)
	// Describe names the detection method for logs and status output.
	Describe() string
}

// PIDDetector checks a bare PID, e.g. one adopted from an external
// supervisor handoff.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// pidRecord is the parsed content of one pid file: the pid itself plus the
// start-time meta from the trailing JSON line, when present.
type pidRecord struct {
	pid       int
	startUnix int64
}

func parsePIDRecord(data []byte) (pidRecord, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return pidRecord{}, fmt.Errorf("invalid pid line: %w", err)
	}
	rec := pidRecord{pid: pid}

	// The meta line is normally third (after the spec JSON line), but a
	// two-line file whose second line parses as meta is accepted too.
	var meta struct {
		StartUnix int64 `json:"start_unix"`
	}
	for _, i := range []int{2, 1} {
		if i >= len(lines) {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &meta); err == nil && meta.StartUnix > 0 {
			rec.startUnix = meta.StartUnix
			break
		}
	}
	return rec, nil
}
