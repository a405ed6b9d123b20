package process

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// PIDMeta is the identity line WritePIDFile appends so a pid file can
// outlive PID reuse: equal start times mean the same process.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// ReadPIDFileWithMeta parses a pid file written by Process.WritePIDFile:
// a decimal pid line, then optional spec-JSON and meta-JSON lines. Spec
// and meta come back nil when absent or unparsable; a legacy pid-only
// file is valid.
func ReadPIDFileWithMeta(path string) (int, *Spec, *PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, nil, err
	}

	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, nil, err
	}

	specLine, metaLine, _ := strings.Cut(strings.TrimSpace(rest), "\n")
	var specPtr *Spec
	if s := strings.TrimSpace(specLine); s != "" {
		var spec Spec
		if json.Unmarshal([]byte(s), &spec) == nil {
			specPtr = &spec
		}
	}
	var metaPtr *PIDMeta
	if m := strings.TrimSpace(metaLine); m != "" {
		var meta PIDMeta
		if json.Unmarshal([]byte(m), &meta) == nil {
			metaPtr = &meta
		}
	}
	return pid, specPtr, metaPtr, nil
}
