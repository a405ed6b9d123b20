// Package persistence implements the declarative snapshot: Save serializes
// every non-deleted service's spec and restart_count to dump.json; Resurrect
// reads it back. It is a snapshot, not an event log — crashes between
// mutations may lose a few seconds of restart_count but never corrupt the
// registry, since Save always overwrites the whole file atomically.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/bun-bm2/bm2/internal/process"
)

// Record is one service's persisted state.
type Record struct {
	Name         string      `json:"name"`
	Spec         process.Spec `json:"spec"`
	RestartCount int         `json:"restart_count"`
}

// Save atomically overwrites path with records. The write goes to a temp
// file first and is renamed into place so a crash mid-write never leaves a
// half-written dump.
func Save(path string, records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads path. A missing file is not an error; it returns a nil slice.
func Load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}
