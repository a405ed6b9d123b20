package registry

import "encoding/json"

// Monit is the wire protocol's per-entry resource snapshot.
type Monit struct {
	Memory  uint64  `json:"memory"`
	CPU     float64 `json:"cpu"`
	Handles int     `json:"handles,omitempty"`
}

// ProcessState is the bit-compatible wire representation of a ServiceEntry.
// Field names (pm_id, pm_uptime, bm2_env, restart_time) are part of the
// contract, not an implementation choice — see SPEC_FULL.md §9.
type ProcessState struct {
	ID        int            `json:"id"`
	Name      string         `json:"name"`
	Namespace string         `json:"namespace,omitempty"`
	Status    string         `json:"status"`
	PID       int            `json:"pid,omitempty"`
	PMID      int            `json:"pm_id"`
	Monit     Monit          `json:"monit"`
	BM2Env    map[string]any `json:"bm2_env"`
}

// ToProcessState converts one ServiceEntry into its wire form. bm2_env
// carries the entire spec plus the status/uptime/restart bookkeeping
// fields the contract adds on top of it.
func ToProcessState(e ServiceEntry) (ProcessState, error) {
	raw, err := json.Marshal(e.Spec)
	if err != nil {
		return ProcessState{}, err
	}
	env := make(map[string]any)
	if err := json.Unmarshal(raw, &env); err != nil {
		return ProcessState{}, err
	}
	env["status"] = string(e.State)
	env["pm_uptime"] = e.StartedAt
	env["restart_time"] = e.RestartCount
	env["unstable_restarts"] = e.UnstableRestarts
	env["created_at"] = e.CreatedAt
	env["pm_id"] = e.ID

	return ProcessState{
		ID:        e.ID,
		Name:      e.Name,
		Namespace: e.Namespace,
		Status:    string(e.State),
		PID:       e.PID,
		PMID:      e.ID,
		Monit: Monit{
			Memory:  e.Sample.RSSBytes,
			CPU:     e.Sample.CPUPercent,
			Handles: e.Sample.FDCount,
		},
		BM2Env: env,
	}, nil
}

// ToProcessStates converts a slice of ServiceEntry in order, failing on the
// first marshal error.
func ToProcessStates(entries []ServiceEntry) ([]ProcessState, error) {
	out := make([]ProcessState, 0, len(entries))
	for _, e := range entries {
		ps, err := ToProcessState(e)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, nil
}
