package models

import "time"

// Journal entry kinds.
const (
	KindGenesis      = "genesis"
	KindPhaseStarted = "phase_started"
	KindPhaseOutcome = "phase_outcome"
	KindCursorSaved  = "cursor_saved"
	KindAnchor       = "anchor"
	KindEngineStop   = "engine_stopped"
	KindKeyRotated   = "key_rotated"
)

// Entry is one record in the signed phase journal.
type Entry struct {
	ID          string                 `json:"id"`
	RunID       string                 `json:"run_id"`
	SeqIndex    uint64                 `json:"seq_index"`
	Timestamp   time.Time              `json:"timestamp"`
	Kind        string                 `json:"kind"`
	CycleID     string                 `json:"cycle_id,omitempty"`
	Phase       string                 `json:"phase,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Detail      string                 `json:"detail,omitempty"`
	TxHash      string                 `json:"tx_hash,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	PrevHash    string                 `json:"prev_hash"`
	CurrentHash string                 `json:"current_hash"`
	Signature   string                 `json:"signature"`
}

// Payload is the hashed view of an entry. The chain fields (prev, current,
// signature) are excluded; prev is mixed in by the hash itself.
func (e *Entry) Payload() map[string]interface{} {
	params := e.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":        e.ID,
		"run_id":    e.RunID,
		"seq_index": e.SeqIndex,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"kind":      e.Kind,
		"cycle_id":  e.CycleID,
		"phase":     e.Phase,
		"status":    e.Status,
		"detail":    e.Detail,
		"tx_hash":   e.TxHash,
		"params":    params,
	}
}
