package models

// RunInfo describes one journal run (one process lifetime).
type RunInfo struct {
	ID          string `json:"id"`
	StartedAt   string `json:"started_at"`
	Strategist  string `json:"strategist"`
	GenesisHash string `json:"genesis_hash"`
	PublicKey   string `json:"public_key"`
}

// RunStats summarizes a run's entries.
type RunStats struct {
	RunID          string         `json:"run_id"`
	TotalEntries   uint64         `json:"total_entries"`
	Cycles         uint64         `json:"cycles"`
	StatusCounts   map[string]int `json:"status_counts"`
	PhaseFailures  map[string]int `json:"phase_failures"`
	LastSettlement string         `json:"last_settlement_tx,omitempty"`
}
