package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slyt3/strategist/internal/assert"
	"github.com/slyt3/strategist/internal/models"
)

const maxRunRows = 1 << 16

// InsertRun records the start of a run.
func (db *DB) InsertRun(id, strategist, genesisHash, pubKey string) error {
	if err := assert.Check(id != "" && genesisHash != "" && pubKey != "", "run fields must be set"); err != nil {
		return err
	}
	_, err := db.conn.Exec(`INSERT INTO runs (id, started_at, strategist, genesis_hash, public_key)
		VALUES (?, ?, ?, ?, ?)`, id, time.Now().UTC().Format(time.RFC3339Nano), strategist, genesisHash, pubKey)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// HasRuns reports whether the journal holds any run.
func (db *DB) HasRuns() (bool, error) {
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return false, fmt.Errorf("counting runs: %w", err)
	}
	return n > 0, nil
}

// GetLatestRunID returns the newest run id, or "" for an empty journal.
func (db *DB) GetLatestRunID() (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT id FROM runs ORDER BY rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest run: %w", err)
	}
	return id, nil
}

// GetRunInfo returns the run row.
func (db *DB) GetRunInfo(runID string) (*models.RunInfo, error) {
	if err := assert.Check(runID != "", "runID must not be empty"); err != nil {
		return nil, err
	}
	info := &models.RunInfo{ID: runID}
	err := db.conn.QueryRow(`SELECT started_at, strategist, genesis_hash, public_key FROM runs WHERE id = ?`, runID).
		Scan(&info.StartedAt, &info.Strategist, &info.GenesisHash, &info.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return info, nil
}

// ListRuns returns every run, oldest first.
func (db *DB) ListRuns() (runs []models.RunInfo, err error) {
	rows, err := db.conn.Query(`SELECT id, started_at, strategist, genesis_hash, public_key FROM runs ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing run rows: %w", closeErr)
		}
	}()
	for i := 0; i < maxRunRows && rows.Next(); i++ {
		var r models.RunInfo
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Strategist, &r.GenesisHash, &r.PublicKey); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunStats summarizes a run.
func (db *DB) GetRunStats(runID string) (stats *models.RunStats, err error) {
	if err := assert.Check(runID != "", "runID must not be empty"); err != nil {
		return nil, err
	}
	stats = &models.RunStats{
		RunID:         runID,
		StatusCounts:  make(map[string]int),
		PhaseFailures: make(map[string]int),
	}

	err = db.conn.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT NULLIF(cycle_id, '')) FROM entries WHERE run_id = ?`, runID).
		Scan(&stats.TotalEntries, &stats.Cycles)
	if err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}

	rows, err := db.conn.Query(`SELECT phase, status, COUNT(*) FROM entries
		WHERE run_id = ? AND kind = ? GROUP BY phase, status`, runID, models.KindPhaseOutcome)
	if err != nil {
		return nil, fmt.Errorf("grouping outcomes: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing outcome rows: %w", closeErr)
		}
	}()
	const maxGroups = 256
	for i := 0; i < maxGroups && rows.Next(); i++ {
		var phase, status string
		var n int
		if err := rows.Scan(&phase, &status, &n); err != nil {
			return nil, fmt.Errorf("scanning outcome group: %w", err)
		}
		stats.StatusCounts[status] += n
		if status == "failed" || status == "aborted" {
			stats.PhaseFailures[phase] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = db.conn.QueryRow(`SELECT tx_hash FROM entries
		WHERE run_id = ? AND kind = ? AND phase = 'settlement' AND status = 'done' AND tx_hash != ''
		ORDER BY seq_index DESC LIMIT 1`, runID, models.KindPhaseOutcome).Scan(&stats.LastSettlement)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying last settlement: %w", err)
	}
	return stats, nil
}
