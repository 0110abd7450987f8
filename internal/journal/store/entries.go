package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slyt3/strategist/internal/assert"
	"github.com/slyt3/strategist/internal/models"
)

const maxEntryRows = 1 << 20

const entryColumns = `id, run_id, seq_index, timestamp, kind, cycle_id, phase, status, detail,
	tx_hash, params, prev_hash, current_hash, signature`

// StoreEntry persists a chained and signed entry.
func (db *DB) StoreEntry(e *models.Entry) error {
	if err := assert.NotNil(e, "entry"); err != nil {
		return err
	}
	if err := assert.Check(e.ID != "" && e.RunID != "", "entry id and run id must be set"); err != nil {
		return err
	}
	if err := assert.Check(e.CurrentHash != "" && e.Signature != "", "entry %s is not sealed", e.ID); err != nil {
		return err
	}
	params := e.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}

	res, err := db.conn.Exec(`INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.SeqIndex, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Kind,
		e.CycleID, e.Phase, e.Status, e.Detail, e.TxHash, string(paramsJSON),
		e.PrevHash, e.CurrentHash, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil || rows != 1 {
		return fmt.Errorf("inserting entry %s: rows affected = %d", e.ID, rows)
	}
	return nil
}

// GetLastEntry returns the head of a run's chain. An empty hash means the run
// has no entries yet.
func (db *DB) GetLastEntry(runID string) (uint64, string, error) {
	if err := assert.Check(runID != "", "runID must not be empty"); err != nil {
		return 0, "", err
	}
	var seq uint64
	var hash string
	err := db.conn.QueryRow(`SELECT seq_index, current_hash FROM entries
		WHERE run_id = ? ORDER BY seq_index DESC LIMIT 1`, runID).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("querying last entry: %w", err)
	}
	return seq, hash, nil
}

// GetAllEntries returns a run's entries in chain order.
func (db *DB) GetAllEntries(runID string) ([]models.Entry, error) {
	if err := assert.Check(runID != "", "runID must not be empty"); err != nil {
		return nil, err
	}
	return db.queryEntries(`SELECT `+entryColumns+` FROM entries
		WHERE run_id = ? ORDER BY seq_index ASC`, runID)
}

// GetRecentEntries returns up to limit entries of a run, newest first.
func (db *DB) GetRecentEntries(runID string, limit int) ([]models.Entry, error) {
	if err := assert.Check(runID != "", "runID must not be empty"); err != nil {
		return nil, err
	}
	if err := assert.Check(limit > 0, "limit must be positive"); err != nil {
		return nil, err
	}
	return db.queryEntries(`SELECT `+entryColumns+` FROM entries
		WHERE run_id = ? ORDER BY seq_index DESC LIMIT ?`, runID, limit)
}

// LastOutcome returns the newest phase outcome across all runs, or nil.
func (db *DB) LastOutcome() (*models.Entry, error) {
	entries, err := db.queryEntries(`SELECT `+entryColumns+` FROM entries
		WHERE kind = ? ORDER BY rowid DESC LIMIT 1`, models.KindPhaseOutcome)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (db *DB) queryEntries(query string, args ...interface{}) (entries []models.Entry, err error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing entry rows: %w", closeErr)
		}
	}()

	for i := 0; i < maxEntryRows && rows.Next(); i++ {
		var e models.Entry
		var ts, params string
		if err := rows.Scan(&e.ID, &e.RunID, &e.SeqIndex, &ts, &e.Kind, &e.CycleID, &e.Phase,
			&e.Status, &e.Detail, &e.TxHash, &params, &e.PrevHash, &e.CurrentHash, &e.Signature); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("entry %s timestamp: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			return nil, fmt.Errorf("entry %s params: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}
