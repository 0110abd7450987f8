// Package journal keeps a hash-chained, Ed25519-signed record of every phase
// the engine runs. Entries are queued by a Worker and sealed in order by a
// Processor; VerifyChain replays a run and reports the first broken link.
package journal

import (
	"context"

	"github.com/slyt3/strategist/internal/models"
)

// Repository is the storage the journal needs. store.DB implements it.
type Repository interface {
	// Writer
	StoreEntry(e *models.Entry) error
	InsertRun(id, strategist, genesisHash, pubKey string) error

	// Reader
	GetLastEntry(runID string) (uint64, string, error)
	GetAllEntries(runID string) ([]models.Entry, error)
	GetRecentEntries(runID string, limit int) ([]models.Entry, error)
	LastOutcome() (*models.Entry, error)

	// Meta
	HasRuns() (bool, error)
	GetLatestRunID() (string, error)
	GetRunInfo(runID string) (*models.RunInfo, error)
	ListRuns() ([]models.RunInfo, error)
	GetRunStats(runID string) (*models.RunStats, error)

	Close() error
}

// Reader is the subset VerifyChain needs.
type Reader interface {
	GetAllEntries(runID string) ([]models.Entry, error)
	GetRunInfo(runID string) (*models.RunInfo, error)
}

// Anchorer reports a recent external chain head. The journal records it so a
// run can be placed in time by a third party.
type Anchorer interface {
	Anchor(ctx context.Context) (height uint64, hash string, err error)
}

// AnchorFunc adapts a function to Anchorer.
type AnchorFunc func(ctx context.Context) (uint64, string, error)

// Anchor implements Anchorer.
func (f AnchorFunc) Anchor(ctx context.Context) (uint64, string, error) { return f(ctx) }
