package journal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slyt3/strategist/internal/assert"
	"github.com/slyt3/strategist/internal/crypto"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/models"
)

// Processor links entries to the head of one run and persists them.
// It is not safe for concurrent use; the Worker owns the only instance.
type Processor struct {
	repo   Repository
	signer *crypto.Signer
	runID  string
}

// NewProcessor returns a Processor appending to runID.
func NewProcessor(repo Repository, signer *crypto.Signer, runID string) *Processor {
	return &Processor{repo: repo, signer: signer, runID: runID}
}

// Process seals e and stores it.
func (p *Processor) Process(e *models.Entry) error {
	if err := p.Seal(e); err != nil {
		return err
	}
	if err := p.repo.StoreEntry(e); err != nil {
		return fmt.Errorf("storing entry %s: %w", e.ID, err)
	}
	logging.Debug("journal_entry_stored", logging.Fields{
		Component: "journal",
		RunID:     e.RunID,
		EntryID:   e.ID,
		Phase:     e.Phase,
		Status:    e.Status,
		Detail:    e.Kind,
	})
	return nil
}

// Seal assigns run id, sequence index and previous hash from the stored
// head, then hashes and signs e.
func (p *Processor) Seal(e *models.Entry) error {
	if err := assert.NotNil(e, "entry"); err != nil {
		return err
	}
	if err := assert.Check(p.repo != nil && p.signer != nil, "processor not initialized"); err != nil {
		return err
	}
	if err := assert.Check(p.runID != "", "runID must not be empty"); err != nil {
		return err
	}

	lastSeq, lastHash, err := p.repo.GetLastEntry(p.runID)
	if err != nil {
		return fmt.Errorf("reading chain head: %w", err)
	}
	e.RunID = p.runID
	if lastHash == "" {
		e.SeqIndex = 0
		e.PrevHash = crypto.ZeroHash
	} else {
		e.SeqIndex = lastSeq + 1
		e.PrevHash = lastHash
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	hash, err := crypto.ChainHash(e.PrevHash, e.Payload())
	if err != nil {
		return fmt.Errorf("hashing entry %s: %w", e.ID, err)
	}
	e.CurrentHash = hash
	e.Signature = p.signer.SignHash(hash)
	return nil
}
