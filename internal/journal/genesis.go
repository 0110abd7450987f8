package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slyt3/strategist/internal/assert"
	"github.com/slyt3/strategist/internal/crypto"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/models"
	"github.com/slyt3/strategist/internal/pool"
)

// Version is written into every genesis entry.
const Version = "1.0.0"

const genesisAnchorTimeout = 10 * time.Second

// CreateGenesis starts a new run: a genesis entry carrying the signer's
// public key (and, if anchorer is set and reachable, the current chain head)
// followed by the run row. It returns the new run id.
func CreateGenesis(ctx context.Context, repo Repository, signer *crypto.Signer, strategist string, anchorer Anchorer) (string, error) {
	if err := assert.Check(repo != nil && signer != nil, "genesis needs a repository and a signer"); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	e := pool.GetEntry()
	defer pool.PutEntry(e)

	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()
	e.Kind = models.KindGenesis
	e.Params["public_key"] = signer.PublicKey()
	e.Params["strategist"] = strategist
	e.Params["version"] = Version

	if anchorer != nil {
		actx, cancel := context.WithTimeout(ctx, genesisAnchorTimeout)
		height, hash, err := anchorer.Anchor(actx)
		cancel()
		if err != nil {
			logging.Warn("genesis_anchor_failed", logging.Fields{Component: "journal", RunID: runID, Error: err.Error()})
		} else {
			e.Params["anchor_height"] = height
			e.Params["anchor_hash"] = hash
		}
	}

	proc := NewProcessor(repo, signer, runID)
	if err := proc.Seal(e); err != nil {
		return "", fmt.Errorf("sealing genesis: %w", err)
	}
	if err := repo.InsertRun(runID, strategist, e.CurrentHash, signer.PublicKey()); err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	if err := repo.StoreEntry(e); err != nil {
		return "", fmt.Errorf("storing genesis: %w", err)
	}
	return runID, nil
}
