package journal

import (
	"errors"
	"fmt"

	"github.com/slyt3/strategist/internal/assert"
	"github.com/slyt3/strategist/internal/crypto"
	"github.com/slyt3/strategist/internal/models"
)

var (
	ErrNoEntries        = errors.New("no entries found for run")
	ErrChainTampered    = errors.New("hash chain broken: prev_hash mismatch")
	ErrSequenceGap      = errors.New("sequence gap")
	ErrHashMismatch     = errors.New("hash mismatch")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrBadGenesis       = errors.New("first entry is not a genesis entry")
)

// VerificationResult is the outcome of replaying one run.
type VerificationResult struct {
	RunID        string
	Valid        bool
	TotalEntries int
	ErrorMessage string
	FailedAtSeq  uint64
}

// VerifyChain recomputes every hash of runID, checks the links and the
// signatures. pubKeyHex overrides the key recorded for the run; leave it
// empty to trust the run row. A broken chain is reported in the result, not
// as an error.
func VerifyChain(r Reader, runID, pubKeyHex string) (*VerificationResult, error) {
	if err := assert.Check(r != nil, "journal reader missing"); err != nil {
		return nil, err
	}
	if err := assert.Check(runID != "", "runID must not be empty"); err != nil {
		return nil, err
	}

	if pubKeyHex == "" {
		info, err := r.GetRunInfo(runID)
		if err != nil {
			return nil, fmt.Errorf("loading run: %w", err)
		}
		pubKeyHex = info.PublicKey
	}
	if _, err := crypto.ParsePublicKey(pubKeyHex); err != nil {
		return nil, err
	}

	entries, err := r.GetAllEntries(runID)
	if err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}

	result := &VerificationResult{RunID: runID, Valid: true, TotalEntries: len(entries)}
	fail := func(seq uint64, err error) (*VerificationResult, error) {
		result.Valid = false
		result.FailedAtSeq = seq
		result.ErrorMessage = err.Error()
		return result, nil
	}

	if len(entries) == 0 {
		return fail(0, ErrNoEntries)
	}
	if entries[0].Kind != models.KindGenesis || entries[0].PrevHash != crypto.ZeroHash {
		return fail(entries[0].SeqIndex, ErrBadGenesis)
	}

	for i := range entries {
		e := &entries[i]
		if e.SeqIndex != uint64(i) {
			return fail(e.SeqIndex, fmt.Errorf("%w: expected seq %d", ErrSequenceGap, i))
		}
		if i > 0 && e.PrevHash != entries[i-1].CurrentHash {
			return fail(e.SeqIndex, ErrChainTampered)
		}
		if err := VerifyEntry(e, pubKeyHex); err != nil {
			return fail(e.SeqIndex, fmt.Errorf("entry %s (seq %d): %w", e.ID, e.SeqIndex, err))
		}
	}
	return result, nil
}

// VerifyEntry checks one entry's hash and signature.
func VerifyEntry(e *models.Entry, pubKeyHex string) error {
	if err := assert.Check(e.CurrentHash != "" && e.Signature != "", "entry %s is not sealed", e.ID); err != nil {
		return err
	}
	hash, err := crypto.ChainHash(e.PrevHash, e.Payload())
	if err != nil {
		return fmt.Errorf("recomputing hash: %w", err)
	}
	if hash != e.CurrentHash {
		return ErrHashMismatch
	}
	if !crypto.VerifyHex(pubKeyHex, []byte(hash), e.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
