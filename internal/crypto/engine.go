package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ucarion/jcs"

	"github.com/slyt3/strategist/internal/assert"
)

// ZeroHash is the previous-hash value of the first entry in a journal run.
var ZeroHash = strings.Repeat("0", 64)

// Canonicalize returns the RFC 8785 (JCS) form of v. The value is first
// round-tripped through encoding/json so struct tags and key order do not
// influence the result.
func Canonicalize(v interface{}) ([]byte, error) {
	if err := assert.Check(v != nil, "payload must not be nil"); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("normalizing payload: %w", err)
	}
	canonical, err := jcs.Format(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing payload: %w", err)
	}
	return []byte(canonical), nil
}

// Digest returns SHA-256 over the canonical form of v.
func Digest(v interface{}) ([32]byte, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canonical), nil
}

// ChainHash links payload to prevHash: hex(SHA-256(prevHash || JCS(payload))).
func ChainHash(prevHash string, payload interface{}) (string, error) {
	if err := assert.Check(len(prevHash) == 64, "prev_hash must be 64 hex chars, got %d", len(prevHash)); err != nil {
		return "", err
	}
	if _, err := hex.DecodeString(prevHash); err != nil {
		return "", fmt.Errorf("invalid prev_hash: %w", err)
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	hasher.Write([]byte(prevHash))
	hasher.Write(canonical)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
