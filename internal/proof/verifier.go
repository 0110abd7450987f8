package proof

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/slyt3/strategist/internal/crypto"
)

// Claim is the cross-domain state transition a proof must attest to.
type Claim struct {
	Circuit string `json:"circuit"`
	Domain  string `json:"domain"`
	Vault   string `json:"vault"`
	Nonce   uint64 `json:"nonce"`
	Assets  string `json:"assets"`
}

// Digest is SHA-256 over the canonical JSON of the claim.
func (c Claim) Digest() ([32]byte, error) {
	return crypto.Digest(c)
}

// VerificationError means the proof decoded but does not attest to the claim.
type VerificationError struct {
	Circuit string
	Reason  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("proof for circuit %q rejected: %s", e.Circuit, e.Reason)
}

// Verifier checks that decoded proof bytes attest to claim.
type Verifier interface {
	Verify(ctx context.Context, circuit string, proof, inputs []byte, claim Claim) error
}

// DigestVerifier accepts a proof whose public inputs commit to the claim
// digest. It checks binding only, not soundness, and is meant for devnets.
type DigestVerifier struct{}

// Verify implements Verifier.
func (DigestVerifier) Verify(_ context.Context, circuit string, proof, inputs []byte, claim Claim) error {
	if len(proof) == 0 {
		return &VerificationError{Circuit: circuit, Reason: "empty proof"}
	}
	return checkCommitment(circuit, inputs, claim)
}

// Ed25519Verifier accepts proofs that are Ed25519 signatures by the
// coprocessor attestation key over circuit || inputs, where the inputs commit
// to the claim digest.
type Ed25519Verifier struct {
	key ed25519.PublicKey
}

// NewEd25519Verifier parses a hex attestation key.
func NewEd25519Verifier(pubHex string) (*Ed25519Verifier, error) {
	key, err := crypto.ParsePublicKey(pubHex)
	if err != nil {
		return nil, err
	}
	return &Ed25519Verifier{key: key}, nil
}

// Verify implements Verifier.
func (v *Ed25519Verifier) Verify(_ context.Context, circuit string, proof, inputs []byte, claim Claim) error {
	if len(proof) != ed25519.SignatureSize {
		return &VerificationError{Circuit: circuit, Reason: fmt.Sprintf("proof is %d bytes, want %d", len(proof), ed25519.SignatureSize)}
	}
	if !ed25519.Verify(v.key, AttestationMessage(circuit, inputs), proof) {
		return &VerificationError{Circuit: circuit, Reason: "attestation signature invalid"}
	}
	return checkCommitment(circuit, inputs, claim)
}

// AttestationMessage is the byte string a coprocessor signs.
func AttestationMessage(circuit string, inputs []byte) []byte {
	msg := make([]byte, 0, len(circuit)+len(inputs))
	msg = append(msg, circuit...)
	return append(msg, inputs...)
}

func checkCommitment(circuit string, inputs []byte, claim Claim) error {
	if claim.Circuit != circuit {
		return &VerificationError{Circuit: circuit, Reason: fmt.Sprintf("claim is for circuit %q", claim.Circuit)}
	}
	digest, err := claim.Digest()
	if err != nil {
		return &VerificationError{Circuit: circuit, Reason: "claim digest: " + err.Error()}
	}
	if len(inputs) < len(digest) || !bytes.Equal(inputs[:len(digest)], digest[:]) {
		return &VerificationError{Circuit: circuit, Reason: "public inputs do not commit to claim"}
	}
	return nil
}
