package proof

import (
	"context"
	"errors"
)

// Verified is the only evidence a proof-gated submission accepts. It can be
// obtained only from Attest.
type Verified struct {
	circuit string
	proof   []byte
	inputs  []byte
	claim   Claim
}

// Circuit returns the circuit the proof was verified against.
func (v *Verified) Circuit() string { return v.circuit }

// Proof returns a copy of the decoded proof bytes.
func (v *Verified) Proof() []byte { return append([]byte(nil), v.proof...) }

// Inputs returns a copy of the decoded public inputs.
func (v *Verified) Inputs() []byte { return append([]byte(nil), v.inputs...) }

// Claim returns the claim the proof attests to.
func (v *Verified) Claim() Claim { return v.claim }

// Attest decodes p and hands it to verifier. It returns a *DecodeError or
// *VerificationError (possibly wrapped) on failure and never a partial result.
func Attest(ctx context.Context, verifier Verifier, circuit string, p Proof, claim Claim) (*Verified, error) {
	if verifier == nil {
		return nil, &VerificationError{Circuit: circuit, Reason: "no verifier configured"}
	}
	proofBytes, inputBytes, err := Decode(p)
	if err != nil {
		return nil, err
	}
	if err := verifier.Verify(ctx, circuit, proofBytes, inputBytes, claim); err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, &VerificationError{Circuit: circuit, Reason: err.Error()}
	}
	return &Verified{circuit: circuit, proof: proofBytes, inputs: inputBytes, claim: claim}, nil
}
