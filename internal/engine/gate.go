package engine

import (
	"context"
	"fmt"

	"github.com/slyt3/strategist/internal/domain"
	"github.com/slyt3/strategist/internal/proof"
)

// submitter is the only way a phase body reaches Client.Submit. Phases
// marked ProofGated get a gated submitter.
type submitter interface {
	submit(ctx context.Context, c domain.Client, a domain.Action, v *proof.Verified) (domain.Receipt, error)
}

type direct struct{}

func (direct) submit(ctx context.Context, c domain.Client, a domain.Action, _ *proof.Verified) (domain.Receipt, error) {
	return c.Submit(ctx, a)
}

// gated refuses to submit without a proof verified for its circuit and
// always sends the verified bytes, never caller-supplied ones.
type gated struct {
	circuit string
}

func (g gated) submit(ctx context.Context, c domain.Client, a domain.Action, v *proof.Verified) (domain.Receipt, error) {
	if v == nil {
		return domain.Receipt{}, &proof.VerificationError{Circuit: g.circuit, Reason: "no verified proof presented"}
	}
	if v.Circuit() != g.circuit {
		return domain.Receipt{}, &proof.VerificationError{Circuit: g.circuit, Reason: fmt.Sprintf("proof verified for circuit %q", v.Circuit())}
	}
	if claim := v.Claim(); claim.Nonce != a.Nonce || claim.Vault != a.Contract {
		return domain.Receipt{}, &proof.VerificationError{Circuit: g.circuit, Reason: "proof claim does not match the action"}
	}
	a.Proof = v.Proof()
	a.Inputs = v.Inputs()
	return c.Submit(ctx, a)
}
