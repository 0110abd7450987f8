package engine

import (
	"fmt"

	"github.com/slyt3/strategist/internal/config"
)

// Phase is one step of the work cycle.
type Phase int

const (
	Sentry Phase = iota
	Deposit
	Update
	Settlement
)

var phaseLabels = [...]string{
	Sentry:     "sentry",
	Deposit:    "deposit",
	Update:     "update",
	Settlement: "settlement",
}

// String is the label used in logs, metrics and the journal.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseLabels) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseLabels[p]
}

// PhaseSpec is the static description of a phase in a schedule.
type PhaseSpec struct {
	Phase Phase
	// ProofGated phases can submit only with a verified proof.
	ProofGated bool
	// CircuitRole selects the coprocessor circuit for gated phases.
	CircuitRole string
}

// Domains lists the config sections the phase opens clients for.
func (s PhaseSpec) Domains(cfg *config.StrategyConfig) []string {
	switch s.Phase {
	case Deposit:
		return []string{config.DomainEthereum}
	case Update:
		return []string{config.DomainEthereum, config.DomainNeutron, cfg.Engine.SettlementDomain}
	case Settlement:
		return []string{cfg.Engine.SettlementDomain}
	default:
		return nil
	}
}

// Schedule is an ordered, cyclic list of phases.
type Schedule []PhaseSpec

// DefaultSchedule is Sentry, Deposit, Update, Settlement.
func DefaultSchedule() Schedule {
	return Schedule{
		{Phase: Sentry},
		{Phase: Deposit},
		{Phase: Update},
		{Phase: Settlement, ProofGated: true, CircuitRole: config.CircuitSettlement},
	}
}

// Next is the transition table: the phase after index i.
func (s Schedule) Next(i int) int {
	return (i + 1) % len(s)
}

func (s Schedule) validate() error {
	if len(s) == 0 {
		return fmt.Errorf("empty schedule")
	}
	if s[0].Phase != Sentry {
		return fmt.Errorf("schedule must start at %s, starts at %s", Sentry, s[0].Phase)
	}
	for i, spec := range s {
		if spec.Phase == Settlement && !spec.ProofGated {
			return fmt.Errorf("schedule[%d] %s must be proof gated", i, spec.Phase)
		}
		if spec.ProofGated && spec.CircuitRole == "" {
			return fmt.Errorf("schedule[%d] %s is proof gated without a circuit role", i, spec.Phase)
		}
	}
	return nil
}
