package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/domain"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/proof"
)

// sentry waits engine.interval. It takes the cancellable context so a
// shutdown during the wait returns at once.
func (e *Engine) sentry(ctx context.Context, cfg *config.StrategyConfig, out *Outcome) error {
	out.Status = StatusNoop
	wait := cfg.Engine.Wait()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		out.Detail = fmt.Sprintf("waited %s", wait)
	case <-ctx.Done():
		out.Detail = "wait interrupted"
	}
	return nil
}

// deposit moves the strategist's idle balance on the EVM domain into the
// vault once it reaches min_deposit.
func (e *Engine) deposit(ctx context.Context, cfg *config.StrategyConfig, sub submitter, out *Outcome) error {
	dc := cfg.Ethereum
	minimum, err := dc.MinDepositUnits()
	if err != nil {
		return &config.ConfigError{Path: config.DomainEthereum + ".min_deposit", Err: err}
	}

	return domain.With(ctx, e.deps.Domains, config.DomainEthereum, func(c domain.Client) error {
		balance, err := c.Balance(ctx, dc.Account, dc.Asset)
		if err != nil {
			return err
		}
		if balance.Sign() <= 0 || balance.Cmp(minimum) < 0 {
			out.Status = StatusNoop
			out.Detail = fmt.Sprintf("balance %s below minimum %s", balance, minimum)
			return nil
		}
		r, err := sub.submit(ctx, c, domain.Action{Method: domain.MethodDeposit, Contract: dc.Vault, Amount: balance}, nil)
		if errors.Is(err, domain.ErrFeesExceedBalance) {
			out.Status = StatusNoop
			out.Detail = fmt.Sprintf("balance %s does not cover the fee", balance)
			return nil
		}
		if err != nil {
			return err
		}
		out.TxHash = r.TxHash
		moved := balance
		if r.Amount != nil {
			moved = r.Amount
		}
		return confirm(ctx, c, r, out, fmt.Sprintf("deposited %s", moved))
	})
}

// update pushes the combined EVM vault and Cosmos position to the settlement
// vault when its recorded figure is stale.
func (e *Engine) update(ctx context.Context, cfg *config.StrategyConfig, sub submitter, out *Outcome) error {
	var vaultAssets, position *big.Int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return domain.With(gctx, e.deps.Domains, config.DomainEthereum, func(c domain.Client) error {
			v, err := c.State(gctx, domain.StateQuery{Name: domain.QueryTotalAssets, Contract: cfg.Ethereum.Vault})
			vaultAssets = v
			return err
		})
	})
	g.Go(func() error {
		return domain.With(gctx, e.deps.Domains, config.DomainNeutron, func(c domain.Client) error {
			v, err := c.State(gctx, domain.StateQuery{Name: domain.QueryPosition, Contract: cfg.Neutron.Vault, Account: cfg.Neutron.Account})
			position = v
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}
	total := new(big.Int).Add(vaultAssets, position)

	name := cfg.Engine.SettlementDomain
	sd, _ := cfg.Domain(name)
	return domain.With(ctx, e.deps.Domains, name, func(c domain.Client) error {
		recorded, err := c.State(ctx, domain.StateQuery{Name: domain.QueryRecordedAssets, Contract: sd.Vault})
		if err != nil {
			return err
		}
		if recorded.Cmp(total) == 0 {
			out.Status = StatusNoop
			out.Detail = fmt.Sprintf("recorded assets %s up to date", total)
			return nil
		}
		r, err := sub.submit(ctx, c, domain.Action{Method: domain.MethodUpdate, Contract: sd.Vault, Amount: total}, nil)
		if err != nil {
			return err
		}
		out.TxHash = r.TxHash
		return confirm(ctx, c, r, out, fmt.Sprintf("recorded assets %s -> %s", recorded, total))
	})
}

// settle proves, verifies and then submits the pending settlement. The
// cursor in out is set only after confirmation.
func (e *Engine) settle(ctx context.Context, cfg *config.StrategyConfig, sub submitter, out *Outcome) error {
	name := cfg.Engine.SettlementDomain
	sd, _ := cfg.Domain(name)
	g, ok := sub.(gated)
	if !ok {
		return &config.ConfigError{Path: "schedule", Err: fmt.Errorf("%s runs only proof gated", Settlement)}
	}
	circuit := g.circuit
	if e.deps.Prover == nil {
		return &config.ConfigError{Path: "coprocessor", Err: fmt.Errorf("no prover configured")}
	}

	return domain.With(ctx, e.deps.Domains, name, func(c domain.Client) error {
		pending, err := c.State(ctx, domain.StateQuery{Name: domain.QueryPendingSettlement, Contract: sd.Vault})
		if err != nil {
			return err
		}
		if !pending.IsUint64() {
			return &domain.SubmissionError{Domain: name, Op: "pending_settlement", Err: fmt.Errorf("nonce %s out of range", pending)}
		}
		nonce := pending.Uint64()
		if nonce <= cfg.Cursor.SettlementNonce {
			out.Status = StatusNoop
			out.Detail = fmt.Sprintf("nonce %d already settled", nonce)
			return nil
		}
		assets, err := c.State(ctx, domain.StateQuery{Name: domain.QueryRecordedAssets, Contract: sd.Vault})
		if err != nil {
			return err
		}

		claim := proof.Claim{Circuit: circuit, Domain: name, Vault: sd.Vault, Nonce: nonce, Assets: assets.String()}
		logging.Info("proof_requested", logging.Fields{Component: "engine", Phase: Settlement.String(), Circuit: circuit, Domain: name, Detail: fmt.Sprintf("nonce=%d", nonce)})
		p, err := e.deps.Prover.Prove(ctx, circuit, claim)
		if err != nil {
			return err
		}
		verified, err := proof.Attest(ctx, e.deps.Verifier, circuit, p, claim)
		if err != nil {
			return err
		}

		r, err := sub.submit(ctx, c, domain.Action{Method: domain.MethodSettle, Contract: sd.Vault, Nonce: nonce}, verified)
		if err != nil {
			return err
		}
		out.TxHash = r.TxHash
		if err := confirm(ctx, c, r, out, fmt.Sprintf("settled nonce %d", nonce)); err != nil {
			return err
		}
		out.Cursor = nonce
		return nil
	})
}

func confirm(ctx context.Context, c domain.Client, r domain.Receipt, out *Outcome, detail string) error {
	conf, err := c.AwaitConfirmation(ctx, r)
	if err != nil {
		return err
	}
	out.Status = StatusDone
	out.Detail = fmt.Sprintf("%s at height %d", detail, conf.Height)
	return nil
}
