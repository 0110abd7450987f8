// Package domain defines the capability set every chain client offers the
// engine: read balances and contract state, submit an action, await its
// confirmation. Variants live in the evm and cosmos subpackages.
package domain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Action methods understood by every vault variant.
const (
	MethodDeposit = "deposit"
	MethodUpdate  = "update"
	MethodSettle  = "settle"
)

// State queries understood by every vault variant.
const (
	QueryTotalAssets       = "total_assets"
	QueryRecordedAssets    = "recorded_assets"
	QueryPendingSettlement = "pending_settlement"
	QueryPosition          = "position"
)

// Action is one state-changing call against a vault contract.
type Action struct {
	Method   string
	Contract string
	Amount   *big.Int
	Nonce    uint64
	Proof    []byte
	Inputs   []byte
}

// StateQuery reads a single integer from a contract.
type StateQuery struct {
	Name     string
	Contract string
	Account  string
}

// ErrFeesExceedBalance means a native-asset deposit would leave nothing to
// deposit once the transaction fee is reserved. Nothing was broadcast.
var ErrFeesExceedBalance = errors.New("balance does not cover the transaction fee")

// Receipt identifies a submitted action. Amount is set when the client moved
// a different amount than the action asked for.
type Receipt struct {
	Domain      string
	TxHash      string
	SubmittedAt time.Time
	Amount      *big.Int
}

// Confirmation is a finalized action.
type Confirmation struct {
	TxHash  string
	Height  uint64
	GasUsed uint64
}

// Client is a per-domain handle. It is opened for one phase and closed when
// the phase returns.
type Client interface {
	Domain() string
	Balance(ctx context.Context, account, asset string) (*big.Int, error)
	State(ctx context.Context, q StateQuery) (*big.Int, error)
	Submit(ctx context.Context, a Action) (Receipt, error)
	AwaitConfirmation(ctx context.Context, r Receipt) (Confirmation, error)
	Close() error
}

// SubmissionError is a recoverable chain-side failure: rejected broadcast,
// reverted transaction or unreachable node.
type SubmissionError struct {
	Domain string
	Op     string
	TxHash string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s %s (tx %s): %v", e.Domain, e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Domain, e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TimeoutError means a submitted action was not confirmed within the
// domain's bound. Its outcome is unknown.
type TimeoutError struct {
	Domain string
	TxHash string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: tx %s not confirmed after %s", e.Domain, e.TxHash, e.After)
}
