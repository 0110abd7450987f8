// Package evm implements domain.Client for EVM chains on top of go-ethereum.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sethvargo/go-retry"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/domain"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/transport"
)

var (
	errReverted = errors.New("transaction reverted")
	errNotFinal = errors.New("awaiting confirmations")
	errNoKey    = errors.New("no signing key configured")
)

// Backend is the subset of ethclient.Client the strategist uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// Client talks to one EVM domain.
type Client struct {
	name    string
	cfg     *config.DomainConfig
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// Opener dials EVM sections over the shared transport. keyHex may be empty,
// in which case the client is read-only.
func Opener(keyHex string) domain.Opener {
	return func(ctx context.Context, name string, cfg *config.DomainConfig) (domain.Client, error) {
		rc, err := rpc.DialOptions(ctx, cfg.Endpoint, rpc.WithHTTPClient(transport.Client()))
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", cfg.Endpoint, err)
		}
		var key *ecdsa.PrivateKey
		if keyHex != "" {
			key, err = gethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
			if err != nil {
				rc.Close()
				return nil, &config.ConfigError{Path: name, Err: fmt.Errorf("parsing evm key: %w", err)}
			}
		}
		c, err := New(ctx, name, cfg, ethclient.NewClient(rc), key)
		if err != nil {
			rc.Close()
			return nil, err
		}
		return c, nil
	}
}

// New checks the backend's chain id against the section and binds the key.
func New(ctx context.Context, name string, cfg *config.DomainConfig, backend Backend, key *ecdsa.PrivateKey) (*Client, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain id: %w", err)
	}
	if chainID.String() != cfg.ChainID {
		return nil, &config.ConfigError{Path: name, Err: fmt.Errorf("endpoint serves chain %s, section says %s", chainID, cfg.ChainID)}
	}
	c := &Client{name: name, cfg: cfg, backend: backend, key: key, chainID: chainID}
	if key != nil {
		c.from = gethcrypto.PubkeyToAddress(key.PublicKey)
		if cfg.Account != "" && !strings.EqualFold(c.from.Hex(), cfg.Account) {
			return nil, &config.ConfigError{Path: name, Err: fmt.Errorf("signing key is %s, section account is %s", c.from.Hex(), cfg.Account)}
		}
	}
	return c, nil
}

// Domain implements domain.Client.
func (c *Client) Domain() string { return c.name }

// Balance returns the native balance when asset is empty, else the ERC20
// balance held at the asset contract.
func (c *Client) Balance(ctx context.Context, account, asset string) (*big.Int, error) {
	owner, err := address(account)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: "balance", Err: err}
	}
	if asset == "" {
		bal, err := c.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, &domain.SubmissionError{Domain: c.name, Op: "balance", Err: err}
		}
		return bal, nil
	}
	token, err := address(asset)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: "balance", Err: err}
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: "balance", Err: err}
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: "balance", Err: err}
	}
	bal, err := unpackUint(erc20ABI, "balanceOf", out)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: "balance", Err: err}
	}
	return bal, nil
}

// State calls the vault view function behind q.Name.
func (c *Client) State(ctx context.Context, q domain.StateQuery) (*big.Int, error) {
	method, ok := queryMethods[q.Name]
	if !ok {
		return nil, &domain.SubmissionError{Domain: c.name, Op: "state", Err: fmt.Errorf("unknown query %q", q.Name)}
	}
	to, err := address(q.Contract)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: q.Name, Err: err}
	}

	var data []byte
	if method == "positionOf" {
		var owner common.Address
		owner, err = address(q.Account)
		if err == nil {
			data, err = vaultABI.Pack(method, owner)
		}
	} else {
		data, err = vaultABI.Pack(method)
	}
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: q.Name, Err: err}
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: q.Name, Err: err}
	}
	v, err := unpackUint(vaultABI, method, out)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: q.Name, Err: err}
	}
	return v, nil
}

func (c *Client) pack(a domain.Action) ([]byte, error) {
	switch a.Method {
	case domain.MethodDeposit, domain.MethodUpdate:
		if a.Amount == nil {
			return nil, fmt.Errorf("%s needs an amount", a.Method)
		}
		return vaultABI.Pack(a.Method, a.Amount)
	case domain.MethodSettle:
		return vaultABI.Pack(a.Method, new(big.Int).SetUint64(a.Nonce), a.Proof, a.Inputs)
	default:
		return nil, fmt.Errorf("unknown method %q", a.Method)
	}
}

// Submit signs and broadcasts a legacy transaction calling a.Method.
//
// A native deposit keeps gas*gasPrice of the account balance back for the
// fee and deposits at most the remainder; the receipt carries the amount
// actually sent. A token deposit first raises the vault's allowance when it
// is short and waits for that approval to confirm.
func (c *Client) Submit(ctx context.Context, a domain.Action) (domain.Receipt, error) {
	fail := func(err error) (domain.Receipt, error) {
		return domain.Receipt{}, &domain.SubmissionError{Domain: c.name, Op: a.Method, Err: err}
	}
	if c.key == nil {
		return fail(errNoKey)
	}
	to, err := address(a.Contract)
	if err != nil {
		return fail(err)
	}
	data, err := c.pack(a)
	if err != nil {
		return fail(err)
	}

	native := a.Method == domain.MethodDeposit && c.cfg.Asset == ""
	if a.Method == domain.MethodDeposit && !native {
		if err := c.ensureAllowance(ctx, to, a.Amount); err != nil {
			return fail(err)
		}
	}

	value := new(big.Int)
	if native {
		value.Set(a.Amount)
	}
	tx, err := c.prepare(ctx, to, value, data)
	if err != nil {
		return fail(err)
	}

	var moved *big.Int
	if native {
		spend, err := c.afterFee(ctx, a.Amount, tx)
		if err != nil {
			return fail(err)
		}
		if spend.Cmp(a.Amount) != 0 {
			a.Amount = spend
			if tx.Data, err = c.pack(a); err != nil {
				return fail(err)
			}
			tx.Value = spend
		}
		moved = spend
	}

	hash, err := c.send(ctx, tx)
	if err != nil {
		return fail(err)
	}
	logging.Debug("evm_tx_sent", logging.Fields{Domain: c.name, TxHash: hash, Detail: a.Method})
	return domain.Receipt{Domain: c.name, TxHash: hash, SubmittedAt: time.Now().UTC(), Amount: moved}, nil
}

// prepare fills nonce, gas price and gas limit for a call to to.
func (c *Client) prepare(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.LegacyTx, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggesting gas price: %w", err)
	}
	gas := c.cfg.GasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimating gas: %w", err)
		}
	}
	return &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	}, nil
}

func (c *Client) send(ctx context.Context, tx *types.LegacyTx) (string, error) {
	signed, err := types.SignTx(types.NewTx(tx), types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcasting: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// afterFee returns how much of amount the account can send once the fee of
// tx is reserved.
func (c *Client) afterFee(ctx context.Context, amount *big.Int, tx *types.LegacyTx) (*big.Int, error) {
	fee := new(big.Int).Mul(tx.GasPrice, new(big.Int).SetUint64(tx.Gas))
	balance, err := c.backend.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	spend := new(big.Int).Sub(balance, fee)
	if spend.Sign() <= 0 {
		return nil, fmt.Errorf("%w: fee %s, balance %s", domain.ErrFeesExceedBalance, fee, balance)
	}
	if spend.Cmp(amount) > 0 {
		spend.Set(amount)
	}
	return spend, nil
}

// ensureAllowance approves spender for amount of the section's asset unless
// the current allowance already covers it.
func (c *Client) ensureAllowance(ctx context.Context, spender common.Address, amount *big.Int) error {
	token, err := address(c.cfg.Asset)
	if err != nil {
		return err
	}
	data, err := erc20ABI.Pack("allowance", c.from, spender)
	if err != nil {
		return err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("reading allowance: %w", err)
	}
	current, err := unpackUint(erc20ABI, "allowance", out)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}

	data, err = erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return err
	}
	tx, err := c.prepare(ctx, token, new(big.Int), data)
	if err != nil {
		return err
	}
	hash, err := c.send(ctx, tx)
	if err != nil {
		return err
	}
	logging.Info("evm_approve_sent", logging.Fields{Domain: c.name, TxHash: hash, Detail: fmt.Sprintf("allowance %s -> %s", current, amount)})
	if _, err := c.AwaitConfirmation(ctx, domain.Receipt{Domain: c.name, TxHash: hash}); err != nil {
		return fmt.Errorf("approving %s: %w", spender.Hex(), err)
	}
	return nil
}

// AwaitConfirmation polls for the receipt until it is buried under the
// section's confirmation depth. A reverted receipt is a *SubmissionError;
// running out of confirm_timeout is a *TimeoutError.
func (c *Client) AwaitConfirmation(ctx context.Context, r domain.Receipt) (domain.Confirmation, error) {
	hash := common.HexToHash(r.TxHash)
	timeout := c.cfg.ConfirmTimeout.Std()
	poll := c.cfg.PollInterval.Std()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := retry.NewExponential(poll)
	backoff = retry.WithCappedDuration(4*poll, backoff)

	var conf domain.Confirmation
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rcpt, err := c.backend.TransactionReceipt(ctx, hash)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("fetching receipt: %w", err))
		}
		if rcpt.Status != types.ReceiptStatusSuccessful {
			return &domain.SubmissionError{Domain: c.name, Op: "await", TxHash: r.TxHash, Err: errReverted}
		}
		head, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("reading head: %w", err))
		}
		mined := rcpt.BlockNumber.Uint64()
		if head+1 < mined+c.cfg.Confirmations {
			return retry.RetryableError(errNotFinal)
		}
		conf = domain.Confirmation{TxHash: r.TxHash, Height: mined, GasUsed: rcpt.GasUsed}
		return nil
	})
	if err == nil {
		return conf, nil
	}
	var serr *domain.SubmissionError
	if errors.As(err, &serr) {
		return domain.Confirmation{}, err
	}
	logging.Debug("evm_await_expired", logging.Fields{Domain: c.name, TxHash: r.TxHash, Error: err.Error()})
	return domain.Confirmation{}, &domain.TimeoutError{Domain: c.name, TxHash: r.TxHash, After: timeout}
}

// Anchor returns the current head, used to pin journal entries to chain time.
func (c *Client) Anchor(ctx context.Context) (uint64, string, error) {
	h, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("reading head: %w", err)
	}
	return h.Number.Uint64(), h.Hash().Hex(), nil
}

// Close implements domain.Client.
func (c *Client) Close() error {
	c.backend.Close()
	return nil
}

func address(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
