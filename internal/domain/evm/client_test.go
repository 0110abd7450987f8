package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/domain"
)

const (
	vaultAddr = "0x00000000000000000000000000000000000000bb"
	tokenAddr = "0x00000000000000000000000000000000000000cc"
)

type fakeBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	views    map[string]*big.Int
	native    *big.Int
	token     *big.Int
	allowance *big.Int
	sent     []*types.Transaction
	hidden   int
	status   uint64
	minedAt  uint64
	head     uint64
	neverHit bool
	closed   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID: big.NewInt(1),
		views:   map[string]*big.Int{},
		native:    big.NewInt(0),
		token:     big.NewInt(0),
		allowance: big.NewInt(0),
		status:    types.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if m, err := vaultABI.MethodById(msg.Data[:4]); err == nil {
		v, ok := f.views[m.Name]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return m.Outputs.Pack(v)
	}
	m, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if m.Name == "allowance" {
		return m.Outputs.Pack(f.allowance)
	}
	return m.Outputs.Pack(f.token)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.neverHit || f.hidden > 0 {
		f.hidden--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, BlockNumber: new(big.Int).SetUint64(f.minedAt), GasUsed: 21000}, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	return f.head, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(42)}, nil
}

func (f *fakeBackend) Close() { f.closed = true }

func testSection(account string) *config.DomainConfig {
	return &config.DomainConfig{
		Kind:           config.KindEVM,
		Endpoint:       "http://127.0.0.1:8545",
		ChainID:        "1",
		Account:        account,
		Vault:          vaultAddr,
		Confirmations:  3,
		ConfirmTimeout: config.Duration(time.Second),
		PollInterval:   config.Duration(time.Millisecond),
	}
}

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	account := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	c, err := New(context.Background(), "ethereum", testSection(account), backend, key)
	require.NoError(t, err)
	return c, key
}

func TestNewRejectsMismatches(t *testing.T) {
	backend := newFakeBackend()
	backend.chainID = big.NewInt(10)
	_, err := New(context.Background(), "ethereum", testSection(""), backend, nil)
	var cerr *config.ConfigError
	require.True(t, errors.As(err, &cerr))

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	_, err = New(context.Background(), "ethereum", testSection(vaultAddr), newFakeBackend(), key)
	require.True(t, errors.As(err, &cerr))
}

func TestBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.native = big.NewInt(5)
	backend.token = big.NewInt(1_500_000)
	c, key := newTestClient(t, backend)
	owner := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	native, err := c.Balance(context.Background(), owner, "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), native.Int64())

	token, err := c.Balance(context.Background(), owner, tokenAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), token.Int64())

	_, err = c.Balance(context.Background(), "not-an-address", "")
	var serr *domain.SubmissionError
	require.True(t, errors.As(err, &serr))
}

func TestState(t *testing.T) {
	backend := newFakeBackend()
	backend.views["totalAssets"] = big.NewInt(900)
	backend.views["pendingSettlement"] = big.NewInt(4)
	c, _ := newTestClient(t, backend)

	v, err := c.State(context.Background(), domain.StateQuery{Name: domain.QueryTotalAssets, Contract: vaultAddr})
	require.NoError(t, err)
	assert.Equal(t, int64(900), v.Int64())

	v, err = c.State(context.Background(), domain.StateQuery{Name: domain.QueryPendingSettlement, Contract: vaultAddr})
	require.NoError(t, err)
	assert.Equal(t, int64(4), v.Int64())

	_, err = c.State(context.Background(), domain.StateQuery{Name: domain.QueryRecordedAssets, Contract: vaultAddr})
	var serr *domain.SubmissionError
	require.True(t, errors.As(err, &serr))
}

func TestSubmitSignsVaultCall(t *testing.T) {
	backend := newFakeBackend()
	backend.native = big.NewInt(1e18)
	c, key := newTestClient(t, backend)

	r, err := c.Submit(context.Background(), domain.Action{
		Method:   domain.MethodDeposit,
		Contract: vaultAddr,
		Amount:   big.NewInt(777),
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), r.TxHash)
	assert.Equal(t, "ethereum", r.Domain)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, gethcrypto.PubkeyToAddress(key.PublicKey), sender)
	assert.Equal(t, common.HexToAddress(vaultAddr), *tx.To())
	assert.Equal(t, int64(777), tx.Value().Int64(), "native deposits carry value")

	args, err := vaultABI.Methods["deposit"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(777), args[0])
}

func TestNativeDepositReservesFee(t *testing.T) {
	backend := newFakeBackend()
	backend.native = big.NewInt(1e18)
	c, _ := newTestClient(t, backend)

	r, err := c.Submit(context.Background(), domain.Action{
		Method:   domain.MethodDeposit,
		Contract: vaultAddr,
		Amount:   big.NewInt(1e18),
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	fee := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas()))
	want := new(big.Int).Sub(backend.native, fee)
	assert.Equal(t, 0, tx.Value().Cmp(want), "value %s, want %s", tx.Value(), want)
	assert.Equal(t, 0, tx.Cost().Cmp(backend.native), "value plus fee must fit the balance")
	require.NotNil(t, r.Amount)
	assert.Equal(t, 0, r.Amount.Cmp(want))

	args, err := vaultABI.Methods["deposit"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, want, args[0])
}

func TestNativeDepositBelowFeeSendsNothing(t *testing.T) {
	backend := newFakeBackend()
	backend.native = big.NewInt(1000)
	c, _ := newTestClient(t, backend)

	_, err := c.Submit(context.Background(), domain.Action{
		Method:   domain.MethodDeposit,
		Contract: vaultAddr,
		Amount:   big.NewInt(1000),
	})
	var serr *domain.SubmissionError
	require.True(t, errors.As(err, &serr))
	assert.ErrorIs(t, err, domain.ErrFeesExceedBalance)
	assert.Empty(t, backend.sent)
}

func TestTokenDepositApprovesShortAllowance(t *testing.T) {
	backend := newFakeBackend()
	backend.minedAt = 1
	c, _ := newTestClient(t, backend)
	c.cfg.Asset = tokenAddr

	r, err := c.Submit(context.Background(), domain.Action{
		Method:   domain.MethodDeposit,
		Contract: vaultAddr,
		Amount:   big.NewInt(2_000_000),
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 2)
	assert.Nil(t, r.Amount)

	approve := backend.sent[0]
	assert.Equal(t, common.HexToAddress(tokenAddr), *approve.To())
	args, err := erc20ABI.Methods["approve"].Inputs.Unpack(approve.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(vaultAddr), args[0])
	assert.Equal(t, big.NewInt(2_000_000), args[1])

	deposit := backend.sent[1]
	assert.Equal(t, common.HexToAddress(vaultAddr), *deposit.To())
	assert.Zero(t, deposit.Value().Sign(), "token deposits carry no value")
	assert.Equal(t, approve.Nonce()+1, deposit.Nonce())
}

func TestTokenDepositSkipsApprovalWhenCovered(t *testing.T) {
	backend := newFakeBackend()
	backend.allowance = big.NewInt(5_000_000)
	c, _ := newTestClient(t, backend)
	c.cfg.Asset = tokenAddr

	_, err := c.Submit(context.Background(), domain.Action{
		Method:   domain.MethodDeposit,
		Contract: vaultAddr,
		Amount:   big.NewInt(2_000_000),
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, common.HexToAddress(vaultAddr), *backend.sent[0].To())
}

func TestSubmitSettleCarriesProof(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	_, err := c.Submit(context.Background(), domain.Action{
		Method:   domain.MethodSettle,
		Contract: vaultAddr,
		Nonce:    9,
		Proof:    []byte("proof"),
		Inputs:   []byte("inputs"),
	})
	require.NoError(t, err)

	args, err := vaultABI.Methods["settle"].Inputs.Unpack(backend.sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(9), args[0])
	assert.Equal(t, []byte("proof"), args[1])
	assert.Equal(t, []byte("inputs"), args[2])
	assert.Zero(t, backend.sent[0].Value().Sign())
}

func TestSubmitWithoutKey(t *testing.T) {
	c, err := New(context.Background(), "ethereum", testSection(""), newFakeBackend(), nil)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), domain.Action{Method: domain.MethodUpdate, Contract: vaultAddr, Amount: big.NewInt(1)})
	var serr *domain.SubmissionError
	require.True(t, errors.As(err, &serr))
	assert.ErrorIs(t, err, errNoKey)
}

func TestAwaitConfirmation(t *testing.T) {
	t.Run("waits for depth", func(t *testing.T) {
		backend := newFakeBackend()
		backend.hidden = 2
		backend.minedAt = 10
		backend.head = 8
		c, _ := newTestClient(t, backend)

		conf, err := c.AwaitConfirmation(context.Background(), domain.Receipt{TxHash: "0x01"})
		require.NoError(t, err)
		assert.Equal(t, uint64(10), conf.Height)
		assert.GreaterOrEqual(t, backend.head+1, uint64(13))
	})

	t.Run("revert is a submission error", func(t *testing.T) {
		backend := newFakeBackend()
		backend.status = types.ReceiptStatusFailed
		c, _ := newTestClient(t, backend)

		_, err := c.AwaitConfirmation(context.Background(), domain.Receipt{TxHash: "0x02"})
		var serr *domain.SubmissionError
		require.True(t, errors.As(err, &serr))
		assert.ErrorIs(t, err, errReverted)
	})

	t.Run("never mined times out", func(t *testing.T) {
		backend := newFakeBackend()
		backend.neverHit = true
		c, _ := newTestClient(t, backend)
		c.cfg.ConfirmTimeout = config.Duration(30 * time.Millisecond)

		_, err := c.AwaitConfirmation(context.Background(), domain.Receipt{TxHash: "0x03"})
		var terr *domain.TimeoutError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, "0x03", terr.TxHash)
	})
}

func TestAnchorAndClose(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	height, hash, err := c.Anchor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), height)
	assert.NotEmpty(t, hash)

	require.NoError(t, c.Close())
	assert.True(t, backend.closed)
}
