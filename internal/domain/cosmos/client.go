// Package cosmos implements domain.Client for Cosmos chains over the LCD REST
// gateway. Vault calls are CosmWasm execute messages signed by a TxSigner.
package cosmos

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/domain"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/transport"
)

const maxResponseBytes = 4 << 20

var (
	errNotFound = errors.New("not found")
	errNoSigner = errors.New("no tx signer configured")
)

// Coin is a cosmos-sdk coin.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// Client talks to one Cosmos domain.
type Client struct {
	name   string
	cfg    *config.DomainConfig
	http   *http.Client
	base   string
	signer TxSigner
}

// Opener builds clients for cosmos sections. Sections with a signer_url get a
// RemoteSigner; others are read-only.
func Opener() domain.Opener {
	return func(_ context.Context, name string, cfg *config.DomainConfig) (domain.Client, error) {
		var signer TxSigner
		if cfg.SignerURL != "" {
			signer = NewRemoteSigner(cfg.SignerURL, transport.Client())
		}
		return New(name, cfg, transport.Client(), signer)
	}
}

// New returns a client for cfg. signer may be nil.
func New(name string, cfg *config.DomainConfig, httpClient *http.Client, signer TxSigner) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" {
		return nil, &config.ConfigError{Path: name, Err: fmt.Errorf("endpoint %q is not an absolute URL", cfg.Endpoint)}
	}
	return &Client{
		name:   name,
		cfg:    cfg,
		http:   httpClient,
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		signer: signer,
	}, nil
}

// Domain implements domain.Client.
func (c *Client) Domain() string { return c.name }

// Balance reads the bank balance of account in asset, defaulting to the
// section denom.
func (c *Client) Balance(ctx context.Context, account, asset string) (*big.Int, error) {
	if asset == "" {
		asset = c.cfg.Denom
	}
	path := fmt.Sprintf("/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s", url.PathEscape(account), url.QueryEscape(asset))
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: "balance", Err: err}
	}
	amount := gjson.GetBytes(body, "balance.amount")
	if !amount.Exists() {
		return big.NewInt(0), nil
	}
	v, err := parseInt(amount)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: "balance", Err: err}
	}
	return v, nil
}

// State runs a CosmWasm smart query named after q.Name.
func (c *Client) State(ctx context.Context, q domain.StateQuery) (*big.Int, error) {
	args := map[string]any{}
	if q.Name == domain.QueryPosition && q.Account != "" {
		args["account"] = q.Account
	}
	msg, err := json.Marshal(map[string]any{q.Name: args})
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: q.Name, Err: err}
	}
	path := fmt.Sprintf("/cosmwasm/wasm/v1/contract/%s/smart/%s",
		url.PathEscape(q.Contract), base64.URLEncoding.EncodeToString(msg))
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: q.Name, Err: err}
	}

	var result gjson.Result
	if q.Name == domain.QueryPosition && c.cfg.PositionPath != "" {
		result = gjson.GetBytes(body, c.cfg.PositionPath)
	} else if r := gjson.GetBytes(body, "data.amount"); r.Exists() {
		result = r
	} else {
		result = gjson.GetBytes(body, "data")
	}
	v, err := parseInt(result)
	if err != nil {
		return nil, &domain.SubmissionError{Domain: c.name, Op: q.Name, Err: err}
	}
	return v, nil
}

func (c *Client) executeMsg(a domain.Action) (json.RawMessage, []Coin, error) {
	var body map[string]any
	var funds []Coin
	switch a.Method {
	case domain.MethodDeposit:
		if a.Amount == nil {
			return nil, nil, fmt.Errorf("deposit needs an amount")
		}
		body = map[string]any{"deposit": map[string]any{}}
		denom := c.cfg.Asset
		if denom == "" {
			denom = c.cfg.Denom
		}
		funds = []Coin{{Denom: denom, Amount: a.Amount.String()}}
	case domain.MethodUpdate:
		if a.Amount == nil {
			return nil, nil, fmt.Errorf("update needs an amount")
		}
		body = map[string]any{"update": map[string]any{"total": a.Amount.String()}}
	case domain.MethodSettle:
		body = map[string]any{"settle": map[string]any{
			"nonce":  a.Nonce,
			"proof":  base64.StdEncoding.EncodeToString(a.Proof),
			"inputs": base64.StdEncoding.EncodeToString(a.Inputs),
		}}
	default:
		return nil, nil, fmt.Errorf("unknown method %q", a.Method)
	}
	raw, err := json.Marshal(body)
	return raw, funds, err
}

// Submit has the signer build a MsgExecuteContract tx and broadcasts it in
// sync mode. A non-zero CheckTx code is a *SubmissionError.
func (c *Client) Submit(ctx context.Context, a domain.Action) (domain.Receipt, error) {
	fail := func(err error) (domain.Receipt, error) {
		return domain.Receipt{}, &domain.SubmissionError{Domain: c.name, Op: a.Method, Err: err}
	}
	if c.signer == nil {
		return fail(errNoSigner)
	}
	msg, funds, err := c.executeMsg(a)
	if err != nil {
		return fail(err)
	}
	txBytes, err := c.signer.Sign(ctx, SignRequest{
		ChainID:  c.cfg.ChainID,
		Sender:   c.cfg.Account,
		Contract: a.Contract,
		Msg:      msg,
		Funds:    funds,
		GasLimit: c.cfg.GasLimit,
	})
	if err != nil {
		return fail(fmt.Errorf("signing: %w", err))
	}

	req, err := json.Marshal(map[string]string{
		"tx_bytes": base64.StdEncoding.EncodeToString(txBytes),
		"mode":     "BROADCAST_MODE_SYNC",
	})
	if err != nil {
		return fail(err)
	}
	body, err := c.post(ctx, "/cosmos/tx/v1beta1/txs", req)
	if err != nil {
		return fail(fmt.Errorf("broadcasting: %w", err))
	}
	res := gjson.GetBytes(body, "tx_response")
	hash := res.Get("txhash").String()
	if code := res.Get("code").Uint(); code != 0 {
		return domain.Receipt{}, &domain.SubmissionError{
			Domain: c.name, Op: a.Method, TxHash: hash,
			Err: fmt.Errorf("check tx code %d: %s", code, res.Get("raw_log").String()),
		}
	}
	if hash == "" {
		return fail(errors.New("broadcast response carries no txhash"))
	}

	logging.Debug("cosmos_tx_sent", logging.Fields{Domain: c.name, TxHash: hash, Detail: a.Method})
	return domain.Receipt{Domain: c.name, TxHash: hash, SubmittedAt: time.Now().UTC()}, nil
}

// AwaitConfirmation polls the tx endpoint until the tx is in a block. A
// non-zero DeliverTx code is a *SubmissionError.
func (c *Client) AwaitConfirmation(ctx context.Context, r domain.Receipt) (domain.Confirmation, error) {
	timeout := c.cfg.ConfirmTimeout.Std()
	poll := c.cfg.PollInterval.Std()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := retry.NewExponential(poll)
	backoff = retry.WithCappedDuration(4*poll, backoff)

	var conf domain.Confirmation
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, err := c.get(ctx, "/cosmos/tx/v1beta1/txs/"+url.PathEscape(r.TxHash))
		if err != nil {
			return retry.RetryableError(err)
		}
		res := gjson.GetBytes(body, "tx_response")
		if code := res.Get("code").Uint(); code != 0 {
			return &domain.SubmissionError{
				Domain: c.name, Op: "await", TxHash: r.TxHash,
				Err: fmt.Errorf("deliver tx code %d: %s", code, res.Get("raw_log").String()),
			}
		}
		height := res.Get("height").Uint()
		if height == 0 {
			return retry.RetryableError(errNotFound)
		}
		conf = domain.Confirmation{TxHash: r.TxHash, Height: height, GasUsed: res.Get("gas_used").Uint()}
		return nil
	})
	if err == nil {
		return conf, nil
	}
	var serr *domain.SubmissionError
	if errors.As(err, &serr) {
		return domain.Confirmation{}, err
	}
	logging.Debug("cosmos_await_expired", logging.Fields{Domain: c.name, TxHash: r.TxHash, Error: err.Error()})
	return domain.Confirmation{}, &domain.TimeoutError{Domain: c.name, TxHash: r.TxHash, After: timeout}
}

// Close implements domain.Client. The shared transport outlives the client.
func (c *Client) Close() error { return nil }

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s %s: response is not json", req.Method, req.URL.Path)
	}
	return body, nil
}

func parseInt(r gjson.Result) (*big.Int, error) {
	if !r.Exists() {
		return nil, errors.New("value missing from response")
	}
	raw := r.String()
	if r.Type == gjson.Number {
		raw = r.Raw
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("value %q is not an integer", raw)
	}
	return v, nil
}
