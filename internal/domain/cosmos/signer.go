package cosmos

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// SignRequest describes one MsgExecuteContract to sign.
type SignRequest struct {
	ChainID  string          `json:"chain_id"`
	Sender   string          `json:"sender"`
	Contract string          `json:"contract"`
	Msg      json.RawMessage `json:"msg"`
	Funds    []Coin          `json:"funds,omitempty"`
	GasLimit uint64          `json:"gas_limit,omitempty"`
}

// TxSigner turns an execute request into broadcastable tx bytes. Key custody
// stays outside the strategist.
type TxSigner interface {
	Sign(ctx context.Context, req SignRequest) ([]byte, error)
}

// RemoteSigner posts sign requests to {url}/sign and expects
// {"tx_bytes": "<base64>"} back.
type RemoteSigner struct {
	url  string
	http *http.Client
}

// NewRemoteSigner returns a signer for url.
func NewRemoteSigner(url string, httpClient *http.Client) *RemoteSigner {
	return &RemoteSigner{url: strings.TrimRight(url, "/"), http: httpClient}
}

// Sign implements TxSigner.
func (s *RemoteSigner) Sign(ctx context.Context, sr SignRequest) ([]byte, error) {
	payload, err := json.Marshal(sr)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer returned status %d", resp.StatusCode)
	}
	encoded := gjson.GetBytes(body, "tx_bytes").String()
	if encoded == "" {
		return nil, fmt.Errorf("signer response carries no tx_bytes")
	}
	tx, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding tx_bytes: %w", err)
	}
	return tx, nil
}
