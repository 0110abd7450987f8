// Package coprocessor requests proofs from the off-chain prover service.
//
// A prove request is answered either inline (200 with the proof envelope) or
// with a job id (202) that is polled until the proof is ready. The returned
// proof.Proof is untrusted and must go through proof.Attest before use.
package coprocessor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/crypto"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/proof"
)

const maxResponseBytes = 16 << 20

var errPending = errors.New("proof pending")

// Prover produces a proof envelope for claim under circuit.
type Prover interface {
	Prove(ctx context.Context, circuit string, claim proof.Claim) (proof.Proof, error)
}

// ProverError is a recoverable failure to obtain a proof.
type ProverError struct {
	Circuit string
	Job     string
	Err     error
}

func (e *ProverError) Error() string {
	if e.Job != "" {
		return fmt.Sprintf("coprocessor circuit %q job %s: %v", e.Circuit, e.Job, e.Err)
	}
	return fmt.Sprintf("coprocessor circuit %q: %v", e.Circuit, e.Err)
}

func (e *ProverError) Unwrap() error { return e.Err }

// Client is the HTTP Prover.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	poll    time.Duration
	timeout time.Duration
}

// New returns a client for cfg. A zero requests_per_second means unpaced.
func New(cfg *config.CoprocessorConfig, httpClient *http.Client) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		base:    strings.TrimRight(cfg.URL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		poll:    cfg.PollInterval.Std(),
		timeout: cfg.Timeout.Std(),
	}
}

// Prove implements Prover.
func (c *Client) Prove(ctx context.Context, circuit string, claim proof.Claim) (proof.Proof, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := crypto.Canonicalize(claim)
	if err != nil {
		return proof.Proof{}, &ProverError{Circuit: circuit, Err: fmt.Errorf("encoding claim: %w", err)}
	}

	status, resp, err := c.do(ctx, http.MethodPost, "/api/circuit/"+url.PathEscape(circuit)+"/prove", body)
	if err != nil {
		return proof.Proof{}, &ProverError{Circuit: circuit, Err: err}
	}
	switch status {
	case http.StatusOK:
		p, err := envelope(resp)
		if err != nil {
			return proof.Proof{}, &ProverError{Circuit: circuit, Err: err}
		}
		return p, nil
	case http.StatusAccepted:
		job := gjson.GetBytes(resp, "job").String()
		if job == "" {
			return proof.Proof{}, &ProverError{Circuit: circuit, Err: errors.New("202 without job id")}
		}
		logging.Debug("proof_job_queued", logging.Fields{Circuit: circuit, RunID: job})
		return c.await(ctx, circuit, job)
	default:
		return proof.Proof{}, &ProverError{Circuit: circuit, Err: fmt.Errorf("prove returned status %d: %s", status, message(resp))}
	}
}

func (c *Client) await(ctx context.Context, circuit, job string) (proof.Proof, error) {
	backoff := retry.NewExponential(c.poll)
	backoff = retry.WithCappedDuration(8*c.poll, backoff)

	var out proof.Proof
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, resp, err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(job), nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch {
		case status == http.StatusAccepted:
			return retry.RetryableError(errPending)
		case status >= 500:
			return retry.RetryableError(fmt.Errorf("job poll returned status %d", status))
		case status != http.StatusOK:
			return fmt.Errorf("job poll returned status %d: %s", status, message(resp))
		}
		switch s := gjson.GetBytes(resp, "status").String(); s {
		case "", "done", "completed":
		case "pending", "running", "queued":
			return retry.RetryableError(errPending)
		default:
			return fmt.Errorf("job %s: %s", s, message(resp))
		}
		p, err := envelope(resp)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errPending) {
			err = fmt.Errorf("no proof within %s: %w", c.timeout, err)
		}
		return proof.Proof{}, &ProverError{Circuit: circuit, Job: job, Err: err}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("pacing: %w", err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func envelope(resp []byte) (proof.Proof, error) {
	if !gjson.ValidBytes(resp) {
		return proof.Proof{}, errors.New("response is not json")
	}
	p := gjson.GetBytes(resp, "proof")
	in := gjson.GetBytes(resp, "inputs")
	if p.Type != gjson.String || in.Type != gjson.String {
		return proof.Proof{}, errors.New("response lacks proof/inputs strings")
	}
	return proof.Proof{Proof: p.String(), Inputs: in.String()}, nil
}

func message(resp []byte) string {
	if m := gjson.GetBytes(resp, "error").String(); m != "" {
		return m
	}
	return strings.TrimSpace(string(resp))
}
