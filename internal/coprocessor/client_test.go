package coprocessor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/proof"
)

var claim = proof.Claim{Circuit: "vault-settlement", Domain: "settlement", Vault: "0xvault", Nonce: 2, Assets: "100"}

func newClient(srv *httptest.Server, timeout time.Duration) *Client {
	return New(&config.CoprocessorConfig{
		URL:          srv.URL + "/",
		PollInterval: config.Duration(time.Millisecond),
		Timeout:      config.Duration(timeout),
	}, srv.Client())
}

func TestProveInline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/circuit/vault-settlement/prove", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, uint64(2), gjson.GetBytes(body, "nonce").Uint())
		assert.Equal(t, "0xvault", gjson.GetBytes(body, "vault").String())
		_, _ = io.WriteString(w, `{"proof":"cHJvb2Y=","inputs":"aW5wdXRz"}`)
	}))
	defer srv.Close()

	p, err := newClient(srv, time.Second).Prove(context.Background(), "vault-settlement", claim)
	require.NoError(t, err)
	assert.Equal(t, proof.Proof{Proof: "cHJvb2Y=", Inputs: "aW5wdXRz"}, p)
}

func TestProvePollsJob(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/circuit/vault-settlement/prove", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"job":"j-17"}`)
	})
	mux.HandleFunc("/api/job/j-17", func(w http.ResponseWriter, _ *http.Request) {
		switch n := polls.Add(1); {
		case n == 1:
			w.WriteHeader(http.StatusAccepted)
		case n == 2:
			_, _ = io.WriteString(w, `{"status":"running"}`)
		case n == 3:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = io.WriteString(w, `{"status":"done","proof":"cHJvb2Y=","inputs":"aW5wdXRz"}`)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := newClient(srv, time.Second).Prove(context.Background(), "vault-settlement", claim)
	require.NoError(t, err)
	assert.Equal(t, "cHJvb2Y=", p.Proof)
	assert.Equal(t, int32(4), polls.Load())
}

func TestProveFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
	}{
		{"rejected", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"unknown circuit"}`)
		}, time.Second},
		{"accepted without job", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{}`)
		}, time.Second},
		{"inline body missing inputs", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"proof":"cHJvb2Y="}`)
		}, time.Second},
		{"job failed", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusAccepted)
				_, _ = io.WriteString(w, `{"job":"j-1"}`)
				return
			}
			_, _ = io.WriteString(w, `{"status":"failed","error":"witness generation"}`)
		}, time.Second},
		{"job never finishes", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusAccepted)
				_, _ = io.WriteString(w, `{"job":"j-2"}`)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		}, 40 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p, err := newClient(srv, tt.timeout).Prove(context.Background(), "vault-settlement", claim)
			var perr *ProverError
			require.True(t, errors.As(err, &perr), "got %v", err)
			assert.Equal(t, "vault-settlement", perr.Circuit)
			assert.Equal(t, proof.Proof{}, p)
		})
	}
}

func TestProveIsPaced(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"proof":"cA==","inputs":"aQ=="}`)
	}))
	defer srv.Close()

	c := New(&config.CoprocessorConfig{
		URL:               srv.URL,
		PollInterval:      config.Duration(time.Millisecond),
		Timeout:           config.Duration(time.Second),
		RequestsPerSecond: 20,
	}, srv.Client())

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Prove(context.Background(), "vault-settlement", claim)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}
