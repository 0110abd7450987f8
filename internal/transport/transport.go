// Package transport installs the process-wide TLS/HTTP2 transport shared by
// every outbound client (EVM RPC, Cosmos LCD, coprocessor, remote signer).
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/slyt3/strategist/internal/logging"
)

var (
	installed atomic.Bool
	mu        sync.Mutex
	shared    *http.Client
)

// Install configures the shared transport. Only the first call does work;
// later calls log and return nil.
func Install() error {
	if installed.Load() {
		logging.Debug("transport_already_installed", logging.Fields{Component: "transport"})
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if installed.Load() {
		logging.Debug("transport_already_installed", logging.Fields{Component: "transport"})
		return nil
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return fmt.Errorf("configuring http2: %w", err)
	}

	shared = &http.Client{Transport: t}
	installed.Store(true)
	logging.Info("transport_installed", logging.Fields{Component: "transport", Detail: "tls1.2+ h2"})
	return nil
}

// Client returns the shared client, installing the transport on first use.
// Request deadlines come from the caller's context.
func Client() *http.Client {
	if !installed.Load() {
		if err := Install(); err != nil {
			logging.Error("transport_install_failed", logging.Fields{Component: "transport", Error: err.Error()})
			return http.DefaultClient
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return shared
}
