package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/logging"
)

// Resolver hands out a fresh client for a named domain section.
type Resolver interface {
	Open(ctx context.Context, name string) (Client, error)
}

// Opener builds a client of one family from its config section.
type Opener func(ctx context.Context, name string, cfg *config.DomainConfig) (Client, error)

// Factory resolves domain names against a config snapshot and dispatches to
// the opener registered for the section's kind.
type Factory struct {
	cfg     *config.StrategyConfig
	openers map[string]Opener
}

// NewFactory returns a Factory over cfg. openers is keyed by config kind.
func NewFactory(cfg *config.StrategyConfig, openers map[string]Opener) *Factory {
	return &Factory{cfg: cfg, openers: openers}
}

// Open implements Resolver. A missing section or an unregistered kind is a
// *config.ConfigError.
func (f *Factory) Open(ctx context.Context, name string) (Client, error) {
	if f.cfg == nil {
		return nil, &config.ConfigError{Path: name, Err: errors.New("no configuration loaded")}
	}
	section, ok := f.cfg.Domain(name)
	if !ok {
		return nil, &config.ConfigError{Path: name, Err: fmt.Errorf("no [%s] section", name)}
	}
	open, ok := f.openers[section.Kind]
	if !ok {
		return nil, &config.ConfigError{Path: name, Err: fmt.Errorf("no client registered for kind %q", section.Kind)}
	}
	c, err := open(ctx, name, section)
	if err != nil {
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, &SubmissionError{Domain: name, Op: "open", Err: err}
	}
	return c, nil
}

// With opens name, runs fn and closes the client on every exit path. A close
// failure is logged; it never changes the outcome of fn.
func With(ctx context.Context, r Resolver, name string, fn func(Client) error) error {
	c, err := r.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			logging.Warn("domain_close_failed", logging.Fields{Domain: name, Error: cerr.Error()})
		}
	}()
	return fn(c)
}
