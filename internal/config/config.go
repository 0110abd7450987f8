// Package config holds the persisted strategy configuration: one section per
// domain, the coprocessor circuits, engine settings and the settlement cursor.
package config

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/slyt3/strategist/internal/crypto"
)

// Domain section names.
const (
	DomainEthereum   = "ethereum"
	DomainNeutron    = "neutron"
	DomainSettlement = "settlement"
)

// Client families a domain section can select.
const (
	KindEVM    = "evm"
	KindCosmos = "cosmos"
)

// Verifier names accepted in the coprocessor section.
const (
	VerifierDigest  = "digest"
	VerifierEd25519 = "ed25519"
)

// CircuitSettlement is the circuit role the Settlement phase proves against.
const CircuitSettlement = "settlement"

const (
	defaultConfirmTimeout = 2 * time.Minute
	defaultPollInterval   = 3 * time.Second
	defaultProveTimeout   = 10 * time.Minute
	defaultInterval       = 30 * time.Second
)

// StrategyConfig is the whole persisted document.
type StrategyConfig struct {
	Ethereum    *DomainConfig      `toml:"ethereum,omitempty" yaml:"ethereum,omitempty"`
	Neutron     *DomainConfig      `toml:"neutron,omitempty" yaml:"neutron,omitempty"`
	Settlement  *DomainConfig      `toml:"settlement,omitempty" yaml:"settlement,omitempty"`
	Coprocessor *CoprocessorConfig `toml:"coprocessor,omitempty" yaml:"coprocessor,omitempty"`
	Engine      EngineConfig       `toml:"engine" yaml:"engine"`
	Cursor      Cursor             `toml:"cursor" yaml:"cursor"`
}

// DomainConfig carries the connection and strategy parameters of one chain.
type DomainConfig struct {
	Kind           string   `toml:"kind" yaml:"kind"`
	Endpoint       string   `toml:"endpoint" yaml:"endpoint"`
	ChainID        string   `toml:"chain_id" yaml:"chain_id"`
	Denom          string   `toml:"denom,omitempty" yaml:"denom,omitempty"`
	Account        string   `toml:"account" yaml:"account"`
	Vault          string   `toml:"vault,omitempty" yaml:"vault,omitempty"`
	Asset          string   `toml:"asset,omitempty" yaml:"asset,omitempty"`
	AssetDecimals  int32    `toml:"asset_decimals,omitempty" yaml:"asset_decimals,omitempty"`
	MinDeposit     string   `toml:"min_deposit,omitempty" yaml:"min_deposit,omitempty"`
	Confirmations  uint64   `toml:"confirmations,omitempty" yaml:"confirmations,omitempty"`
	ConfirmTimeout Duration `toml:"confirm_timeout" yaml:"confirm_timeout"`
	PollInterval   Duration `toml:"poll_interval" yaml:"poll_interval"`
	GasLimit       uint64   `toml:"gas_limit,omitempty" yaml:"gas_limit,omitempty"`
	SignerURL      string   `toml:"signer_url,omitempty" yaml:"signer_url,omitempty"`
	PositionPath   string   `toml:"position_path,omitempty" yaml:"position_path,omitempty"`
}

// CoprocessorConfig names the prover endpoint and the circuits it is asked for.
type CoprocessorConfig struct {
	URL               string            `toml:"url" yaml:"url"`
	Circuits          map[string]string `toml:"circuits" yaml:"circuits"`
	PollInterval      Duration          `toml:"poll_interval" yaml:"poll_interval"`
	Timeout           Duration          `toml:"timeout" yaml:"timeout"`
	RequestsPerSecond float64           `toml:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	Verifier          string            `toml:"verifier" yaml:"verifier"`
	AttestationKey    string            `toml:"attestation_key,omitempty" yaml:"attestation_key,omitempty"`
}

// EngineConfig controls the cycle. A nil Interval means the key was absent;
// an explicit zero means Sentry does not wait.
type EngineConfig struct {
	Interval         *Duration `toml:"interval,omitempty" yaml:"interval,omitempty"`
	SettlementDomain string    `toml:"settlement_domain" yaml:"settlement_domain"`
}

// Wait is how long Sentry holds the cycle.
func (e EngineConfig) Wait() time.Duration {
	if e.Interval == nil {
		return defaultInterval
	}
	return e.Interval.Std()
}

// Cursor is the only state the engine mutates.
type Cursor struct {
	SettlementNonce uint64 `toml:"settlement_nonce" yaml:"settlement_nonce"`
}

// Domain looks up a section by name.
func (c *StrategyConfig) Domain(name string) (*DomainConfig, bool) {
	var d *DomainConfig
	switch name {
	case DomainEthereum:
		d = c.Ethereum
	case DomainNeutron:
		d = c.Neutron
	case DomainSettlement:
		d = c.Settlement
	}
	return d, d != nil
}

// Circuit returns the circuit id configured for role.
func (c *StrategyConfig) Circuit(role string) (string, bool) {
	if c.Coprocessor == nil {
		return "", false
	}
	id, ok := c.Coprocessor.Circuits[role]
	return id, ok && id != ""
}

// Clone returns a deep copy, so a cursor update never aliases the running config.
func (c *StrategyConfig) Clone() *StrategyConfig {
	out := *c
	cloneDomain := func(d *DomainConfig) *DomainConfig {
		if d == nil {
			return nil
		}
		cp := *d
		return &cp
	}
	out.Ethereum = cloneDomain(c.Ethereum)
	out.Neutron = cloneDomain(c.Neutron)
	out.Settlement = cloneDomain(c.Settlement)
	if c.Coprocessor != nil {
		cp := *c.Coprocessor
		cp.Circuits = make(map[string]string, len(c.Coprocessor.Circuits))
		for k, v := range c.Coprocessor.Circuits {
			cp.Circuits[k] = v
		}
		out.Coprocessor = &cp
	}
	if c.Engine.Interval != nil {
		iv := *c.Engine.Interval
		out.Engine.Interval = &iv
	}
	return &out
}

// ApplyDefaults fills zero-valued optional fields. It is idempotent.
func (c *StrategyConfig) ApplyDefaults() {
	defaultKind := map[string]string{
		DomainEthereum: KindEVM,
		DomainNeutron:  KindCosmos,
	}
	for _, name := range []string{DomainEthereum, DomainNeutron, DomainSettlement} {
		d, ok := c.Domain(name)
		if !ok {
			continue
		}
		if d.Kind == "" {
			d.Kind = defaultKind[name]
		}
		if d.ConfirmTimeout == 0 {
			d.ConfirmTimeout = Duration(defaultConfirmTimeout)
		}
		if d.PollInterval == 0 {
			d.PollInterval = Duration(defaultPollInterval)
		}
		if d.Kind == KindEVM && d.Confirmations == 0 {
			d.Confirmations = 1
		}
	}
	if c.Coprocessor != nil {
		if c.Coprocessor.PollInterval == 0 {
			c.Coprocessor.PollInterval = Duration(defaultPollInterval)
		}
		if c.Coprocessor.Timeout == 0 {
			c.Coprocessor.Timeout = Duration(defaultProveTimeout)
		}
		if c.Coprocessor.Verifier == "" {
			c.Coprocessor.Verifier = VerifierDigest
		}
	}
	if c.Engine.SettlementDomain == "" {
		c.Engine.SettlementDomain = DomainSettlement
	}
	if c.Engine.Interval == nil {
		iv := Duration(defaultInterval)
		c.Engine.Interval = &iv
	}
}

// Validate reports every problem in the document at once.
func (c *StrategyConfig) Validate() error {
	var result *multierror.Error

	for _, name := range []string{DomainEthereum, DomainNeutron} {
		d, ok := c.Domain(name)
		if !ok {
			result = multierror.Append(result, fmt.Errorf("missing [%s] section", name))
			continue
		}
		if err := d.validate(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.Ethereum != nil && c.Ethereum.Kind != KindEVM {
		result = multierror.Append(result, fmt.Errorf("[%s] must be kind %q", DomainEthereum, KindEVM))
	}

	switch sd := c.Engine.SettlementDomain; sd {
	case DomainSettlement:
		if c.Settlement == nil {
			result = multierror.Append(result, fmt.Errorf("missing [%s] section", DomainSettlement))
		} else if err := c.Settlement.validate(DomainSettlement); err != nil {
			result = multierror.Append(result, err)
		}
	case DomainEthereum, DomainNeutron:
		// validated above
	default:
		result = multierror.Append(result, fmt.Errorf("engine.settlement_domain %q is not a known domain", sd))
	}

	if c.Coprocessor == nil {
		result = multierror.Append(result, fmt.Errorf("missing [coprocessor] section"))
	} else if err := c.Coprocessor.validate(); err != nil {
		result = multierror.Append(result, err)
	}

	if c.Engine.Interval != nil && *c.Engine.Interval < 0 {
		result = multierror.Append(result, fmt.Errorf("engine.interval must be non-negative"))
	}
	return result.ErrorOrNil()
}

func (d *DomainConfig) validate(name string) error {
	var result *multierror.Error
	if d.Kind != KindEVM && d.Kind != KindCosmos {
		result = multierror.Append(result, fmt.Errorf("[%s] kind %q must be %q or %q", name, d.Kind, KindEVM, KindCosmos))
	}
	if u, err := url.Parse(d.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("[%s] endpoint %q is not an absolute URL", name, d.Endpoint))
	}
	if d.ChainID == "" {
		result = multierror.Append(result, fmt.Errorf("[%s] chain_id is required", name))
	}
	if d.Account == "" {
		result = multierror.Append(result, fmt.Errorf("[%s] account is required", name))
	} else if err := checkAddress(d.Kind, d.Account); err != nil {
		result = multierror.Append(result, fmt.Errorf("[%s] account: %w", name, err))
	}
	if d.Vault == "" {
		result = multierror.Append(result, fmt.Errorf("[%s] vault is required", name))
	} else if err := checkAddress(d.Kind, d.Vault); err != nil {
		result = multierror.Append(result, fmt.Errorf("[%s] vault: %w", name, err))
	}
	if d.Asset != "" && d.Kind == KindEVM && !common.IsHexAddress(d.Asset) {
		result = multierror.Append(result, fmt.Errorf("[%s] asset %q is not a hex address", name, d.Asset))
	}
	if d.MinDeposit != "" {
		if v, err := decimal.NewFromString(d.MinDeposit); err != nil || v.IsNegative() {
			result = multierror.Append(result, fmt.Errorf("[%s] min_deposit %q must be a non-negative decimal", name, d.MinDeposit))
		}
	}
	if d.AssetDecimals < 0 || d.AssetDecimals > 36 {
		result = multierror.Append(result, fmt.Errorf("[%s] asset_decimals out of range", name))
	}
	if d.ConfirmTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("[%s] confirm_timeout must be positive", name))
	}
	if d.PollInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("[%s] poll_interval must be positive", name))
	}
	if d.Kind == KindCosmos && d.Denom == "" {
		result = multierror.Append(result, fmt.Errorf("[%s] cosmos domains need a denom", name))
	}
	return result.ErrorOrNil()
}

// bech32Shape checks the human-readable prefix and separator only.
var bech32Shape = regexp.MustCompile(`^[a-z]+1[a-z0-9]+$`)

func checkAddress(kind, addr string) error {
	switch kind {
	case KindEVM:
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%q is not a hex address", addr)
		}
	case KindCosmos:
		if !bech32Shape.MatchString(addr) {
			return fmt.Errorf("%q is not a bech32 address", addr)
		}
	}
	return nil
}

func (c *CoprocessorConfig) validate() error {
	var result *multierror.Error
	if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("[coprocessor] url %q is not an absolute URL", c.URL))
	}
	if c.Circuits[CircuitSettlement] == "" {
		result = multierror.Append(result, fmt.Errorf("[coprocessor.circuits] %q circuit is required", CircuitSettlement))
	}
	switch c.Verifier {
	case VerifierDigest:
	case VerifierEd25519:
		if _, err := crypto.ParsePublicKey(c.AttestationKey); err != nil {
			result = multierror.Append(result, fmt.Errorf("[coprocessor] attestation_key: %w", err))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("[coprocessor] verifier %q must be %q or %q", c.Verifier, VerifierDigest, VerifierEd25519))
	}
	if c.RequestsPerSecond < 0 {
		result = multierror.Append(result, fmt.Errorf("[coprocessor] requests_per_second must be non-negative"))
	}
	if c.Timeout <= 0 || c.PollInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("[coprocessor] timeout and poll_interval must be positive"))
	}
	return result.ErrorOrNil()
}

// MinDepositUnits converts min_deposit into base units of the asset.
func (d *DomainConfig) MinDepositUnits() (*big.Int, error) {
	if d.MinDeposit == "" {
		return new(big.Int), nil
	}
	v, err := decimal.NewFromString(d.MinDeposit)
	if err != nil {
		return nil, fmt.Errorf("parsing min_deposit: %w", err)
	}
	return v.Shift(d.AssetDecimals).Truncate(0).BigInt(), nil
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
