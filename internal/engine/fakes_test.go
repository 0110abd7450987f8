package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/domain"
	"github.com/slyt3/strategist/internal/proof"
)

// world is the chain state shared by every fake client of one test.
type world struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	state     map[string]map[string]*big.Int
	submitted []submission
	submitErr error
	awaitErr  error
	// feeReserve is kept back from native deposits, as an EVM client does.
	feeReserve *big.Int
	onAwait   func()
	opened    int
	closed    int
	seq       int
}

type submission struct {
	Domain string
	Action domain.Action
}

func newWorld() *world {
	return &world{
		balances: map[string]*big.Int{},
		state:    map[string]map[string]*big.Int{},
	}
}

func (w *world) setState(dom, query string, v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state[dom] == nil {
		w.state[dom] = map[string]*big.Int{}
	}
	w.state[dom][query] = big.NewInt(v)
}

func (w *world) submissions() []submission {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]submission(nil), w.submitted...)
}

func (w *world) Open(_ context.Context, name string) (domain.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opened++
	return &fakeClient{name: name, w: w}, nil
}

type fakeClient struct {
	name string
	w    *world
}

func (c *fakeClient) Domain() string { return c.name }

func (c *fakeClient) Balance(_ context.Context, _, _ string) (*big.Int, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if b, ok := c.w.balances[c.name]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *fakeClient) State(_ context.Context, q domain.StateQuery) (*big.Int, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if v, ok := c.w.state[c.name][q.Name]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (c *fakeClient) Submit(_ context.Context, a domain.Action) (domain.Receipt, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.w.submitErr != nil {
		return domain.Receipt{}, c.w.submitErr
	}
	c.w.submitted = append(c.w.submitted, submission{Domain: c.name, Action: a})
	c.w.seq++
	var moved *big.Int
	switch a.Method {
	case domain.MethodDeposit:
		if c.w.feeReserve != nil {
			moved = new(big.Int).Sub(a.Amount, c.w.feeReserve)
		}
		c.w.balances[c.name] = new(big.Int)
	case domain.MethodUpdate:
		if c.w.state[c.name] == nil {
			c.w.state[c.name] = map[string]*big.Int{}
		}
		c.w.state[c.name][domain.QueryRecordedAssets] = new(big.Int).Set(a.Amount)
	}
	return domain.Receipt{Domain: c.name, TxHash: fmt.Sprintf("0xtx%d", c.w.seq), SubmittedAt: time.Now(), Amount: moved}, nil
}

func (c *fakeClient) AwaitConfirmation(ctx context.Context, r domain.Receipt) (domain.Confirmation, error) {
	c.w.mu.Lock()
	hook, err := c.w.onAwait, c.w.awaitErr
	c.w.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return domain.Confirmation{}, err
	}
	if ctx.Err() != nil {
		return domain.Confirmation{}, ctx.Err()
	}
	return domain.Confirmation{TxHash: r.TxHash, Height: 100}, nil
}

func (c *fakeClient) Close() error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.closed++
	return nil
}

type fakeProver struct {
	mu    sync.Mutex
	calls int
	fn    func(claim proof.Claim) (proof.Proof, error)
}

func (p *fakeProver) Prove(_ context.Context, _ string, claim proof.Claim) (proof.Proof, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(claim)
	}
	digest, err := claim.Digest()
	if err != nil {
		return proof.Proof{}, err
	}
	return proof.Encode([]byte("zk-proof"), digest[:]), nil
}

type rejectVerifier struct{}

func (rejectVerifier) Verify(_ context.Context, circuit string, _, _ []byte, _ proof.Claim) error {
	return &proof.VerificationError{Circuit: circuit, Reason: "stub rejects every proof"}
}

type fakeStore struct {
	mu    sync.Mutex
	saves []*config.StrategyConfig
	err   error
}

func (s *fakeStore) Save(cfg *config.StrategyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves = append(s.saves, cfg.Clone())
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) started() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, ev := range r.events {
		if ev.Kind == EventPhaseStarted {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func (r *recorder) outcome(p Phase) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if ev := r.events[i]; ev.Kind == EventPhaseOutcome && ev.Phase == p {
			return ev.Outcome, true
		}
	}
	return Outcome{}, false
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig() *config.StrategyConfig {
	cfg := &config.StrategyConfig{
		Ethereum: &config.DomainConfig{
			Endpoint:   "http://eth.local:8545",
			ChainID:    "1",
			Account:    "0x00000000000000000000000000000000000000aa",
			Vault:      "0x00000000000000000000000000000000000000bb",
			MinDeposit: "10",
		},
		Neutron: &config.DomainConfig{
			Endpoint: "http://neutron.local:1317",
			ChainID:  "neutron-1",
			Denom:    "untrn",
			Account:  "neutron1strategist",
			Vault:    "neutron1vault",
		},
		Settlement: &config.DomainConfig{
			Kind:     config.KindEVM,
			Endpoint: "http://settle.local:8545",
			ChainID:  "10",
			Account:  "0x00000000000000000000000000000000000000aa",
			Vault:    "0x00000000000000000000000000000000000000cc",
		},
		Coprocessor: &config.CoprocessorConfig{
			URL:      "http://prover.local",
			Circuits: map[string]string{config.CircuitSettlement: "vault-settlement-v1"},
		},
		Engine: config.EngineConfig{Interval: new(config.Duration)},
	}
	cfg.ApplyDefaults()
	return cfg
}

type harness struct {
	cfg    *config.StrategyConfig
	world  *world
	prover *fakeProver
	store  *fakeStore
	rec    *recorder
	deps   Deps
}

func newHarness() *harness {
	h := &harness{
		cfg:    testConfig(),
		world:  newWorld(),
		prover: &fakeProver{},
		store:  &fakeStore{},
		rec:    &recorder{},
	}
	h.deps = Deps{
		Store:     h.store,
		Domains:   h.world,
		Prover:    h.prover,
		Verifier:  proof.DigestVerifier{},
		Observers: []Observer{h.rec},
	}
	return h
}

func (h *harness) engine() *Engine {
	e, err := New(h.cfg, h.deps)
	if err != nil {
		panic(err)
	}
	return e
}

var errNodeDown = errors.New("node unreachable")
