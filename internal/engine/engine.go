// Package engine runs the strategist's phase cycle: Sentry, Deposit, Update
// and Settlement, one at a time, forever. Each phase opens the domain
// clients it needs, does one action, and reports an Outcome. Failures are
// contained in the phase; only configuration errors stop the engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slyt3/strategist/internal/assert"
	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/coprocessor"
	"github.com/slyt3/strategist/internal/domain"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/proof"
)

// Status is the result class of one phase run.
type Status string

const (
	StatusDone    Status = "done"
	StatusNoop    Status = "noop"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
)

// Outcome is what a phase reports when it returns.
type Outcome struct {
	Phase  Phase
	Status Status
	Detail string
	TxHash string
	// Cursor is the confirmed settlement nonce, set only by a done settlement.
	Cursor uint64
	Err    error

	endCycle bool
}

// EventKind tags an Event.
type EventKind int

const (
	EventPhaseStarted EventKind = iota
	EventPhaseOutcome
	EventCursorSaved
	EventStopped
)

// Event is emitted to every Observer. Outcome is set for outcome events,
// Cursor for cursor events and Err for a stop caused by a fatal error.
type Event struct {
	Kind     EventKind
	CycleID  string
	Cycle    uint64
	Phase    Phase
	At       time.Time
	Duration time.Duration
	Outcome  Outcome
	Cursor   uint64
	Err      error
}

// Observer receives phase events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// ConfigSaver persists the cursor. *config.Store implements it.
type ConfigSaver interface {
	Save(cfg *config.StrategyConfig) error
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Store     ConfigSaver
	Domains   domain.Resolver
	Prover    coprocessor.Prover
	Verifier  proof.Verifier
	Schedule  Schedule
	Observers []Observer
}

// Snapshot is the engine's externally visible state.
type Snapshot struct {
	Running     bool       `json:"running"`
	CycleID     string     `json:"cycle_id,omitempty"`
	Cycle       uint64     `json:"cycle"`
	Phase       string     `json:"phase,omitempty"`
	PhaseSince  *time.Time `json:"phase_since,omitempty"`
	Cursor      uint64     `json:"settlement_nonce"`
	LastPhase   string     `json:"last_phase,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	LastDetail  string     `json:"last_detail,omitempty"`
	LastTxHash  string     `json:"last_tx_hash,omitempty"`
	LastOutcome *time.Time `json:"last_outcome_at,omitempty"`
}

const maxCycles = 1 << 62

// Engine is the phase state machine. It holds only configuration; clients
// are opened per phase through the resolver.
type Engine struct {
	deps     Deps
	schedule Schedule

	mu    sync.RWMutex
	cfg   *config.StrategyConfig
	snap  Snapshot
	cycle uint64
}

// New validates the schedule and returns an engine over cfg.
func New(cfg *config.StrategyConfig, deps Deps) (*Engine, error) {
	if err := assert.NotNil(cfg, "config"); err != nil {
		return nil, err
	}
	if err := assert.Check(deps.Store != nil && deps.Domains != nil, "engine needs a config store and a domain resolver"); err != nil {
		return nil, err
	}
	schedule := deps.Schedule
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	if err := schedule.validate(); err != nil {
		return nil, err
	}
	e := &Engine{deps: deps, schedule: schedule, cfg: cfg}
	e.snap.Cursor = cfg.Cursor.SettlementNonce
	return e, nil
}

// Config returns the current configuration snapshot.
func (e *Engine) Config() *config.StrategyConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Snapshot returns the current status.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Run cycles until ctx is cancelled (returns nil) or a configuration error
// stops the engine (returns it). Every run begins at Sentry.
func (e *Engine) Run(ctx context.Context) error {
	e.setRunning(true)
	defer e.setRunning(false)
	logging.Info("engine_started", logging.Fields{Component: "engine", Phase: e.schedule[0].Phase.String()})

	for i := uint64(0); i < maxCycles; i++ {
		if ctx.Err() != nil {
			e.stopped(nil)
			return nil
		}
		if err := e.RunCycle(ctx); err != nil {
			e.stopped(err)
			return err
		}
	}
	return nil
}

// RunCycle traverses the schedule once, starting at Sentry. Cancellation is
// honoured at phase boundaries and during the Sentry wait.
func (e *Engine) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	e.mu.Lock()
	e.cycle++
	cycle := e.cycle
	e.snap.CycleID, e.snap.Cycle = cycleID, cycle
	e.mu.Unlock()

	idx := 0
	for step := 0; step < len(e.schedule); step++ {
		if step > 0 && ctx.Err() != nil {
			logging.Info("cycle_interrupted", logging.Fields{Component: "engine", CycleID: cycleID, Phase: e.schedule[idx].Phase.String()})
			return nil
		}
		out, err := e.runPhase(ctx, cycleID, cycle, e.schedule[idx])
		if err != nil {
			return err
		}
		if out.endCycle {
			logging.Warn("cycle_ended_early", logging.Fields{Component: "engine", CycleID: cycleID, Phase: out.Phase.String(), Detail: out.Detail})
			return nil
		}
		idx = e.schedule.Next(idx)
	}
	return nil
}

func (e *Engine) runPhase(ctx context.Context, cycleID string, cycle uint64, spec PhaseSpec) (Outcome, error) {
	cfg := e.Config()
	fields := logging.Fields{Component: "engine", CycleID: cycleID, Phase: spec.Phase.String()}

	start := time.Now()
	e.mu.Lock()
	e.snap.Phase, e.snap.PhaseSince = spec.Phase.String(), &start
	e.mu.Unlock()
	logging.Info("phase_started", fields)
	e.emit(Event{Kind: EventPhaseStarted, CycleID: cycleID, Cycle: cycle, Phase: spec.Phase, At: start})

	out, fatal := e.dispatch(ctx, cfg, spec)
	out.Phase = spec.Phase
	elapsed := time.Since(start)

	e.logOutcome(fields, out)
	e.mu.Lock()
	e.snap.LastPhase, e.snap.LastStatus, e.snap.LastDetail = spec.Phase.String(), string(out.Status), out.Detail
	finished := time.Now()
	e.snap.LastTxHash, e.snap.LastOutcome = out.TxHash, &finished
	e.mu.Unlock()
	e.emit(Event{Kind: EventPhaseOutcome, CycleID: cycleID, Cycle: cycle, Phase: spec.Phase, At: finished, Duration: elapsed, Outcome: out})
	if fatal != nil {
		return out, fatal
	}

	if out.Status == StatusDone && out.Cursor > cfg.Cursor.SettlementNonce {
		if err := e.saveCursor(cfg, out.Cursor); err != nil {
			logging.Critical("cursor_save_failed", logging.Fields{Component: "engine", CycleID: cycleID, Phase: spec.Phase.String(), Error: err.Error()})
			return out, err
		}
		logging.Info("cursor_saved", logging.Fields{Component: "engine", CycleID: cycleID, Phase: spec.Phase.String(), Detail: fmt.Sprintf("settlement_nonce=%d", out.Cursor)})
		e.emit(Event{Kind: EventCursorSaved, CycleID: cycleID, Cycle: cycle, Phase: spec.Phase, At: time.Now(), Cursor: out.Cursor})
	}
	return out, nil
}

// dispatch runs one phase and classifies its error. The returned error is
// non-nil only for configuration failures.
func (e *Engine) dispatch(ctx context.Context, cfg *config.StrategyConfig, spec PhaseSpec) (Outcome, error) {
	var out Outcome
	for _, name := range spec.Domains(cfg) {
		if _, ok := cfg.Domain(name); !ok {
			err := &config.ConfigError{Path: name, Err: fmt.Errorf("%s phase needs a [%s] section", spec.Phase, name)}
			return classify(out, err), err
		}
	}

	var sub submitter = direct{}
	if spec.ProofGated {
		circuit, ok := cfg.Circuit(spec.CircuitRole)
		if !ok {
			err := &config.ConfigError{Path: "coprocessor.circuits", Err: fmt.Errorf("no %q circuit for gated phase %s", spec.CircuitRole, spec.Phase)}
			return classify(out, err), err
		}
		sub = gated{circuit: circuit}
	}

	// Phases that may submit run detached from shutdown so a submitted action
	// is always awaited to confirmation or its own timeout.
	pctx := context.WithoutCancel(ctx)

	var err error
	switch spec.Phase {
	case Sentry:
		err = e.sentry(ctx, cfg, &out)
	case Deposit:
		err = e.deposit(pctx, cfg, sub, &out)
	case Update:
		err = e.update(pctx, cfg, sub, &out)
	case Settlement:
		err = e.settle(pctx, cfg, sub, &out)
	default:
		err = &config.ConfigError{Path: "schedule", Err: fmt.Errorf("no behaviour for %s", spec.Phase)}
	}

	out = classify(out, err)
	var cerr *config.ConfigError
	if errors.As(err, &cerr) {
		return out, err
	}
	return out, nil
}

// classify maps err onto the outcome status.
func classify(out Outcome, err error) Outcome {
	if err == nil {
		if out.Status == "" {
			out.Status = StatusDone
		}
		return out
	}
	out.Err = err
	out.Detail = err.Error()

	var decErr *proof.DecodeError
	var verErr *proof.VerificationError
	switch {
	case errors.As(err, &decErr):
		out.Status = StatusAborted
		out.endCycle = true
	case errors.As(err, &verErr):
		out.Status = StatusAborted
	default:
		// ConfigError, SubmissionError, TimeoutError, ProverError and
		// anything unclassified.
		out.Status = StatusFailed
	}
	out.Cursor = 0
	return out
}

func (e *Engine) logOutcome(fields logging.Fields, out Outcome) {
	fields.Status = string(out.Status)
	fields.Detail = out.Detail
	fields.TxHash = out.TxHash
	msg := "phase_" + string(out.Status)
	switch out.Status {
	case StatusDone, StatusNoop:
		logging.Info(msg, fields)
	case StatusAborted:
		if out.Err != nil {
			fields.Error = out.Err.Error()
		}
		logging.Error(msg, fields)
	default:
		if out.Err != nil {
			fields.Error = out.Err.Error()
		}
		var cerr *config.ConfigError
		if errors.As(out.Err, &cerr) {
			logging.Critical(msg, fields)
			return
		}
		logging.Warn(msg, fields)
	}
}

func (e *Engine) saveCursor(cfg *config.StrategyConfig, nonce uint64) error {
	next := cfg.Clone()
	next.Cursor.SettlementNonce = nonce
	if err := e.deps.Store.Save(next); err != nil {
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			return err
		}
		return &config.ConfigError{Path: "cursor", Err: err}
	}
	e.mu.Lock()
	e.cfg = next
	e.snap.Cursor = nonce
	e.mu.Unlock()
	return nil
}

func (e *Engine) emit(ev Event) {
	for _, o := range e.deps.Observers {
		o.Observe(ev)
	}
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.snap.Running = v
	if !v {
		e.snap.Phase, e.snap.PhaseSince = "", nil
	}
	e.mu.Unlock()
}

func (e *Engine) stopped(err error) {
	fields := logging.Fields{Component: "engine"}
	if err != nil {
		fields.Error = err.Error()
		logging.Critical("engine_stopped", fields)
	} else {
		logging.Info("engine_stopped", fields)
	}
	e.mu.RLock()
	cycleID, cycle := e.snap.CycleID, e.snap.Cycle
	e.mu.RUnlock()
	e.emit(Event{Kind: EventStopped, CycleID: cycleID, Cycle: cycle, At: time.Now(), Err: err})
}
