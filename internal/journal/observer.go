package journal

import (
	"time"

	"github.com/slyt3/strategist/internal/engine"
	"github.com/slyt3/strategist/internal/models"
	"github.com/slyt3/strategist/internal/pool"
)

// Submitter accepts entries for sealing. *Worker implements it.
type Submitter interface {
	Submit(e *models.Entry)
}

// Observer journals engine events.
type Observer struct {
	sink Submitter
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver returns an engine observer writing to sink.
func NewObserver(sink Submitter) *Observer {
	return &Observer{sink: sink}
}

// Observe implements engine.Observer.
func (o *Observer) Observe(ev engine.Event) {
	e := pool.GetEntry()
	e.Timestamp = ev.At
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.CycleID = ev.CycleID
	e.Params["cycle"] = ev.Cycle

	switch ev.Kind {
	case engine.EventPhaseStarted:
		e.Kind = models.KindPhaseStarted
		e.Phase = ev.Phase.String()
	case engine.EventPhaseOutcome:
		e.Kind = models.KindPhaseOutcome
		e.Phase = ev.Phase.String()
		e.Status = string(ev.Outcome.Status)
		e.Detail = ev.Outcome.Detail
		e.TxHash = ev.Outcome.TxHash
		e.Params["duration_ms"] = ev.Duration.Milliseconds()
		if ev.Outcome.Cursor > 0 {
			e.Params["settlement_nonce"] = ev.Outcome.Cursor
		}
	case engine.EventCursorSaved:
		e.Kind = models.KindCursorSaved
		e.Phase = ev.Phase.String()
		e.Params["settlement_nonce"] = ev.Cursor
	case engine.EventStopped:
		e.Kind = models.KindEngineStop
		if ev.Err != nil {
			e.Status = "fatal"
			e.Detail = ev.Err.Error()
		}
	default:
		pool.PutEntry(e)
		return
	}
	o.sink.Submit(e)
}
