package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slyt3/strategist/internal/assert"
	"github.com/slyt3/strategist/internal/crypto"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/models"
	"github.com/slyt3/strategist/internal/pool"
	"github.com/slyt3/strategist/internal/ring"
)

// BackpressureMode decides what Submit does when the queue is full.
type BackpressureMode int

const (
	// BackpressureDrop drops the entry and counts it. The engine never waits
	// on the journal.
	BackpressureDrop BackpressureMode = iota
	// BackpressureBlock waits a bounded time for room, then drops.
	BackpressureBlock
)

// DefaultAnchorInterval is how often a running worker records a chain head.
const DefaultAnchorInterval = 10 * time.Minute

const (
	maxAnchorTicks    = 1 << 30
	maxSignalBatches  = 1 << 30
	maxDrainEntries   = 1 << 20
	maxShutdownTicks  = 1 << 12
	maxBlockAttempts  = 1000
	maxLatencyBuckets = 7
	anchorTimeout     = 30 * time.Second
)

var latencyBucketUpperNs = [maxLatencyBuckets]uint64{
	uint64(time.Millisecond),
	5 * uint64(time.Millisecond),
	10 * uint64(time.Millisecond),
	25 * uint64(time.Millisecond),
	50 * uint64(time.Millisecond),
	100 * uint64(time.Millisecond),
	^uint64(0),
}

// LatencySnapshot is a histogram of per-entry seal+store latency.
type LatencySnapshot struct {
	BoundsNs [maxLatencyBuckets]uint64
	Counts   [maxLatencyBuckets]uint64
	SumNs    uint64
	Count    uint64
}

// Worker seals and stores entries on a background goroutine. Each Start
// opens a new run.
type Worker struct {
	queue     *ring.Buffer[*models.Entry]
	signal    chan struct{}
	quit      chan struct{}
	repo      Repository
	signer    *crypto.Signer
	processor *Processor
	runID     string
	mode      BackpressureMode

	anchorer       Anchorer
	anchorInterval time.Duration
	cancelAnchor   context.CancelFunc

	unhealthy      atomic.Bool
	processed      atomic.Uint64
	dropped        atomic.Uint64
	blocked        atomic.Uint64
	latencySumNs   atomic.Uint64
	latencyCount   atomic.Uint64
	latencyBuckets [maxLatencyBuckets]atomic.Uint64
	closing        atomic.Bool

	drainMu      sync.Mutex
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewWorker returns a stopped worker with a queue of bufferSize entries,
// signing with the Ed25519 key at keyPath (created if missing).
func NewWorker(bufferSize int, repo Repository, keyPath string) (*Worker, error) {
	if err := assert.Check(bufferSize > 0, "buffer size must be positive"); err != nil {
		return nil, err
	}
	if err := assert.Check(repo != nil, "journal repository missing"); err != nil {
		return nil, err
	}
	if err := assert.Check(keyPath != "", "key path must not be empty"); err != nil {
		return nil, err
	}

	signer, err := crypto.NewSigner(keyPath)
	if err != nil {
		return nil, fmt.Errorf("initializing journal signer: %w", err)
	}
	q, err := ring.New[*models.Entry](bufferSize)
	if err != nil {
		return nil, err
	}
	return &Worker{
		queue:          q,
		signal:         make(chan struct{}, 1),
		quit:           make(chan struct{}),
		repo:           repo,
		signer:         signer,
		mode:           BackpressureDrop,
		anchorInterval: DefaultAnchorInterval,
	}, nil
}

// SetBackpressureMode must be called before Start.
func (w *Worker) SetBackpressureMode(mode BackpressureMode) error {
	if err := assert.Check(mode == BackpressureDrop || mode == BackpressureBlock, "invalid backpressure mode %d", mode); err != nil {
		return err
	}
	w.mode = mode
	label := "drop"
	if mode == BackpressureBlock {
		label = "block"
	}
	logging.Info("journal_backpressure_set", logging.Fields{Component: "journal", Detail: label})
	return nil
}

// BackpressureMode returns the configured mode.
func (w *Worker) BackpressureMode() BackpressureMode {
	return w.mode
}

// SetAnchorer enables periodic anchor entries. It must be called before Start.
func (w *Worker) SetAnchorer(a Anchorer, every time.Duration) error {
	if err := assert.Check(every > 0, "anchor interval must be positive"); err != nil {
		return err
	}
	w.anchorer = a
	w.anchorInterval = every
	return nil
}

// Signer returns the journal signing key.
func (w *Worker) Signer() *crypto.Signer { return w.signer }

// RunID is the run opened by Start.
func (w *Worker) RunID() string { return w.runID }

// LastOutcome returns the most recent phase outcome across all runs.
func (w *Worker) LastOutcome() (*models.Entry, error) { return w.repo.LastOutcome() }

// IsHealthy is false once any entry failed to persist.
func (w *Worker) IsHealthy() bool {
	return !w.unhealthy.Load()
}

// Start writes a genesis entry for a new run and starts the background loops.
func (w *Worker) Start(ctx context.Context, strategist string) error {
	if err := assert.Check(w.processor == nil, "worker already started"); err != nil {
		return err
	}
	runID, err := CreateGenesis(ctx, w.repo, w.signer, strategist, w.anchorer)
	if err != nil {
		return fmt.Errorf("creating genesis: %w", err)
	}
	w.runID = runID
	w.processor = NewProcessor(w.repo, w.signer, runID)
	logging.Info("journal_run_started", logging.Fields{Component: "journal", RunID: runID})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processLoop()
	}()

	if w.anchorer != nil {
		actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w.cancelAnchor = cancel
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.anchorLoop(actx)
		}()
	}
	return nil
}

// RotateKey replaces the signing key, starts a run under the new key and
// records the rotation as its first entry after genesis. It takes the place
// of Start. Earlier runs keep verifying against the key stored with them.
func (w *Worker) RotateKey(ctx context.Context, strategist string) (oldPub, newPub string, err error) {
	if err := assert.Check(w.processor == nil, "key rotation must happen before Start"); err != nil {
		return "", "", err
	}
	oldPub, newPub, err = w.signer.RotateKey()
	if err != nil {
		return "", "", fmt.Errorf("rotating journal key: %w", err)
	}
	if err := w.Start(ctx, strategist); err != nil {
		return oldPub, newPub, fmt.Errorf("key rotated but not journaled: %w", err)
	}

	e := pool.GetEntry()
	e.Kind = models.KindKeyRotated
	e.Timestamp = time.Now()
	e.Detail = "journal signing key replaced"
	e.Params["previous_public_key"] = oldPub
	e.Params["public_key"] = newPub
	w.Submit(e)
	logging.Info("journal_key_rotated", logging.Fields{Component: "journal", RunID: w.runID, Detail: newPub})
	return oldPub, newPub, nil
}

// Submit queues e. It never blocks in drop mode; in block mode it waits up
// to roughly maxBlockAttempts milliseconds. The worker owns e afterwards and
// returns it to the pool once stored.
func (w *Worker) Submit(e *models.Entry) {
	if err := assert.NotNil(e, "entry"); err != nil {
		return
	}
	if w.closing.Load() {
		w.drop(e, "journal_entry_dropped_shutdown")
		return
	}

	if w.mode == BackpressureBlock {
		for i := 0; i < maxBlockAttempts && w.queue.IsFull(); i++ {
			if w.closing.Load() {
				w.drop(e, "journal_entry_dropped_shutdown")
				return
			}
			w.blocked.Add(1)
			time.Sleep(time.Millisecond)
		}
	}

	if err := w.queue.Push(e); err != nil {
		w.drop(e, "journal_entry_dropped_backpressure")
		return
	}
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Worker) drop(e *models.Entry, msg string) {
	w.dropped.Add(1)
	logging.Warn(msg, logging.Fields{Component: "journal", CycleID: e.CycleID, Phase: e.Phase, Detail: e.Kind})
	pool.PutEntry(e)
}

// Stats returns processed and dropped counts.
func (w *Worker) Stats() (processed, dropped uint64) {
	return w.processed.Load(), w.dropped.Load()
}

// BlockedSubmits counts the waits performed in block mode.
func (w *Worker) BlockedSubmits() uint64 {
	return w.blocked.Load()
}

// QueueDepth returns the queue length and capacity.
func (w *Worker) QueueDepth() (int, int) {
	return w.queue.Len(), w.queue.Cap()
}

// LatencyMetrics returns a snapshot of the latency histogram.
func (w *Worker) LatencyMetrics() LatencySnapshot {
	var snap LatencySnapshot
	for i := 0; i < maxLatencyBuckets; i++ {
		snap.BoundsNs[i] = latencyBucketUpperNs[i]
		snap.Counts[i] = w.latencyBuckets[i].Load()
	}
	snap.SumNs = w.latencySumNs.Load()
	snap.Count = w.latencyCount.Load()
	return snap
}

// Shutdown stops accepting entries, waits for the loops, stores whatever is
// still queued and closes the repository.
func (w *Worker) Shutdown(timeout time.Duration) error {
	if err := assert.Check(timeout > 0, "timeout must be positive"); err != nil {
		return err
	}
	w.closing.Store(true)
	w.shutdownOnce.Do(func() {
		if w.cancelAnchor != nil {
			w.cancelAnchor()
		}
		close(w.quit)
	})

	if err := w.waitForStop(timeout); err != nil {
		logging.Warn("journal_shutdown_wait_timeout", logging.Fields{Component: "journal", Error: err.Error()})
	}
	if w.processor != nil {
		w.drain()
	}
	return w.repo.Close()
}

func (w *Worker) waitForStop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	step := timeout / maxShutdownTicks
	if step <= 0 {
		step = time.Millisecond
	}
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for i := 0; i < maxShutdownTicks; i++ {
		select {
		case <-done:
			return nil
		case <-ticker.C:
		}
	}
	return fmt.Errorf("journal worker did not stop within %s", timeout)
}

func (w *Worker) processLoop() {
	for i := 0; i < maxSignalBatches; i++ {
		select {
		case <-w.signal:
			w.drain()
		case <-w.quit:
			return
		}
	}
	_ = assert.Check(false, "journal process loop exceeded max signal batches")
}

func (w *Worker) drain() {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()
	for j := 0; j < maxDrainEntries; j++ {
		e, err := w.queue.Pop()
		if err != nil {
			return
		}
		start := time.Now()
		if err := w.processor.Process(e); err != nil {
			logging.Critical("journal_entry_failed", logging.Fields{
				Component: "journal",
				RunID:     w.runID,
				CycleID:   e.CycleID,
				Phase:     e.Phase,
				Error:     err.Error(),
			})
			w.unhealthy.Store(true)
		}
		w.recordLatency(time.Since(start))
		w.processed.Add(1)
		pool.PutEntry(e)
	}
}

func (w *Worker) anchorLoop(ctx context.Context) {
	ticker := time.NewTicker(w.anchorInterval)
	defer ticker.Stop()

	for i := 0; i < maxAnchorTicks; i++ {
		select {
		case <-ticker.C:
			w.recordAnchor(ctx)
		case <-ctx.Done():
			return
		}
	}
	_ = assert.Check(false, "anchor loop exceeded max ticks")
}

func (w *Worker) recordAnchor(ctx context.Context) {
	actx, cancel := context.WithTimeout(ctx, anchorTimeout)
	defer cancel()
	height, hash, err := w.anchorer.Anchor(actx)
	if err != nil {
		logging.Warn("anchor_fetch_failed", logging.Fields{Component: "journal", RunID: w.runID, Error: err.Error()})
		return
	}
	e := pool.GetEntry()
	e.Timestamp = time.Now()
	e.Kind = models.KindAnchor
	e.Params["anchor_height"] = height
	e.Params["anchor_hash"] = hash
	w.Submit(e)
}

func (w *Worker) recordLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	ns := uint64(d.Nanoseconds())
	for i := 0; i < maxLatencyBuckets; i++ {
		if ns <= latencyBucketUpperNs[i] {
			w.latencyBuckets[i].Add(1)
			break
		}
	}
	w.latencySumNs.Add(ns)
	w.latencyCount.Add(1)
}
