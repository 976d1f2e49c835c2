package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fluxorio/wtp/pkg/core"
	"github.com/fluxorio/wtp/pkg/core/failfast"
)

// errWorkerCancelled is the cancellation cause set by CancelAll
var errWorkerCancelled = errors.New("worker cancelled")

// Batch is the per-worker dequeue buffer. DoWork fills Items up to Cap and
// advances Done as items complete; whatever lies past Done when a worker is
// cancelled is handed to OnWorkerCancel.
type Batch struct {
	Items []any
	Done  int
	max   int
}

func newBatch(max int) *Batch {
	return &Batch{Items: make([]any, 0, max), max: max}
}

// Cap returns the maximum number of items per dequeue
func (b *Batch) Cap() int { return b.max }

// Len returns the number of dequeued items
func (b *Batch) Len() int { return len(b.Items) }

// Add appends item, returns false if the batch is full
func (b *Batch) Add(item any) bool {
	if len(b.Items) >= b.max {
		return false
	}
	b.Items = append(b.Items, item)
	return true
}

// Pending returns the items not processed yet
func (b *Batch) Pending() []any {
	if b.Done >= len(b.Items) {
		return nil
	}
	return b.Items[b.Done:]
}

// Reset empties the batch and drops references to its items
func (b *Batch) Reset() {
	clear(b.Items)
	b.Items = b.Items[:0]
	b.Done = 0
}

// Worker is one slot of a Pool. A slot is reused across runs; each run gets
// a fresh context and run id.
type Worker struct {
	pool          *Pool
	index         int
	dbgHdr        string
	state         atomic.Int32
	alwaysRunning atomic.Bool
	batch         *Batch
	log           dbgLogger
	runID         atomic.Pointer[string]

	// guarded by pool.mu
	cancel context.CancelCauseFunc
}

func newWorker() *Worker {
	return &Worker{}
}

func (w *Worker) setDbgHdr(hdr string) {
	w.dbgHdr = hdr
}

func (w *Worker) setPool(p *Pool, index int) {
	failfast.NotNil(p, "pool")
	w.pool = p
	w.index = index
}

// constructFinalize sizes the batch from the pool callbacks
func (w *Worker) constructFinalize() error {
	p := w.pool
	n, err := p.callbacks.GetDequeueBatchSize()
	if err != nil {
		return fmt.Errorf("dequeue batch size: %w", err)
	}
	if n < 1 {
		return fmt.Errorf("%w: dequeue batch size %d", ErrInvalidParam, n)
	}
	w.batch = newBatch(n)
	w.log = newDbgLogger(w.dbgHdr, p.logger)
	return nil
}

func (w *Worker) destruct() {
	w.batch = nil
	w.cancel = nil
	w.pool = nil
}

// start moves a stopped slot to running. Called with pool.mu held.
func (w *Worker) start(cancel context.CancelCauseFunc) {
	w.state.Store(int32(WorkerRunning))
	w.cancel = cancel
	id := core.NewRunID()
	w.runID.Store(&id)
	w.batch.Reset()
}

// stop moves a running slot to stopped and releases the run context. Called
// with pool.mu held. Returns false if the slot was not running.
func (w *Worker) stop() bool {
	if !w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerStopped)) {
		return false
	}
	if w.cancel != nil {
		w.cancel(nil)
		w.cancel = nil
	}
	return true
}

// cancelThread cancels the current run, if any. Called with pool.mu held.
func (w *Worker) cancelThread() {
	if w.cancel != nil && w.State() == WorkerRunning {
		w.log.Debugf("cancelling worker run %s", w.RunID())
		w.cancel(errWorkerCancelled)
	}
}

func (w *Worker) setAlwaysRunning() {
	w.alwaysRunning.Store(true)
}

// State returns whether the slot is running
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// AlwaysRunning reports whether the slot ignores the idle timeout. Once set
// it stays set for the lifetime of the pool.
func (w *Worker) AlwaysRunning() bool {
	return w.alwaysRunning.Load()
}

// Index returns the slot number
func (w *Worker) Index() int { return w.index }

// DbgHdr returns the worker label
func (w *Worker) DbgHdr() string { return w.dbgHdr }

// Batch returns the dequeue buffer of this worker
func (w *Worker) Batch() *Batch { return w.batch }

// Pool returns the owning pool
func (w *Worker) Pool() *Pool { return w.pool }

// RunID identifies the current or last run of this slot, "" before the
// first start. It stays readable after Destruct.
func (w *Worker) RunID() string {
	if id := w.runID.Load(); id != nil {
		return *id
	}
	return ""
}

// run executes one worker lifetime on the calling goroutine
func (w *Worker) run(ctx context.Context) {
	p := w.pool
	cb := p.callbacks

	if err := cb.OnWorkerStartup(); err != nil && !errors.Is(err, ErrNotImplemented) {
		w.log.Warnf("worker startup callback failed: %v", err)
	}

	// a cancelled worker may be parked on the busy condition
	stopWake := context.AfterFunc(ctx, p.WakeupAllWorkers)
	err := w.loop(ctx)
	stopWake()

	if errors.Is(context.Cause(ctx), errWorkerCancelled) {
		w.log.Debugf("worker cancelled with %d pending item(s)", len(w.batch.Pending()))
		if err := cb.OnWorkerCancel(w.batch); err != nil && !errors.Is(err, ErrNotImplemented) {
			w.log.Warnf("worker cancel callback failed: %v", err)
		}
		return
	}

	if err != nil {
		w.log.Errorf("worker terminated: %v", err)
	}
	if err := cb.OnWorkerShutdown(); err != nil && !errors.Is(err, ErrNotImplemented) {
		w.log.Warnf("worker shutdown callback failed: %v", err)
	}
}

// loop is the worker main loop. Each iteration holds the user mutex from the
// stop check until the iteration ends, except while DoWork chooses to drop it
// or the worker waits on the busy condition.
func (w *Worker) loop(ctx context.Context) error {
	p := w.pool
	cb := p.callbacks
	limiter, _ := cb.(RateLimiter)

	timedOut := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.RateLimit(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.log.Debugf("rate limiter: %v", err)
			}
		}

		p.mutUsr.Lock()

		term := p.CheckShouldStop(false)
		if errors.Is(term, ErrTerminateNow) {
			w.itemProcessed()
			p.mutUsr.Unlock()
			w.log.Debugf("terminating worker because of immediate shutdown")
			return nil
		}

		idle, err := cb.IsIdle(p)
		if err != nil && !errors.Is(err, ErrNotImplemented) {
			w.log.Debugf("idle check failed: %v", err)
		}

		if !idle {
			err := cb.DoWork(ctx, w)
			switch {
			case err == nil:
				w.itemProcessed()
			case errors.Is(err, ErrIdle):
				idle = true
			case errors.Is(err, ErrNotImplemented):
				p.mutUsr.Unlock()
				return fmt.Errorf("no work callback bound: %w", err)
			case ctx.Err() != nil:
				// keep the batch for OnWorkerCancel
				p.mutUsr.Unlock()
				return ctx.Err()
			default:
				w.log.Errorf("processing batch failed: %v", err)
				w.itemProcessed()
			}
		}

		if idle {
			if errors.Is(term, ErrTerminateWhenIdle) || timedOut {
				p.mutUsr.Unlock()
				w.log.Debugf("terminating worker, idle and told to stop")
				return nil
			}
			timedOut = w.idleWait(ctx)
			p.mutUsr.Unlock()
			continue
		}

		p.mutUsr.Unlock()
		timedOut = false
	}
}

func (w *Worker) itemProcessed() {
	if err := w.pool.callbacks.OnItemProcessed(w); err != nil && !errors.Is(err, ErrNotImplemented) {
		w.log.Warnf("item processed callback failed: %v", err)
	}
}

// idleWait blocks on the busy condition. Called with the user mutex held.
// Returns true if the idle timeout expired without a wakeup.
func (w *Worker) idleWait(ctx context.Context) bool {
	p := w.pool

	if err := p.callbacks.OnIdle(IdleMutexLocked); err != nil && !errors.Is(err, ErrNotImplemented) {
		w.log.Debugf("idle callback failed: %v", err)
	}
	if ctx.Err() != nil {
		return false
	}

	if w.AlwaysRunning() {
		p.condBusy.Wait()
		return false
	}

	to := p.workerShutdownTimeout
	if to <= 0 {
		return true
	}
	deadline := time.Now().Add(to)
	t := time.AfterFunc(to, p.WakeupAllWorkers)
	p.condBusy.Wait()
	t.Stop()
	return !time.Now().Before(deadline)
}
