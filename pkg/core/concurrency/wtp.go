package concurrency

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/wtp/pkg/core"
	"github.com/fluxorio/wtp/pkg/core/failfast"
)

// MaxWorkerThreads is the largest slot table ConstructFinalize will allocate
const MaxWorkerThreads = 1 << 16

// RunForever as worker shutdown timeout keeps started workers alive while idle
const RunForever time.Duration = -1

// Pool is a worker thread pool. It owns a fixed table of worker slots and
// starts workers into free slots on demand. What the workers actually do is
// defined entirely by the injected Callbacks.
//
// Usage: NewPool, the Set* methods, ConstructFinalize, then AdviseMaxWorkers
// / ShutdownAll / CancelAll, and finally Destruct once no worker runs.
//
// Each worker is a goroutine locked to its own OS thread. Workers wait for
// work on the busy condition borrowed from the user. Worker termination is
// tracked with an atomic counter and the pool's own termination condition.
type Pool struct {
	numWorkerThreads      int
	curNumWorkers         atomic.Int32
	state                 atomic.Int32
	workers               []*Worker
	workerShutdownTimeout time.Duration
	callbacks             Callbacks

	// mu and condThrdTrm only track workers terminating
	mu          sync.Mutex
	condThrdTrm *sync.Cond

	// borrowed from the user, signals "work may be available"
	mutUsr   sync.Locker
	condBusy *sync.Cond

	dbgHdr    string
	log       dbgLogger
	logger    core.Logger
	observer  Observer
	finalized bool
}

// NewPool constructs an empty pool. Every callback answers ErrNotImplemented
// until SetCallbacks is called.
func NewPool() *Pool {
	p := &Pool{
		callbacks: UnimplementedCallbacks{},
		logger:    core.NewDefaultLogger(),
		observer:  NopObserver{},
	}
	p.condThrdTrm = sync.NewCond(&p.mu)
	p.log = newDbgLogger("", p.logger)
	return p
}

// beforeFinalize runs fn under the pool mutex if the pool is not finalized yet
func (p *Pool) beforeFinalize(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrAlreadyFinalized
	}
	return fn()
}

// SetNumWorkerThreads sets the number of worker slots
func (p *Pool) SetNumWorkerThreads(n int) error {
	return p.beforeFinalize(func() error {
		if n < 0 {
			return fmt.Errorf("%w: negative worker count %d", ErrInvalidParam, n)
		}
		p.numWorkerThreads = n
		return nil
	})
}

// SetWorkerShutdownTimeout sets how long a worker may stay idle before it
// exits. RunForever disables idle exit; the first slot never idles out.
func (p *Pool) SetWorkerShutdownTimeout(d time.Duration) error {
	return p.beforeFinalize(func() error {
		if d < 0 && d != RunForever {
			return fmt.Errorf("%w: worker shutdown timeout %v", ErrInvalidParam, d)
		}
		p.workerShutdownTimeout = d
		return nil
	})
}

// SetUserMutex sets the user mutex guarding the work source
func (p *Pool) SetUserMutex(mu sync.Locker) error {
	return p.beforeFinalize(func() error {
		if mu == nil {
			return fmt.Errorf("%w: nil user mutex", ErrInvalidParam)
		}
		p.mutUsr = mu
		return nil
	})
}

// SetBusyCond sets the condition signalled by the user when work arrives.
// Its L must be the user mutex.
func (p *Pool) SetBusyCond(c *sync.Cond) error {
	return p.beforeFinalize(func() error {
		if c == nil || c.L == nil {
			return fmt.Errorf("%w: nil busy condition", ErrInvalidParam)
		}
		p.condBusy = c
		return nil
	})
}

// SetCallbacks binds the user behaviour
func (p *Pool) SetCallbacks(cb Callbacks) error {
	return p.beforeFinalize(func() error {
		if cb == nil {
			return fmt.Errorf("%w: nil callbacks", ErrInvalidParam)
		}
		p.callbacks = cb
		return nil
	})
}

// SetDbgHdr sets the label used in diagnostics and worker names
func (p *Pool) SetDbgHdr(hdr string) error {
	return p.beforeFinalize(func() error {
		if hdr == "" {
			return fmt.Errorf("%w: empty debug header", ErrInvalidParam)
		}
		p.dbgHdr = hdr
		return nil
	})
}

// SetLogger replaces the default logger
func (p *Pool) SetLogger(logger core.Logger) error {
	return p.beforeFinalize(func() error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidParam)
		}
		p.logger = logger
		return nil
	})
}

// SetObserver installs an Observer for lifecycle events
func (p *Pool) SetObserver(o Observer) error {
	return p.beforeFinalize(func() error {
		if o == nil {
			o = NopObserver{}
		}
		p.observer = o
		return nil
	})
}

// ConstructFinalize allocates and constructs the worker slots. It must be
// called exactly once, after the setters and before any worker is started.
func (p *Pool) ConstructFinalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		return ErrAlreadyFinalized
	}
	p.log = newDbgLogger(p.dbgHdr, p.logger)
	p.log.Debugf("finalizing construction of worker thread pool")

	if p.numWorkerThreads > MaxWorkerThreads {
		return fmt.Errorf("%w: %d worker slots requested, limit is %d",
			ErrOutOfMemory, p.numWorkerThreads, MaxWorkerThreads)
	}

	workers := make([]*Worker, p.numWorkerThreads)
	for i := range workers {
		w := newWorker()
		w.setDbgHdr(fmt.Sprintf("%s/w%d", p.log.hdr, i))
		w.setPool(p, i)
		if err := w.constructFinalize(); err != nil {
			return fmt.Errorf("finalize worker %d: %w", i, err)
		}
		workers[i] = w
	}

	p.workers = workers
	p.finalized = true
	return nil
}

// Destruct tears down all worker slots. No worker may be running.
func (p *Pool) Destruct() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.curNumWorkers.Load(); n > 0 {
		return fmt.Errorf("%w: %d", ErrWorkersRunning, n)
	}
	for _, w := range p.workers {
		w.destruct()
	}
	p.workers = nil
	p.dbgHdr = ""
	return nil
}

// State returns the current pool state
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}

// setState moves the pool forward to s. Writes only happen on the shutdown
// path, the CAS loop keeps them monotonic should two callers race.
func (p *Pool) setState(s PoolState) {
	for {
		cur := p.state.Load()
		if int32(s) <= cur {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// WakeupAllWorkers broadcasts the busy condition so that every waiting
// worker re-checks for work and stop requests. Must not be called with the
// user mutex held.
func (p *Pool) WakeupAllWorkers() {
	if p.mutUsr == nil || p.condBusy == nil {
		return
	}
	p.mutUsr.Lock()
	p.condBusy.Broadcast()
	p.mutUsr.Unlock()
}

// CheckShouldStop reports whether a worker should stop. Pool state wins over
// the user callback: ShutdownImmediate yields ErrTerminateNow, Shutdown
// yields ErrTerminateWhenIdle. A stale read only costs one more iteration.
func (p *Pool) CheckShouldStop(lockUserMutex bool) error {
	switch p.State() {
	case PoolShutdownImmediate:
		return ErrTerminateNow
	case PoolShutdown:
		return ErrTerminateWhenIdle
	}
	return p.callbacks.CheckShouldStop(lockUserMutex)
}

// ShutdownAll moves the pool to cmd (PoolShutdown or PoolShutdownImmediate),
// wakes every worker and waits until all of them exited or ctx is done. On
// expiry the returned error matches ErrTimedOut; the state stays set and the
// remaining workers keep terminating on their own. Callers usually escalate
// to an immediate shutdown and then CancelAll.
func (p *Pool) ShutdownAll(ctx context.Context, cmd PoolState) error {
	if cmd != PoolShutdown && cmd != PoolShutdownImmediate {
		return fmt.Errorf("%w: shutdown command %v", ErrInvalidParam, cmd)
	}
	start := time.Now()

	p.setState(cmd)
	p.WakeupAllWorkers()

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.condThrdTrm.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	timedOut := false
	p.mu.Lock()
	for p.curNumWorkers.Load() > 0 {
		if ctx.Err() != nil {
			p.log.Debugf("timeout waiting on worker thread termination")
			timedOut = true
			break
		}
		p.log.Debugf("waiting %s on worker thread termination, %d still running",
			remaining(ctx), p.curNumWorkers.Load())
		p.condThrdTrm.Wait()
	}
	p.mu.Unlock()

	p.observer.ShutdownFinished(p.log.hdr, cmd, timedOut, time.Since(start))
	if timedOut {
		return fmt.Errorf("%s: %v: %w: %w", p.log.hdr, cmd, ErrTimedOut, context.Cause(ctx))
	}
	return nil
}

func remaining(ctx context.Context) string {
	deadline, ok := ctx.Deadline()
	if !ok {
		return "forever"
	}
	return time.Until(deadline).Round(time.Millisecond).String()
}

// CancelAll cancels every worker regardless of pool state. Workers notice at
// their next cancellation point: the busy condition wait or a callback
// honouring its context.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		w.cancelThread()
	}
	p.log.Debugf("cancellation requested for all workers, %d running", p.curNumWorkers.Load())
	p.observer.WorkersCancelled(p.log.hdr)
}

// StartWorker starts one worker in the first free slot. It fails with
// ErrNoMoreThreads if every slot is running.
func (p *Pool) StartWorker() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.finalized {
		return ErrNotFinalized
	}
	if p.mutUsr == nil || p.condBusy == nil {
		return fmt.Errorf("%w: user mutex and busy condition must be set", ErrInvalidParam)
	}

	var w *Worker
	for _, cand := range p.workers {
		if cand.State() == WorkerStopped {
			w = cand
			break
		}
	}
	if w == nil {
		return ErrNoMoreThreads
	}

	if w.index == 0 || p.workerShutdownTimeout == RunForever {
		w.setAlwaysRunning()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	w.start(cancel)
	ctx = core.WithRunID(ctx, w.RunID())
	n := p.curNumWorkers.Add(1)
	failfast.If(int(n) <= p.numWorkerThreads, "%s: %d running workers exceed %d slots", p.log.hdr, n, p.numWorkerThreads)
	go p.workerShell(ctx, w)

	p.log.Debugf("started worker %s run %s, num workers now %d", w.dbgHdr, w.RunID(), n)
	p.observer.WorkerStarted(p.log.hdr, int(n))
	return nil
}

// AdviseMaxWorkers hints that n workers should be running. n is clamped to
// the slot count and 0 is ignored. Missing workers are started; if enough
// are running one waiting worker is signalled instead. Afterwards at least
// one worker re-checks for work, nothing more is promised. May be called
// with or without the user mutex held.
func (p *Pool) AdviseMaxWorkers(n int) error {
	if n <= 0 {
		return nil
	}
	if n > p.numWorkerThreads {
		n = p.numWorkerThreads
	}

	missing := n - int(p.curNumWorkers.Load())
	if missing > 0 {
		p.log.Debugf("high activity - starting %d additional worker thread(s)", missing)
		for range missing {
			if err := p.StartWorker(); err != nil {
				return err
			}
		}
		return nil
	}

	if p.condBusy != nil {
		p.condBusy.Signal()
	}
	return nil
}

// workerShell is the goroutine body of every worker. Normal exit and
// cancellation both end in workerExitCleanup.
func (p *Pool) workerShell(ctx context.Context, w *Worker) {
	// never unlocked: the thread goes away with the goroutine
	runtime.LockOSThread()
	if err := setThreadName(threadName(p.log.hdr)); err != nil {
		p.log.Debugf("could not set thread name for %s: %v", w.dbgHdr, err)
	}

	defer p.workerExitCleanup(w)
	w.run(ctx)
}

// workerExitCleanup marks w stopped, decrements the running count and wakes
// anyone waiting in ShutdownAll. Runs exactly once per started worker.
func (p *Pool) workerExitCleanup(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !w.stop() {
		return
	}
	n := p.curNumWorkers.Add(-1)
	failfast.If(n >= 0, "%s: running worker count went negative (%d)", p.log.hdr, n)
	p.condThrdTrm.Broadcast()

	p.log.Debugf("worker %s terminated, num workers now %d", w.dbgHdr, n)
	p.observer.WorkerStopped(p.log.hdr, int(n))
}

// NumWorkerThreads returns the configured number of worker slots
func (p *Pool) NumWorkerThreads() int {
	return p.numWorkerThreads
}

// CurNumWorkers returns the number of running workers. The value may be
// stale by the time the caller looks at it.
func (p *Pool) CurNumWorkers() int {
	return int(p.curNumWorkers.Load())
}

// WorkerShutdownTimeout returns the idle timeout of non-persistent workers
func (p *Pool) WorkerShutdownTimeout() time.Duration {
	return p.workerShutdownTimeout
}

// DbgHdr returns the pool label
func (p *Pool) DbgHdr() string {
	return p.log.hdr
}

// Workers returns the worker slots
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}
