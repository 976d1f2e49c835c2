package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/wtp/pkg/core"
)

func batchOf(n int) func() (int, error) {
	return func() (int, error) { return n, nil }
}

func alwaysIdle(*Pool) (bool, error) { return true, nil }

// newTestPool builds a finalized pool with its own user mutex and busy cond
func newTestPool(t *testing.T, workers int, idle time.Duration, cb Callbacks) (*Pool, *sync.Mutex) {
	t.Helper()

	mu := &sync.Mutex{}
	p := NewPool()
	for _, err := range []error{
		p.SetNumWorkerThreads(workers),
		p.SetWorkerShutdownTimeout(idle),
		p.SetUserMutex(mu),
		p.SetBusyCond(sync.NewCond(mu)),
		p.SetCallbacks(cb),
		p.SetDbgHdr("test"),
		p.SetLogger(core.NewDiscardLogger()),
	} {
		if err != nil {
			t.Fatalf("pool setup error = %v", err)
		}
	}
	if err := p.ConstructFinalize(); err != nil {
		t.Fatalf("ConstructFinalize() error = %v", err)
	}
	return p, mu
}

// shutdownTest stops the pool at the end of a test
func shutdownTest(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.ShutdownAll(ctx, PoolShutdownImmediate); err != nil {
		p.CancelAll()
		t.Errorf("ShutdownAll() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewPool(t *testing.T) {
	p := NewPool()

	if p.State() != PoolRunning {
		t.Errorf("State() = %v, want %v", p.State(), PoolRunning)
	}
	if p.CurNumWorkers() != 0 {
		t.Errorf("CurNumWorkers() = %d, want 0", p.CurNumWorkers())
	}
	if err := p.StartWorker(); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("StartWorker() before finalize error = %v, want ErrNotFinalized", err)
	}
}

func TestPool_Setters(t *testing.T) {
	p := NewPool()

	if err := p.SetNumWorkerThreads(-1); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("SetNumWorkerThreads(-1) error = %v, want ErrInvalidParam", err)
	}
	if err := p.SetWorkerShutdownTimeout(-5 * time.Second); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("SetWorkerShutdownTimeout(-5s) error = %v, want ErrInvalidParam", err)
	}
	if err := p.SetWorkerShutdownTimeout(RunForever); err != nil {
		t.Errorf("SetWorkerShutdownTimeout(RunForever) error = %v", err)
	}
	if err := p.SetDbgHdr(""); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("SetDbgHdr(\"\") error = %v, want ErrInvalidParam", err)
	}
	if err := p.SetCallbacks(nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("SetCallbacks(nil) error = %v, want ErrInvalidParam", err)
	}
	if err := p.SetBusyCond(nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("SetBusyCond(nil) error = %v, want ErrInvalidParam", err)
	}
}

func TestPool_ConstructFinalize(t *testing.T) {
	t.Run("too many workers", func(t *testing.T) {
		p := NewPool()
		p.SetNumWorkerThreads(MaxWorkerThreads + 1)
		p.SetCallbacks(&CallbackFuncs{GetDequeueBatchSizeFunc: batchOf(1)})

		if err := p.ConstructFinalize(); !errors.Is(err, ErrOutOfMemory) {
			t.Errorf("ConstructFinalize() error = %v, want ErrOutOfMemory", err)
		}
		if len(p.Workers()) != 0 {
			t.Error("failed finalize should leave no worker slots")
		}
	})

	t.Run("unbound batch size", func(t *testing.T) {
		p := NewPool()
		p.SetNumWorkerThreads(2)

		if err := p.ConstructFinalize(); !errors.Is(err, ErrNotImplemented) {
			t.Errorf("ConstructFinalize() error = %v, want ErrNotImplemented", err)
		}
	})

	t.Run("finalize once", func(t *testing.T) {
		p, _ := newTestPool(t, 2, RunForever, &CallbackFuncs{GetDequeueBatchSizeFunc: batchOf(4)})

		if err := p.ConstructFinalize(); !errors.Is(err, ErrAlreadyFinalized) {
			t.Errorf("second ConstructFinalize() error = %v, want ErrAlreadyFinalized", err)
		}
		if err := p.SetNumWorkerThreads(8); !errors.Is(err, ErrAlreadyFinalized) {
			t.Errorf("SetNumWorkerThreads() after finalize error = %v, want ErrAlreadyFinalized", err)
		}
		if p.NumWorkerThreads() != 2 {
			t.Errorf("NumWorkerThreads() = %d, want 2", p.NumWorkerThreads())
		}
		for i, w := range p.Workers() {
			if w.State() != WorkerStopped {
				t.Errorf("slot %d state = %v, want stopped", i, w.State())
			}
			if w.Batch().Cap() != 4 {
				t.Errorf("slot %d batch cap = %d, want 4", i, w.Batch().Cap())
			}
		}
	})
}

func TestPool_AdviseZeroIsNoop(t *testing.T) {
	p, _ := newTestPool(t, 4, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              alwaysIdle,
	})

	if err := p.AdviseMaxWorkers(0); err != nil {
		t.Errorf("AdviseMaxWorkers(0) error = %v", err)
	}
	if p.CurNumWorkers() != 0 {
		t.Errorf("CurNumWorkers() = %d, want 0", p.CurNumWorkers())
	}
}

func TestPool_AdviseClampsToSlots(t *testing.T) {
	p, _ := newTestPool(t, 2, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              alwaysIdle,
	})
	defer shutdownTest(t, p)

	if err := p.AdviseMaxWorkers(10); err != nil {
		t.Fatalf("AdviseMaxWorkers(10) error = %v", err)
	}
	if p.CurNumWorkers() != 2 {
		t.Errorf("CurNumWorkers() = %d, want 2", p.CurNumWorkers())
	}

	// enough workers running: only a signal
	if err := p.AdviseMaxWorkers(1); err != nil {
		t.Errorf("AdviseMaxWorkers(1) error = %v", err)
	}
	if p.CurNumWorkers() != 2 {
		t.Errorf("CurNumWorkers() = %d, want 2", p.CurNumWorkers())
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	var startups, shutdowns atomic.Int32
	p, _ := newTestPool(t, 4, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              alwaysIdle,
		OnWorkerStartupFunc:     func() error { startups.Add(1); return nil },
		OnWorkerShutdownFunc:    func() error { shutdowns.Add(1); return nil },
	})

	if err := p.AdviseMaxWorkers(4); err != nil {
		t.Fatalf("AdviseMaxWorkers(4) error = %v", err)
	}
	if p.CurNumWorkers() != 4 {
		t.Fatalf("CurNumWorkers() = %d, want 4", p.CurNumWorkers())
	}
	waitFor(t, "worker startup", func() bool { return startups.Load() == 4 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.ShutdownAll(ctx, PoolShutdown); err != nil {
		t.Fatalf("ShutdownAll() error = %v", err)
	}

	if p.CurNumWorkers() != 0 {
		t.Errorf("CurNumWorkers() = %d, want 0", p.CurNumWorkers())
	}
	if p.State() != PoolShutdown {
		t.Errorf("State() = %v, want %v", p.State(), PoolShutdown)
	}
	for i, w := range p.Workers() {
		if w.State() != WorkerStopped {
			t.Errorf("slot %d state = %v, want stopped", i, w.State())
		}
	}
	if shutdowns.Load() != 4 {
		t.Errorf("OnWorkerShutdown called %d times, want 4", shutdowns.Load())
	}
	if err := p.Destruct(); err != nil {
		t.Errorf("Destruct() error = %v", err)
	}
}

func TestPool_GracefulShutdownDrainsWork(t *testing.T) {
	pending := 0 // guarded by the user mutex
	var processed atomic.Int32

	p, mu := newTestPool(t, 2, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              func(*Pool) (bool, error) { return pending == 0, nil },
		DoWorkFunc: func(ctx context.Context, w *Worker) error {
			if pending == 0 {
				return ErrIdle
			}
			pending--
			processed.Add(1)
			return nil
		},
	})

	mu.Lock()
	pending = 50
	if err := p.AdviseMaxWorkers(2); err != nil {
		t.Errorf("AdviseMaxWorkers(2) error = %v", err)
	}
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.ShutdownAll(ctx, PoolShutdown); err != nil {
		t.Fatalf("ShutdownAll() error = %v", err)
	}
	if processed.Load() != 50 {
		t.Errorf("processed = %d, want 50", processed.Load())
	}
}

func TestPool_ImmediateShutdownTimeoutThenCancel(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	var cancelled atomic.Int32

	var p *Pool
	var mu *sync.Mutex
	p, mu = newTestPool(t, 1, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              func(*Pool) (bool, error) { return false, nil },
		DoWorkFunc: func(ctx context.Context, w *Worker) error {
			w.Batch().Add("stuck")
			// ignores stop requests, only cancellation ends it
			mu.Unlock()
			once.Do(func() { close(entered) })
			<-ctx.Done()
			mu.Lock()
			return ctx.Err()
		},
		OnWorkerCancelFunc: func(b *Batch) error {
			cancelled.Add(int32(len(b.Pending())))
			return nil
		},
	})

	if err := p.AdviseMaxWorkers(1); err != nil {
		t.Fatalf("AdviseMaxWorkers(1) error = %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.ShutdownAll(ctx, PoolShutdownImmediate)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("ShutdownAll() error = %v, want ErrTimedOut", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ShutdownAll() error = %v, should wrap the context error", err)
	}
	if p.CurNumWorkers() != 1 {
		t.Errorf("CurNumWorkers() = %d, want 1", p.CurNumWorkers())
	}
	if p.State() != PoolShutdownImmediate {
		t.Errorf("State() = %v, want %v", p.State(), PoolShutdownImmediate)
	}
	if err := p.Destruct(); !errors.Is(err, ErrWorkersRunning) {
		t.Errorf("Destruct() error = %v, want ErrWorkersRunning", err)
	}

	p.CancelAll()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := p.ShutdownAll(ctx2, PoolShutdownImmediate); err != nil {
		t.Fatalf("ShutdownAll() after CancelAll error = %v", err)
	}
	if p.CurNumWorkers() != 0 {
		t.Errorf("CurNumWorkers() = %d, want 0", p.CurNumWorkers())
	}
	if cancelled.Load() != 1 {
		t.Errorf("OnWorkerCancel saw %d pending items, want 1", cancelled.Load())
	}
}

func TestPool_CancelIdleWorkers(t *testing.T) {
	var cancels atomic.Int32
	p, _ := newTestPool(t, 3, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              alwaysIdle,
		OnWorkerCancelFunc:      func(*Batch) error { cancels.Add(1); return nil },
	})

	p.AdviseMaxWorkers(3)
	p.CancelAll()

	waitFor(t, "cancelled workers to exit", func() bool { return p.CurNumWorkers() == 0 })
	if cancels.Load() != 3 {
		t.Errorf("OnWorkerCancel called %d times, want 3", cancels.Load())
	}
	if p.State() != PoolRunning {
		t.Errorf("CancelAll changed state to %v", p.State())
	}
}

func TestPool_NoMoreThreads(t *testing.T) {
	p, _ := newTestPool(t, 2, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              alwaysIdle,
	})
	defer shutdownTest(t, p)

	for i := 0; i < 2; i++ {
		if err := p.StartWorker(); err != nil {
			t.Fatalf("StartWorker() #%d error = %v", i, err)
		}
	}
	if err := p.StartWorker(); !errors.Is(err, ErrNoMoreThreads) {
		t.Errorf("StartWorker() on full pool error = %v, want ErrNoMoreThreads", err)
	}
	if p.CurNumWorkers() != 2 {
		t.Errorf("CurNumWorkers() = %d, want 2", p.CurNumWorkers())
	}
}

func TestPool_StateMonotonic(t *testing.T) {
	p, _ := newTestPool(t, 1, RunForever, &CallbackFuncs{GetDequeueBatchSizeFunc: batchOf(1)})

	if err := p.ShutdownAll(context.Background(), PoolShutdownImmediate); err != nil {
		t.Fatalf("ShutdownAll(immediate) error = %v", err)
	}
	if err := p.ShutdownAll(context.Background(), PoolShutdown); err != nil {
		t.Fatalf("ShutdownAll(graceful) error = %v", err)
	}
	if p.State() != PoolShutdownImmediate {
		t.Errorf("State() = %v, want %v", p.State(), PoolShutdownImmediate)
	}
	if err := p.ShutdownAll(context.Background(), PoolRunning); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("ShutdownAll(running) error = %v, want ErrInvalidParam", err)
	}
}

func TestPool_ShutdownWithoutWorkers(t *testing.T) {
	p, _ := newTestPool(t, 0, RunForever, &CallbackFuncs{GetDequeueBatchSizeFunc: batchOf(1)})

	// already expired, but nothing to wait for
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.ShutdownAll(ctx, PoolShutdown); err != nil {
		t.Errorf("ShutdownAll() error = %v, want nil", err)
	}
	if err := p.StartWorker(); !errors.Is(err, ErrNoMoreThreads) {
		t.Errorf("StartWorker() on empty pool error = %v, want ErrNoMoreThreads", err)
	}
}

func TestPool_IdleTimeoutShrinksToFirstWorker(t *testing.T) {
	p, _ := newTestPool(t, 3, 20*time.Millisecond, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              alwaysIdle,
	})
	defer shutdownTest(t, p)

	if err := p.AdviseMaxWorkers(3); err != nil {
		t.Fatalf("AdviseMaxWorkers(3) error = %v", err)
	}
	waitFor(t, "idle workers to exit", func() bool { return p.CurNumWorkers() == 1 })

	// give the persistent worker a few idle periods
	time.Sleep(60 * time.Millisecond)

	workers := p.Workers()
	if workers[0].State() != WorkerRunning || !workers[0].AlwaysRunning() {
		t.Errorf("slot 0 should keep running, state = %v", workers[0].State())
	}
	for _, w := range workers[1:] {
		if w.AlwaysRunning() {
			t.Errorf("slot %d should not be always running", w.Index())
		}
		if w.State() != WorkerStopped {
			t.Errorf("slot %d state = %v, want stopped", w.Index(), w.State())
		}
	}
}

func TestPool_SlotReuse(t *testing.T) {
	p, _ := newTestPool(t, 2, 10*time.Millisecond, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              alwaysIdle,
	})
	defer shutdownTest(t, p)

	p.AdviseMaxWorkers(2)
	second := p.Workers()[1]
	firstRun := second.RunID()
	waitFor(t, "slot 1 to idle out", func() bool { return second.State() == WorkerStopped })

	if err := p.AdviseMaxWorkers(2); err != nil {
		t.Fatalf("AdviseMaxWorkers(2) error = %v", err)
	}
	if second.State() != WorkerRunning {
		t.Fatalf("slot 1 state = %v, want running", second.State())
	}
	if second.RunID() == firstRun {
		t.Error("restarted slot should get a new run id")
	}
}

func TestPool_UnboundWorkCallbackEndsWorker(t *testing.T) {
	var shutdowns atomic.Int32
	p, _ := newTestPool(t, 1, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		OnWorkerShutdownFunc:    func() error { shutdowns.Add(1); return nil },
	})

	p.AdviseMaxWorkers(1)
	waitFor(t, "worker to give up", func() bool { return p.CurNumWorkers() == 0 })
	if shutdowns.Load() != 1 {
		t.Errorf("OnWorkerShutdown called %d times, want 1", shutdowns.Load())
	}
}

func TestPool_CheckShouldStop(t *testing.T) {
	stop := ErrTerminateNow
	p, _ := newTestPool(t, 1, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		CheckShouldStopFunc:     func(bool) error { return stop },
	})

	if err := p.CheckShouldStop(true); !errors.Is(err, ErrTerminateNow) {
		t.Errorf("CheckShouldStop() = %v, want the callback result", err)
	}
	stop = nil
	if err := p.CheckShouldStop(true); err != nil {
		t.Errorf("CheckShouldStop() = %v, want nil", err)
	}

	p.ShutdownAll(context.Background(), PoolShutdown)
	if err := p.CheckShouldStop(true); !errors.Is(err, ErrTerminateWhenIdle) {
		t.Errorf("CheckShouldStop() after graceful shutdown = %v, want ErrTerminateWhenIdle", err)
	}
	p.ShutdownAll(context.Background(), PoolShutdownImmediate)
	if err := p.CheckShouldStop(true); !errors.Is(err, ErrTerminateNow) {
		t.Errorf("CheckShouldStop() after immediate shutdown = %v, want ErrTerminateNow", err)
	}
}

func TestPool_CallbackStopRequest(t *testing.T) {
	var stop atomic.Bool
	p, _ := newTestPool(t, 1, RunForever, &CallbackFuncs{
		GetDequeueBatchSizeFunc: batchOf(1),
		IsIdleFunc:              alwaysIdle,
		CheckShouldStopFunc: func(bool) error {
			if stop.Load() {
				return ErrTerminateWhenIdle
			}
			return nil
		},
	})

	p.AdviseMaxWorkers(1)
	stop.Store(true)
	p.WakeupAllWorkers()

	waitFor(t, "worker to stop on request", func() bool { return p.CurNumWorkers() == 0 })
	if p.State() != PoolRunning {
		t.Errorf("State() = %v, want %v", p.State(), PoolRunning)
	}
}

type recordingObserver struct {
	NopObserver
	mu        sync.Mutex
	started   int
	stopped   int
	cancelled int
	shutdowns []bool
}

func (o *recordingObserver) WorkerStarted(string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) WorkerStopped(string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped++
}

func (o *recordingObserver) WorkersCancelled(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled++
}

func (o *recordingObserver) ShutdownFinished(_ string, _ PoolState, timedOut bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shutdowns = append(o.shutdowns, timedOut)
}

func TestPool_Observer(t *testing.T) {
	obs := &recordingObserver{}
	mu := &sync.Mutex{}
	p := NewPool()
	p.SetNumWorkerThreads(2)
	p.SetWorkerShutdownTimeout(RunForever)
	p.SetUserMutex(mu)
	p.SetBusyCond(sync.NewCond(mu))
	p.SetLogger(core.NewDiscardLogger())
	p.SetObserver(obs)
	p.SetCallbacks(&CallbackFuncs{GetDequeueBatchSizeFunc: batchOf(1), IsIdleFunc: alwaysIdle})
	if err := p.ConstructFinalize(); err != nil {
		t.Fatalf("ConstructFinalize() error = %v", err)
	}

	p.AdviseMaxWorkers(2)
	if err := p.ShutdownAll(context.Background(), PoolShutdown); err != nil {
		t.Fatalf("ShutdownAll() error = %v", err)
	}
	p.CancelAll()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.started != 2 || obs.stopped != 2 {
		t.Errorf("started/stopped = %d/%d, want 2/2", obs.started, obs.stopped)
	}
	if obs.cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", obs.cancelled)
	}
	if len(obs.shutdowns) != 1 || obs.shutdowns[0] {
		t.Errorf("shutdowns = %v, want one successful shutdown", obs.shutdowns)
	}
}
