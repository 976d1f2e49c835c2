package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fluxorio/wtp/pkg/core"
)

const tracerName = "github.com/fluxorio/wtp/pkg/core/concurrency"

// queueExecutor implements Executor on top of a Pool. It is the pool user:
// the bounded queue lives behind mu, which doubles as the pool's user mutex,
// and condBusy is signalled by the pool when workers should look for work.
type queueExecutor struct {
	UnimplementedCallbacks

	cfg      ExecutorConfig
	pool     *Pool
	logger   core.Logger
	observer Observer
	tracer   trace.Tracer
	limiter  *rate.Limiter

	mu          sync.Mutex
	condBusy    *sync.Cond
	condNotFull *sync.Cond
	queue       *taskQueue
	closed      bool
	shutdown    bool

	stopParent func() bool

	// Metrics (atomic for thread-safety)
	completedTasks atomic.Int64
	failedTasks    atomic.Int64
	rejectedTasks  atomic.Int64
	discardedTasks atomic.Int64
}

var (
	_ Callbacks   = (*queueExecutor)(nil)
	_ RateLimiter = (*queueExecutor)(nil)
)

// NewExecutor creates an Executor and its worker pool. Workers are started
// lazily as tasks are submitted. Cancelling ctx cancels all workers.
func NewExecutor(ctx context.Context, config ExecutorConfig) (Executor, error) {
	def := DefaultExecutorConfig()
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 100
	}
	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	if config.MinItemsPerWorker < 1 {
		config.MinItemsPerWorker = def.MinItemsPerWorker
	}
	if config.WorkerIdleTimeout == 0 {
		config.WorkerIdleTimeout = def.WorkerIdleTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.ActionShutdownTimeout == 0 {
		config.ActionShutdownTimeout = def.ActionShutdownTimeout
	}
	if config.RateBurst < 1 {
		config.RateBurst = 1
	}
	if config.Logger == nil {
		config.Logger = core.NewDefaultLogger()
	}
	if config.Observer == nil {
		config.Observer = NopObserver{}
	}

	e := &queueExecutor{
		cfg:      config,
		logger:   config.Logger.WithField("executor", config.Name),
		observer: config.Observer,
		tracer:   otel.Tracer(tracerName),
		queue:    newTaskQueue(config.QueueSize),
	}
	e.condBusy = sync.NewCond(&e.mu)
	e.condNotFull = sync.NewCond(&e.mu)
	if config.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst)
	}

	pool := NewPool()
	for _, set := range []func() error{
		func() error { return pool.SetNumWorkerThreads(config.Workers) },
		func() error { return pool.SetWorkerShutdownTimeout(config.WorkerIdleTimeout) },
		func() error { return pool.SetUserMutex(&e.mu) },
		func() error { return pool.SetBusyCond(e.condBusy) },
		func() error { return pool.SetCallbacks(e) },
		func() error { return pool.SetDbgHdr(config.Name) },
		func() error { return pool.SetLogger(config.Logger) },
		func() error { return pool.SetObserver(config.Observer) },
		pool.ConstructFinalize,
	} {
		if err := set(); err != nil {
			return nil, fmt.Errorf("executor %s: %w", config.Name, err)
		}
	}
	e.pool = pool

	e.stopParent = context.AfterFunc(ctx, e.abort)
	return e, nil
}

// abort closes the executor and cancels every worker
func (e *queueExecutor) abort() {
	e.mu.Lock()
	e.closed = true
	e.condNotFull.Broadcast()
	e.mu.Unlock()

	e.logger.Warnf("parent context done, cancelling workers")
	e.pool.CancelAll()
}

// Submit implements Executor interface
func (e *queueExecutor) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("%w: task cannot be nil", ErrInvalidParam)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	if !e.queue.push(task) {
		e.mu.Unlock()
		e.rejectedTasks.Add(1)
		return ErrQueueFull
	}
	return e.enqueued()
}

// SubmitWithTimeout implements Executor interface
func (e *queueExecutor) SubmitWithTimeout(task Task, timeout time.Duration) error {
	if task == nil {
		return fmt.Errorf("%w: task cannot be nil", ErrInvalidParam)
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		e.mu.Lock()
		e.condNotFull.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	e.mu.Lock()
	for !e.closed && e.queue.full() {
		if !time.Now().Before(deadline) {
			e.mu.Unlock()
			e.rejectedTasks.Add(1)
			return fmt.Errorf("%w: submit timeout after %v", ErrQueueFull, timeout)
		}
		e.condNotFull.Wait()
	}
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.queue.push(task)
	return e.enqueued()
}

// enqueued advises the pool about the new queue depth. Called with mu held,
// returns with it released.
func (e *queueExecutor) enqueued() error {
	depth := e.queue.len()
	err := e.pool.AdviseMaxWorkers(depth/e.cfg.MinItemsPerWorker + 1)
	e.mu.Unlock()

	e.observer.QueueDepth(e.cfg.Name, depth)
	if err != nil && !errors.Is(err, ErrNoMoreThreads) {
		// the task is queued, a running worker will still pick it up
		e.logger.Warnf("could not start worker: %v", err)
	}
	return nil
}

// Shutdown implements Executor interface
func (e *queueExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.closed = true
	e.condNotFull.Broadcast()
	queued := e.queue.len()
	e.mu.Unlock()

	e.stopParent()
	e.logger.Debugf("shutting down, %d queued task(s), %d worker(s)", queued, e.pool.CurNumWorkers())

	err := e.shutdownWorkers(ctx)

	e.mu.Lock()
	dropped := len(e.queue.drain())
	e.mu.Unlock()
	if dropped > 0 {
		e.discardedTasks.Add(int64(dropped))
		e.logger.Warnf("discarded %d queued task(s) on shutdown", dropped)
	}
	e.observer.QueueDepth(e.cfg.Name, 0)

	if err != nil {
		return err
	}
	return e.pool.Destruct()
}

// shutdownWorkers escalates from a graceful drain to an immediate stop to
// cancellation. Only the last stage is bounded by the caller ctx alone.
func (e *queueExecutor) shutdownWorkers(ctx context.Context) error {
	err := e.shutdownStage(ctx, PoolShutdown, e.cfg.ShutdownTimeout)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTimedOut) {
		return err
	}
	e.logger.Warnf("graceful shutdown timed out, %d worker(s) left, trying immediate shutdown",
		e.pool.CurNumWorkers())

	err = e.shutdownStage(ctx, PoolShutdownImmediate, e.cfg.ActionShutdownTimeout)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTimedOut) {
		return err
	}
	e.logger.Warnf("immediate shutdown timed out, cancelling %d worker(s)", e.pool.CurNumWorkers())

	e.pool.CancelAll()
	if err := e.pool.ShutdownAll(ctx, PoolShutdownImmediate); err != nil {
		return fmt.Errorf("shutdown timeout: %w", err)
	}
	return nil
}

func (e *queueExecutor) shutdownStage(ctx context.Context, cmd PoolState, timeout time.Duration) error {
	if timeout != RunForever {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.pool.ShutdownAll(ctx, cmd)
}

// Stats implements Executor interface
func (e *queueExecutor) Stats() ExecutorStats {
	e.mu.Lock()
	queued := e.queue.len()
	e.mu.Unlock()

	queueUtilization := float64(queued) / float64(e.cfg.QueueSize) * 100.0
	if queueUtilization > 100.0 {
		queueUtilization = 100.0
	}

	return ExecutorStats{
		QueuedTasks:      int64(queued),
		ActiveWorkers:    e.pool.CurNumWorkers(),
		MaxWorkers:       e.cfg.Workers,
		CompletedTasks:   e.completedTasks.Load(),
		FailedTasks:      e.failedTasks.Load(),
		RejectedTasks:    e.rejectedTasks.Load(),
		DiscardedTasks:   e.discardedTasks.Load(),
		QueueCapacity:    e.cfg.QueueSize,
		QueueUtilization: queueUtilization,
	}
}

// GetDequeueBatchSize implements Callbacks
func (e *queueExecutor) GetDequeueBatchSize() (int, error) {
	return e.cfg.BatchSize, nil
}

// IsIdle implements Callbacks. Called with mu held.
func (e *queueExecutor) IsIdle(*Pool) (bool, error) {
	return e.queue.len() == 0, nil
}

// RateLimit implements RateLimiter
func (e *queueExecutor) RateLimit(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// DoWork implements Callbacks. It dequeues a batch with mu held, then runs
// the batch with mu released so other workers and submitters proceed.
func (e *queueExecutor) DoWork(ctx context.Context, w *Worker) error {
	b := w.Batch()
	b.Reset()
	for b.Len() < b.Cap() {
		t, ok := e.queue.pop()
		if !ok {
			break
		}
		b.Add(t)
	}
	if b.Len() == 0 {
		return ErrIdle
	}
	depth := e.queue.len()
	e.condNotFull.Broadcast()

	e.mu.Unlock()
	defer e.mu.Lock()

	e.observer.QueueDepth(e.cfg.Name, depth)

	ctx, span := e.tracer.Start(ctx, "executor.batch", trace.WithAttributes(
		attribute.String("executor", e.cfg.Name),
		attribute.String("worker", w.DbgHdr()),
		attribute.String("worker.run_id", core.RunID(ctx)),
		attribute.Int("batch.size", b.Len()),
	))
	defer span.End()

	done := b.Done
	defer func() {
		if n := b.Done - done; n > 0 {
			e.observer.ItemsProcessed(e.cfg.Name, n)
		}
	}()

	for b.Done < b.Len() {
		if errors.Is(e.pool.CheckShouldStop(true), ErrTerminateNow) {
			span.AddEvent("terminate now", trace.WithAttributes(
				attribute.Int("batch.pending", b.Len()-b.Done)))
			return nil
		}
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return err
		}
		e.execute(ctx, b.Items[b.Done].(Task))
		b.Done++
	}
	return nil
}

// execute runs t, recovering a panic so the worker survives it
func (e *queueExecutor) execute(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			e.failedTasks.Add(1)
			e.logger.Errorf("task %s panicked: %v", t.Name(), r)
		}
	}()

	if err := t.Execute(ctx); err != nil {
		e.failedTasks.Add(1)
		e.logger.Errorf("task %s failed: %v", t.Name(), err)
		return
	}
	e.completedTasks.Add(1)
}

// OnItemProcessed implements Callbacks. Items a worker dequeued but did not
// run, because of an immediate shutdown, are dropped here.
func (e *queueExecutor) OnItemProcessed(w *Worker) error {
	e.releaseBatch(w.Batch())
	return nil
}

// OnWorkerCancel implements Callbacks
func (e *queueExecutor) OnWorkerCancel(b *Batch) error {
	e.releaseBatch(b)
	return nil
}

func (e *queueExecutor) releaseBatch(b *Batch) {
	if pending := len(b.Pending()); pending > 0 {
		e.discardedTasks.Add(int64(pending))
		e.logger.Debugf("discarding %d dequeued task(s)", pending)
	}
	b.Reset()
}
