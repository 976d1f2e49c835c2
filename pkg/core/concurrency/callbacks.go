package concurrency

import "context"

// Callbacks is the behaviour a pool user injects into a Pool. The pool
// itself knows nothing about the work; every work specific decision is
// made here. The implementing value is the user context.
//
// Unless noted otherwise callbacks run on worker goroutines with the user
// mutex held.
type Callbacks interface {
	// CheckShouldStop is consulted once per worker iteration after the pool
	// state check. Return nil to keep running, ErrTerminateNow or
	// ErrTerminateWhenIdle to stop. lockUserMutex is false when the caller
	// already holds the user mutex.
	CheckShouldStop(lockUserMutex bool) error

	// GetDequeueBatchSize returns the maximum number of items a worker takes
	// per DoWork call. It is called once per worker during ConstructFinalize.
	GetDequeueBatchSize() (int, error)

	// IsIdle reports whether there is nothing to do
	IsIdle(p *Pool) (bool, error)

	// DoWork dequeues into the worker batch and processes it. It may release
	// and reacquire the user mutex but must return with it held. Returns
	// ErrIdle if nothing was dequeued.
	DoWork(ctx context.Context, w *Worker) error

	// OnItemProcessed is called after DoWork and when a worker is told to
	// terminate immediately, so the user can release the worker batch.
	OnItemProcessed(w *Worker) error

	// OnIdle is called before a worker blocks on the busy condition
	OnIdle(flags IdleFlags) error

	// OnWorkerCancel is called when a worker exits through cancellation,
	// with the batch it was holding. The user mutex is not held.
	OnWorkerCancel(b *Batch) error

	// OnWorkerStartup runs on the worker goroutine before the loop.
	// The user mutex is not held.
	OnWorkerStartup() error

	// OnWorkerShutdown runs on the worker goroutine after a normal exit.
	// The user mutex is not held.
	OnWorkerShutdown() error
}

// RateLimiter is an optional capability of a Callbacks value. When present
// it is called once per worker iteration without the user mutex held.
type RateLimiter interface {
	RateLimit(ctx context.Context) error
}

// UnimplementedCallbacks returns ErrNotImplemented from every callback.
// Embed it to implement only part of Callbacks.
type UnimplementedCallbacks struct{}

func (UnimplementedCallbacks) CheckShouldStop(bool) error { return ErrNotImplemented }

func (UnimplementedCallbacks) GetDequeueBatchSize() (int, error) { return 0, ErrNotImplemented }

func (UnimplementedCallbacks) IsIdle(*Pool) (bool, error) { return false, ErrNotImplemented }

func (UnimplementedCallbacks) DoWork(context.Context, *Worker) error { return ErrNotImplemented }

func (UnimplementedCallbacks) OnItemProcessed(*Worker) error { return ErrNotImplemented }

func (UnimplementedCallbacks) OnIdle(IdleFlags) error { return ErrNotImplemented }

func (UnimplementedCallbacks) OnWorkerCancel(*Batch) error { return ErrNotImplemented }

func (UnimplementedCallbacks) OnWorkerStartup() error { return ErrNotImplemented }

func (UnimplementedCallbacks) OnWorkerShutdown() error { return ErrNotImplemented }

// CallbackFuncs binds callbacks one function at a time. A nil field behaves
// like UnimplementedCallbacks.
type CallbackFuncs struct {
	CheckShouldStopFunc     func(lockUserMutex bool) error
	GetDequeueBatchSizeFunc func() (int, error)
	IsIdleFunc              func(p *Pool) (bool, error)
	DoWorkFunc              func(ctx context.Context, w *Worker) error
	OnItemProcessedFunc     func(w *Worker) error
	OnIdleFunc              func(flags IdleFlags) error
	OnWorkerCancelFunc      func(b *Batch) error
	OnWorkerStartupFunc     func() error
	OnWorkerShutdownFunc    func() error
}

var _ Callbacks = (*CallbackFuncs)(nil)

func (c *CallbackFuncs) CheckShouldStop(lockUserMutex bool) error {
	if c.CheckShouldStopFunc == nil {
		return ErrNotImplemented
	}
	return c.CheckShouldStopFunc(lockUserMutex)
}

func (c *CallbackFuncs) GetDequeueBatchSize() (int, error) {
	if c.GetDequeueBatchSizeFunc == nil {
		return 0, ErrNotImplemented
	}
	return c.GetDequeueBatchSizeFunc()
}

func (c *CallbackFuncs) IsIdle(p *Pool) (bool, error) {
	if c.IsIdleFunc == nil {
		return false, ErrNotImplemented
	}
	return c.IsIdleFunc(p)
}

func (c *CallbackFuncs) DoWork(ctx context.Context, w *Worker) error {
	if c.DoWorkFunc == nil {
		return ErrNotImplemented
	}
	return c.DoWorkFunc(ctx, w)
}

func (c *CallbackFuncs) OnItemProcessed(w *Worker) error {
	if c.OnItemProcessedFunc == nil {
		return ErrNotImplemented
	}
	return c.OnItemProcessedFunc(w)
}

func (c *CallbackFuncs) OnIdle(flags IdleFlags) error {
	if c.OnIdleFunc == nil {
		return ErrNotImplemented
	}
	return c.OnIdleFunc(flags)
}

func (c *CallbackFuncs) OnWorkerCancel(b *Batch) error {
	if c.OnWorkerCancelFunc == nil {
		return ErrNotImplemented
	}
	return c.OnWorkerCancelFunc(b)
}

func (c *CallbackFuncs) OnWorkerStartup() error {
	if c.OnWorkerStartupFunc == nil {
		return ErrNotImplemented
	}
	return c.OnWorkerStartupFunc()
}

func (c *CallbackFuncs) OnWorkerShutdown() error {
	if c.OnWorkerShutdownFunc == nil {
		return ErrNotImplemented
	}
	return c.OnWorkerShutdownFunc()
}
