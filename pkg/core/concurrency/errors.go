package concurrency

import "errors"

var (
	// ErrOutOfMemory is returned by ConstructFinalize when the worker slot
	// table cannot be allocated (slot count above MaxWorkerThreads)
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNoMoreThreads is returned when every worker slot is already running
	ErrNoMoreThreads = errors.New("no more worker threads available")

	// ErrTimedOut is returned when a shutdown wait exceeds its deadline.
	// The caller is expected to escalate (immediate shutdown, then CancelAll).
	ErrTimedOut = errors.New("timed out")

	// ErrNotImplemented is returned by callbacks that were never bound
	ErrNotImplemented = errors.New("callback not implemented")

	// ErrInvalidParam is returned for rejected setter arguments
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrAlreadyFinalized is returned by setters and ConstructFinalize once
	// the pool has been finalized
	ErrAlreadyFinalized = errors.New("pool already finalized")

	// ErrNotFinalized is returned when a lifecycle call needs a finalized pool
	ErrNotFinalized = errors.New("pool not finalized")

	// ErrWorkersRunning is returned by Destruct while workers are still active
	ErrWorkersRunning = errors.New("workers still running")
)

// Stop-check and work results. These are control values, not failures.
var (
	// ErrTerminateNow tells a worker to stop at once, even mid batch
	ErrTerminateNow = errors.New("terminate now")

	// ErrTerminateWhenIdle tells a worker to finish its work and stop once idle
	ErrTerminateWhenIdle = errors.New("terminate when idle")

	// ErrIdle is returned by DoWork when there was nothing to do
	ErrIdle = errors.New("idle")
)

var (
	// ErrQueueFull is returned when the executor queue is at capacity (backpressure)
	ErrQueueFull = errors.New("queue is full")

	// ErrExecutorClosed is returned when submitting to a shut down executor
	ErrExecutorClosed = errors.New("executor is closed")
)
