package concurrency

import (
	"context"
	"time"

	"github.com/fluxorio/wtp/pkg/core"
)

// Task represents a unit of work run by an Executor
type Task interface {
	// Execute performs the task work. ctx is cancelled when the worker
	// running the task is cancelled.
	Execute(ctx context.Context) error

	// Name returns a human-readable name for logging
	Name() string
}

// TaskFunc lets a plain function be used as a Task
type TaskFunc func(ctx context.Context) error

// Execute implements Task
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Name implements Task
func (f TaskFunc) Name() string {
	return "TaskFunc"
}

// NamedTask is a TaskFunc with a name
type NamedTask struct {
	name string
	task TaskFunc
}

// NewNamedTask creates a new NamedTask
func NewNamedTask(name string, task TaskFunc) *NamedTask {
	return &NamedTask{name: name, task: task}
}

// Execute implements Task
func (nt *NamedTask) Execute(ctx context.Context) error {
	return nt.task(ctx)
}

// Name implements Task
func (nt *NamedTask) Name() string {
	return nt.name
}

// ExecutorStats provides statistics about executor performance
type ExecutorStats struct {
	QueuedTasks      int64   // Current number of queued tasks
	ActiveWorkers    int     // Number of running workers
	MaxWorkers       int     // Number of worker slots
	CompletedTasks   int64   // Tasks that returned nil
	FailedTasks      int64   // Tasks that returned an error or panicked
	RejectedTasks    int64   // Submits refused because the queue was full
	DiscardedTasks   int64   // Tasks dropped unprocessed during shutdown
	QueueCapacity    int     // Maximum queue capacity
	QueueUtilization float64 // Queue utilization percentage
}

// Executor runs submitted tasks on a worker thread pool that grows with the
// queue and shrinks when workers idle out
type Executor interface {
	// Submit queues a task for execution.
	// Returns ErrQueueFull if the queue is full or ErrExecutorClosed after
	// Shutdown.
	Submit(task Task) error

	// SubmitWithTimeout waits up to timeout for queue space
	SubmitWithTimeout(task Task, timeout time.Duration) error

	// Shutdown stops accepting tasks and stops the workers, escalating from
	// graceful to immediate shutdown to cancellation. ctx bounds the final
	// wait after cancellation.
	Shutdown(ctx context.Context) error

	// Stats returns current executor statistics
	Stats() ExecutorStats
}

// ExecutorConfig configures an Executor
type ExecutorConfig struct {
	Name      string // Pool label used in logs, metrics and thread names
	Workers   int    // Maximum number of workers
	QueueSize int    // Maximum queue size (bounded for backpressure)
	BatchSize int    // Maximum tasks a worker dequeues at once

	// MinItemsPerWorker is the queue depth each additional worker is
	// started for
	MinItemsPerWorker int

	// WorkerIdleTimeout is how long a worker beyond the first waits for
	// work before exiting. RunForever keeps all started workers.
	WorkerIdleTimeout time.Duration

	// ShutdownTimeout bounds the graceful drain of the queue
	ShutdownTimeout time.Duration

	// ActionShutdownTimeout bounds the immediate shutdown that follows a
	// timed out graceful one, before workers are cancelled
	ActionShutdownTimeout time.Duration

	// RateLimit caps batch dequeues per second across all workers,
	// 0 disables it. RateBurst defaults to 1.
	RateLimit float64
	RateBurst int

	Logger   core.Logger
	Observer Observer
}

// DefaultExecutorConfig returns default executor configuration
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Name:                  "executor",
		Workers:               10,
		QueueSize:             1000,
		BatchSize:             16,
		MinItemsPerWorker:     100,
		WorkerIdleTimeout:     time.Minute,
		ShutdownTimeout:       1500 * time.Millisecond,
		ActionShutdownTimeout: time.Second,
	}
}
