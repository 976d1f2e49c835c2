package concurrency

import "time"

// Observer receives pool and executor lifecycle events, typically to feed
// metrics. Implementations must be safe for concurrent use and must not block.
type Observer interface {
	WorkerStarted(pool string, running int)
	WorkerStopped(pool string, running int)
	ShutdownFinished(pool string, mode PoolState, timedOut bool, took time.Duration)
	WorkersCancelled(pool string)
	ItemsProcessed(pool string, n int)
	QueueDepth(pool string, depth int)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) WorkerStarted(string, int) {}

func (NopObserver) WorkerStopped(string, int) {}

func (NopObserver) ShutdownFinished(string, PoolState, bool, time.Duration) {}

func (NopObserver) WorkersCancelled(string) {}

func (NopObserver) ItemsProcessed(string, int) {}

func (NopObserver) QueueDepth(string, int) {}
