package concurrency

import "fmt"

// PoolState is the state of a worker thread pool. Values are ordered: a
// pool only ever moves to a higher state.
type PoolState int32

const (
	// PoolRunning is the initial state
	PoolRunning PoolState = iota
	// PoolShutdown asks workers to finish their current work and stop when idle
	PoolShutdown
	// PoolShutdownImmediate asks workers to stop as soon as possible
	PoolShutdownImmediate
)

func (s PoolState) String() string {
	switch s {
	case PoolRunning:
		return "running"
	case PoolShutdown:
		return "shutdown"
	case PoolShutdownImmediate:
		return "shutdown-immediate"
	default:
		return fmt.Sprintf("PoolState(%d)", int32(s))
	}
}

// WorkerState is the run state of a single worker slot
type WorkerState int32

const (
	// WorkerStopped means the slot is free and may be (re)started
	WorkerStopped WorkerState = iota
	// WorkerRunning means a goroutine currently owns the slot
	WorkerRunning
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStopped:
		return "stopped"
	case WorkerRunning:
		return "running"
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}

// IdleFlags is passed to Callbacks.OnIdle
type IdleFlags int

const (
	// IdleMutexLocked means the user mutex is held by the caller
	IdleMutexLocked IdleFlags = 1 << iota
)
