package event

import (
	"os"
	"time"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier, e.g. "worker.dead".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event types.
const (
	TypeWorkerSpawned      = "worker.spawned"
	TypeWorkerExited       = "worker.exited"
	TypeWorkerDead         = "worker.dead"
	TypeWorkerUnresponsive = "worker.unresponsive"
	TypeWorkerRecovered    = "worker.recovered"
	TypeForcedUnlock       = "lock.forced_unlock"
	TypeSnapshotWritten    = "snapshot.written"
	TypeSignalReceived     = "signal.received"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Worker Lifecycle Events
// -----------------------------------------------------------------------------

// WorkerSpawnedEvent is emitted when the supervisor starts a worker.
type WorkerSpawnedEvent struct {
	baseEvent
	WorkerID int
	PID      int
}

// NewWorkerSpawnedEvent creates a WorkerSpawnedEvent.
func NewWorkerSpawnedEvent(workerID, pid int) WorkerSpawnedEvent {
	return WorkerSpawnedEvent{
		baseEvent: newBaseEvent(TypeWorkerSpawned),
		WorkerID:  workerID,
		PID:       pid,
	}
}

// WorkerExitedEvent is emitted when a worker process has been reaped.
type WorkerExitedEvent struct {
	baseEvent
	WorkerID int
	PID      int
	Err      error // nil for exit status 0
}

// NewWorkerExitedEvent creates a WorkerExitedEvent.
func NewWorkerExitedEvent(workerID, pid int, err error) WorkerExitedEvent {
	return WorkerExitedEvent{
		baseEvent: newBaseEvent(TypeWorkerExited),
		WorkerID:  workerID,
		PID:       pid,
		Err:       err,
	}
}

// WorkerDeadEvent is emitted once when the watchdog finds a worker gone
// without having recorded its exit.
type WorkerDeadEvent struct {
	baseEvent
	WorkerID int
	PID      int
	Holding  bool // the worker died holding the fine lock
}

// NewWorkerDeadEvent creates a WorkerDeadEvent.
func NewWorkerDeadEvent(workerID, pid int, holding bool) WorkerDeadEvent {
	return WorkerDeadEvent{
		baseEvent: newBaseEvent(TypeWorkerDead),
		WorkerID:  workerID,
		PID:       pid,
		Holding:   holding,
	}
}

// WorkerUnresponsiveEvent is emitted once per stall episode.
type WorkerUnresponsiveEvent struct {
	baseEvent
	WorkerID int
	PID      int
	Stale    time.Duration
	Owner    bool // the worker owns the fine lock
}

// NewWorkerUnresponsiveEvent creates a WorkerUnresponsiveEvent.
func NewWorkerUnresponsiveEvent(workerID, pid int, stale time.Duration, owner bool) WorkerUnresponsiveEvent {
	return WorkerUnresponsiveEvent{
		baseEvent: newBaseEvent(TypeWorkerUnresponsive),
		WorkerID:  workerID,
		PID:       pid,
		Stale:     stale,
		Owner:     owner,
	}
}

// WorkerRecoveredEvent is emitted when an unresponsive worker makes
// progress again or stops.
type WorkerRecoveredEvent struct {
	baseEvent
	WorkerID int
}

// NewWorkerRecoveredEvent creates a WorkerRecoveredEvent.
func NewWorkerRecoveredEvent(workerID int) WorkerRecoveredEvent {
	return WorkerRecoveredEvent{
		baseEvent: newBaseEvent(TypeWorkerRecovered),
		WorkerID:  workerID,
	}
}

// -----------------------------------------------------------------------------
// Lock and Snapshot Events
// -----------------------------------------------------------------------------

// ForcedUnlockEvent is emitted after the watchdog destroyed and recreated
// the fine lock.
type ForcedUnlockEvent struct {
	baseEvent
	WorkerID int // the stuck owner
	PID      int
}

// NewForcedUnlockEvent creates a ForcedUnlockEvent.
func NewForcedUnlockEvent(workerID, pid int) ForcedUnlockEvent {
	return ForcedUnlockEvent{
		baseEvent: newBaseEvent(TypeForcedUnlock),
		WorkerID:  workerID,
		PID:       pid,
	}
}

// SnapshotWrittenEvent is emitted when a snapshot file appears.
type SnapshotWrittenEvent struct {
	baseEvent
	Path string
	Seq  uint64
}

// NewSnapshotWrittenEvent creates a SnapshotWrittenEvent.
func NewSnapshotWrittenEvent(path string, seq uint64) SnapshotWrittenEvent {
	return SnapshotWrittenEvent{
		baseEvent: newBaseEvent(TypeSnapshotWritten),
		Path:      path,
		Seq:       seq,
	}
}

// -----------------------------------------------------------------------------
// Signal Events
// -----------------------------------------------------------------------------

// SignalReceivedEvent is emitted for every signal the coordinator handles.
type SignalReceivedEvent struct {
	baseEvent
	Signal os.Signal
	Stop   bool // the signal stops the run
}

// NewSignalReceivedEvent creates a SignalReceivedEvent.
func NewSignalReceivedEvent(sig os.Signal, stop bool) SignalReceivedEvent {
	return SignalReceivedEvent{
		baseEvent: newBaseEvent(TypeSignalReceived),
		Signal:    sig,
		Stop:      stop,
	}
}
