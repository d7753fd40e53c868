// Package event provides a pub-sub bus and the events exchanged between the
// coordinator's observers: the supervisor, the watchdog, the snapshot
// watcher and the reporters.
//
// # Main Types
//
//   - [Event]: interface providing EventType() and Timestamp()
//   - [Bus]: synchronous pub-sub dispatcher, safe for concurrent use
//   - [Handler]: func(Event)
//   - [On]: typed subscription helper
//
// # Event Categories
//
// Worker lifecycle: [WorkerSpawnedEvent], [WorkerExitedEvent],
// [WorkerDeadEvent], [WorkerUnresponsiveEvent], [WorkerRecoveredEvent].
//
// Lock and snapshot: [ForcedUnlockEvent], [SnapshotWrittenEvent].
//
// Signals: [SignalReceivedEvent].
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//
//	event.On(bus, event.TypeForcedUnlock, func(fu event.ForcedUnlockEvent) {
//	    console.Warn("forced unlock", "worker", fu.WorkerID)
//	})
//
//	bus.Publish(event.NewForcedUnlockEvent(2, 4711))
//
// Handlers run synchronously on the publisher's goroutine. A panicking
// handler is logged and does not prevent delivery to the others. Publishing
// on a nil *Bus is a no-op, so components can be built without one.
package event
