package event

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Iron-Ham/shmguard/internal/logging"
)

func TestBus_DeliversByType(t *testing.T) {
	bus := NewBus(nil)

	var spawned []WorkerSpawnedEvent
	var exited int
	bus.Subscribe(TypeWorkerSpawned, func(e Event) { spawned = append(spawned, e.(WorkerSpawnedEvent)) })
	bus.Subscribe(TypeWorkerExited, func(Event) { exited++ })

	bus.Publish(NewWorkerSpawnedEvent(3, 4711))
	bus.Publish(NewForcedUnlockEvent(0, 1))

	if len(spawned) != 1 || spawned[0].WorkerID != 3 || spawned[0].PID != 4711 {
		t.Errorf("spawned = %+v", spawned)
	}
	if exited != 0 {
		t.Errorf("exit handler called %d times for other event types", exited)
	}
}

func TestBus_DeliveryOrder(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all-1") })
	bus.Subscribe(TypeWorkerDead, func(Event) { order = append(order, "dead-1") })
	bus.SubscribeAll(func(Event) { order = append(order, "all-2") })
	bus.Subscribe(TypeWorkerDead, func(Event) { order = append(order, "dead-2") })

	bus.Publish(NewWorkerDeadEvent(1, 2, true))

	want := []string{"dead-1", "dead-2", "all-1", "all-2"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestOn_FiltersConcreteType(t *testing.T) {
	bus := NewBus(nil)

	var paths []string
	On(bus, Wildcard, func(e SnapshotWrittenEvent) { paths = append(paths, e.Path) })

	bus.Publish(NewWorkerRecoveredEvent(1))
	bus.Publish(NewSnapshotWrittenEvent("/run/snapshots/a.zst", 1))
	bus.Publish(NewSignalReceivedEvent(syscall.SIGHUP, false))

	if len(paths) != 1 || paths[0] != "/run/snapshots/a.zst" {
		t.Errorf("paths = %v", paths)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := map[string]int{}
	keep := bus.Subscribe(TypeWorkerRecovered, func(Event) { calls["keep"]++ })
	drop := bus.Subscribe(TypeWorkerRecovered, func(Event) { calls["drop"]++ })

	if !bus.Unsubscribe(drop) {
		t.Fatal("Unsubscribe() of a live id = false")
	}
	if bus.Unsubscribe(drop) {
		t.Error("Unsubscribe() twice = true")
	}
	if bus.Unsubscribe("sub-999") {
		t.Error("Unsubscribe() of an unknown id = true")
	}
	if keep == drop {
		t.Error("subscription ids must be unique")
	}

	bus.Publish(NewWorkerRecoveredEvent(0))
	if calls["keep"] != 1 || calls["drop"] != 0 {
		t.Errorf("calls = %v", calls)
	}
	if n := bus.SubscriptionCount(); n != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", n)
	}
}

func TestBus_Tally(t *testing.T) {
	bus := NewBus(nil)
	for range 3 {
		bus.Publish(NewSnapshotWrittenEvent("s", 1))
	}
	bus.Publish(NewForcedUnlockEvent(0, 1))

	tally := bus.Tally()
	if tally[TypeSnapshotWritten] != 3 || tally[TypeForcedUnlock] != 1 {
		t.Errorf("Tally() = %v", tally)
	}
	// Published without subscribers still counts; the copy is detached.
	tally[TypeForcedUnlock] = 99
	if bus.Tally()[TypeForcedUnlock] != 1 {
		t.Error("Tally() must return a copy")
	}
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	got := 0
	bus.Subscribe(TypeWorkerExited, func(Event) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				bus.Publish(NewWorkerExitedEvent(i, 100+i, nil))
			}
		}()
		go func() {
			defer wg.Done()
			id := bus.Subscribe(TypeWorkerDead, func(Event) {})
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()

	if got != 400 {
		t.Errorf("handler saw %d events, want 400", got)
	}
	if n := bus.Tally()[TypeWorkerExited]; n != 400 {
		t.Errorf("tally = %d, want 400", n)
	}
}

func TestBus_NilBusDropsEvents(t *testing.T) {
	var bus *Bus
	bus.Publish(NewWorkerRecoveredEvent(1))
}

func TestBus_HandlerPanicIsLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := logging.NewAuditLogger(path, "info", logging.DefaultRotationConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	bus := NewBus(logger)
	delivered := false
	bus.Subscribe(TypeForcedUnlock, func(e Event) { panic("boom") })
	bus.Subscribe(TypeForcedUnlock, func(e Event) { delivered = true })
	bus.Publish(NewForcedUnlockEvent(0, 1))

	if !delivered {
		t.Error("a panicking handler must not stop delivery")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[ERROR] event handler panicked") {
		t.Errorf("expected panic to be logged, got %q", data)
	}
}

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		event    Event
		wantType string
	}{
		{NewWorkerSpawnedEvent(0, 1), TypeWorkerSpawned},
		{NewWorkerExitedEvent(0, 1, nil), TypeWorkerExited},
		{NewWorkerDeadEvent(0, 1, true), TypeWorkerDead},
		{NewWorkerUnresponsiveEvent(0, 1, time.Second, true), TypeWorkerUnresponsive},
		{NewWorkerRecoveredEvent(0), TypeWorkerRecovered},
		{NewForcedUnlockEvent(0, 1), TypeForcedUnlock},
		{NewSnapshotWrittenEvent("/tmp/s.zst", 4), TypeSnapshotWritten},
		{NewSignalReceivedEvent(syscall.SIGHUP, false), TypeSignalReceived},
	}

	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			if got := tt.event.EventType(); got != tt.wantType {
				t.Errorf("EventType() = %q, want %q", got, tt.wantType)
			}
			if time.Since(tt.event.Timestamp()) > time.Minute {
				t.Errorf("Timestamp() = %v, want recent", tt.event.Timestamp())
			}
		})
	}
}
