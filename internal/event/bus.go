package event

import (
	"maps"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/Iron-Ham/shmguard/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

// Wildcard matches every event type.
const Wildcard = "*"

type subscription struct {
	id      string
	match   string
	handler Handler
}

// Bus is a synchronous pub-sub event bus. The coordinator's observers
// (watchdog, snapshot watcher, signal router, supervisor) publish on it; the
// statistics collector and tests subscribe. Handlers run on the publishing
// goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	tally  map[string]uint64
	logger *logging.Logger
}

// NewBus creates a new event bus. Handler panics are logged to logger,
// which may be nil.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{
		tally:  make(map[string]uint64),
		logger: logger.WithComponent("event"),
	}
}

// Subscribe registers handler for eventType, or for every type when
// eventType is Wildcard. The returned id is passed to Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := "sub-" + strconv.FormatUint(b.nextID, 10)
	b.subs = append(b.subs, subscription{id: id, match: eventType, handler: handler})
	return id
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// On subscribes fn to eventType, delivering only events of concrete type T.
func On[T Event](b *Bus, eventType string, fn func(T)) string {
	return b.Subscribe(eventType, func(e Event) {
		if te, ok := e.(T); ok {
			fn(te)
		}
	})
}

// Unsubscribe removes a subscription by id and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish dispatches an event. Handlers for its type run before wildcard
// handlers, each group in subscription order. A panicking handler is logged
// and does not stop delivery. A nil Bus drops the event.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	eventType := event.EventType()

	b.mu.Lock()
	b.tally[eventType]++
	var specific, wildcard []Handler
	for _, sub := range b.subs {
		switch sub.match {
		case eventType:
			specific = append(specific, sub.handler)
		case Wildcard:
			wildcard = append(wildcard, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range specific {
		b.safeCall(h, event)
	}
	for _, h := range wildcard {
		b.safeCall(h, event)
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event.EventType(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(event)
}

// Tally returns how many events of each type have been published.
func (b *Bus) Tally() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.tally)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
