// Package bus provides a small synchronous, typed publish/subscribe
// mechanism the runner subsystem uses to decouple the stdout pipeline,
// process lifecycle, restart policy, and watchdog from one another.
// Delivery is synchronous: Emit runs every handler in the producer's
// goroutine before it returns.
package bus

import (
	"sync"

	"github.com/fleetrunner/runnerd/internal/telemetry"
)

// Kind identifies the category of an event on the bus.
type Kind string

const (
	KindActivity               Kind = "activity"
	KindSessionID              Kind = "session_id"
	KindProcessSpawned         Kind = "process_spawned"
	KindProcessSpawnError      Kind = "process_spawn_error"
	KindProcessClosed          Kind = "process_closed"
	KindWatchdogMissingProcess Kind = "watchdog_missing_process"
	KindEvent                  Kind = "event"
)

// Payload carries the data for one bus event. Which fields are
// meaningful is selected by Kind — the same tagged-union shape used by
// cliproto.Event.
type Payload struct {
	Kind Kind

	// activity
	ActivityAt int64 // unix nanos

	// session_id
	SessionID string

	// process_spawned / process_closed
	PID      int
	ExitCode int
	ExitErr  error

	// process_spawn_error
	SpawnErr error

	// watchdog_missing_process
	LastSeenPID int

	// event — a normalized cliproto.Event re-published for downstream
	// consumers (narrative extractor, supervisor), carried as `any` to
	// avoid an import cycle with cliproto. For process_closed it carries
	// the terminating signal's name as a string, or nil.
	Event any

	// event — set instead of Event when the stdout pipeline could not
	// decode a line as JSON; carries the line already prefixed "[raw] "
	// for direct forwarding to the output callback.
	RawLine string
}

// Handler receives bus events. Handlers run synchronously on the
// publisher's goroutine; a handler that needs to do slow work should
// hand off to its own goroutine.
type Handler func(Payload)

// Bus is a closed-enum synchronous event bus. The zero value is not
// usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]subscription
	nextID   uint64
}

type subscription struct {
	id uint64
	fn Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Kind][]subscription)}
}

// On registers fn for events of the given kind and returns an unsubscribe
// function.
func (b *Bus) On(kind Kind, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[kind]
		for i, s := range subs {
			if s.id == id {
				b.handlers[kind] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit synchronously dispatches payload to every handler registered for
// payload.Kind. A handler panic is recovered and logged rather than
// propagated, so one misbehaving subscriber cannot take down the
// publisher (typically the stdout pipeline goroutine).
func (b *Bus) Emit(payload Payload) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[payload.Kind]))
	copy(subs, b.handlers[payload.Kind])
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s.fn, payload)
	}
}

func (b *Bus) dispatch(fn Handler, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.LogKV("bus", "recovered panic in event handler", "kind", payload.Kind, "panic", r)
		}
	}()
	fn(payload)
}
