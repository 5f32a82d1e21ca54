// Package eventbus is the orchestrator's in-process lifecycle broker.
// Unlike internal/pubsub (an async, buffered, drop-on-full fan-out used for
// log tailing), the event bus dispatches synchronously in subscriber
// registration order: callers rely on events being fully handled by the time
// emit() returns, and a panicking handler must never take the orchestrator
// down with it.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/2389-research/fleetd/internal/log"
)

// Type is a closed enum of event types. New types are added here, never
// invented ad hoc by callers (stringly-typed dispatch is exactly what this
// avoids).
type Type string

const (
	WorkerSpawned   Type = "worker:spawned"
	WorkerDismissed Type = "worker:dismissed"
	WorkerRecovered Type = "worker:recovered"
	WorkerError     Type = "worker:error"
	WorkerStale     Type = "worker:stale"
	WorkerSuccess   Type = "worker:success"
	WorkerFailed    Type = "worker:failed"
	WorkerOutput    Type = "worker:output"

	WaveStart    Type = "wave:start"
	WaveComplete Type = "wave:complete"

	SpawnReady Type = "spawn:ready"

	BlackboardPosted Type = "blackboard:posted"

	MailDelivered Type = "mail:delivered"

	AuditRecorded Type = "audit:recorded"
)

// Event is the payload delivered to handlers. Payload is intentionally
// loosely typed (an opaque map or struct per Type) — the bus itself does
// not interpret it.
type Event struct {
	Type    Type
	Payload any
}

// Handler processes one event. Handlers run synchronously and must not
// block indefinitely; a handler that panics is recovered and logged, never
// propagated to the emitter.
type Handler func(Event)

// Bus is a lightweight in-process broker: On(type, handler), Emit(type, payload).
type Bus struct {
	mu       sync.Mutex
	handlers map[Type][]Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// On registers a handler for the given event type. Handlers for a type are
// invoked in registration order.
func (b *Bus) On(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit synchronously invokes every handler registered for t, in registration
// order. A handler panic is recovered and logged; subsequent handlers still
// run.
func (b *Bus) Emit(t Type, payload any) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	b.mu.Unlock()

	evt := Event{Type: t, Payload: payload}
	for _, h := range handlers {
		invokeSafely(t, h, evt)
	}
}

func invokeSafely(t Type, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatEvent, "event handler panicked", "type", t, "panic", fmt.Sprintf("%v", r))
		}
	}()
	h(evt)
}
