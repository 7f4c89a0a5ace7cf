package amqp

import (
	"sync"

	"github.com/bryk-io/amqp-recover/errors"
	xlog "github.com/bryk-io/amqp-recover/log"
)

// EventKind identifies one of the facade's exposed event channels.
type EventKind string

// Event kinds exposed by the facade, per spec §6.
const (
	EventRecoverySucceeded              EventKind = "recovery_succeeded"
	EventConnectionRecoveryError        EventKind = "connection_recovery_error"
	EventConsumerTagChangedAfterRecover EventKind = "consumer_tag_changed_after_recovery"
	EventQueueNameChangedAfterRecover   EventKind = "queue_name_changed_after_recovery"
	EventCallbackException              EventKind = "callback_exception"
	EventConnectionShutdown             EventKind = "connection_shutdown"
	EventConnectionBlocked              EventKind = "connection_blocked"
	EventConnectionUnblocked            EventKind = "connection_unblocked"
)

// ConsumerTagChanged is the payload for EventConsumerTagChangedAfterRecover.
type ConsumerTagChanged struct {
	OldTag string
	NewTag string
}

// QueueNameChanged is the payload for EventQueueNameChangedAfterRecover.
type QueueNameChanged struct {
	OldName string
	NewName string
}

// Handler receives an event payload. Its concrete type depends on the kind
// it was registered for; see the Event* payload types and the individual
// driver event types forwarded as-is (*driver.Error, Blocking).
type Handler func(payload interface{})

// eventBus is a registry of callbacks per event kind, each invoked through a
// wrapper that recovers from panics and captures them (there are no
// exceptions in Go) routing them to a single fault channel, the rendition of
// "dynamic dispatch via event subscriptions" from DESIGN NOTES §9.
type eventBus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
	faults   chan error
	log      xlog.Logger
}

func newEventBus(log xlog.Logger) *eventBus {
	return &eventBus{
		handlers: make(map[EventKind][]Handler),
		faults:   make(chan error, 16),
		log:      log,
	}
}

// On registers a handler for the given event kind.
func (b *eventBus) On(kind EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Emit dispatches payload to every handler registered for kind. Handlers run
// synchronously, in registration order, each isolated from the others'
// panics.
func (b *eventBus) Emit(kind EventKind, payload interface{}) {
	b.mu.RLock()
	hh := append([]Handler(nil), b.handlers[kind]...)
	b.mu.RUnlock()
	for _, h := range hh {
		b.dispatch(kind, h, payload)
	}
}

func (b *eventBus) dispatch(kind EventKind, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.routeFault(errors.Errorf("event handler for %s panicked: %v", kind, r))
		}
	}()
	h(payload)
}

func (b *eventBus) routeFault(err error) {
	select {
	case b.faults <- err:
	default:
		b.log.WithField("error", err.Error()).Warning("dropped callback_exception, channel is full")
	}
}

// Faults exposes the callback_exception channel.
func (b *eventBus) Faults() <-chan error {
	return b.faults
}
