package amqp

import (
	"encoding/json"
	"sync"
)

// RecordedExchange mirrors a successful exchange declaration so it can be
// redeclared after a reconnect.
type RecordedExchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  map[string]interface{}
}

// RecordedQueue mirrors a successful queue declaration. Name holds the
// current name, which for server-named queues may change across recovery.
type RecordedQueue struct {
	Name          string
	Durable       bool
	Exclusive     bool
	AutoDelete    bool
	Arguments     map[string]interface{}
	IsServerNamed bool
	Channel       string // id of the ChannelProxy that declared it
}

// DestinationKind identifies what a RecordedBinding connects to.
type DestinationKind string

const (
	// DestinationExchange marks an exchange-to-exchange binding.
	DestinationExchange DestinationKind = "exchange"
	// DestinationQueue marks an exchange-to-queue binding.
	DestinationQueue DestinationKind = "queue"
)

// RecordedBinding mirrors a successful bind operation.
type RecordedBinding struct {
	Source          string
	Destination     string
	DestinationKind DestinationKind
	RoutingKey      string
	Arguments       map[string]interface{}
}

// bindingKey is the identity tuple a RecordedBinding is stored under; it
// canonicalizes Arguments so two structurally-equal maps hash the same.
type bindingKey struct {
	source          string
	destination     string
	destinationKind DestinationKind
	routingKey      string
	arguments       string
}

func (b RecordedBinding) key() bindingKey {
	raw, _ := json.Marshal(b.Arguments)
	return bindingKey{
		source:          b.Source,
		destination:     b.Destination,
		destinationKind: b.DestinationKind,
		routingKey:      b.RoutingKey,
		arguments:       string(raw),
	}
}

// RecordedConsumer mirrors a successful basic-consume registration. Tag holds
// the current consumer tag, which may change across recovery.
type RecordedConsumer struct {
	Tag       string
	Queue     string
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	Arguments map[string]interface{}
	Handler   chan<- Delivery // stable, app-facing delivery sink
	Channel   string          // id of the ChannelProxy that declared it
}

// TopologySnapshot is a point-in-time, lock-free copy of the registry used by
// the recovery walker so replay never holds the entities lock during I/O.
type TopologySnapshot struct {
	Exchanges []RecordedExchange
	Queues    []RecordedQueue
	Bindings  []RecordedBinding
	Consumers []RecordedConsumer
}

// TopologyRegistry is the single, coarse-lock-guarded store of every
// exchange, queue, binding and consumer declared through the facade. It
// enforces the broker's own auto-delete cascade rules so that the recorded
// state tracks what the broker would actually still have, not merely every
// declaration ever issued.
type TopologyRegistry struct {
	mu        sync.Mutex
	exchanges map[string]RecordedExchange
	queues    map[string]RecordedQueue
	bindings  map[bindingKey]RecordedBinding
	consumers map[string]RecordedConsumer
}

// newTopologyRegistry returns an empty registry.
func newTopologyRegistry() *TopologyRegistry {
	return &TopologyRegistry{
		exchanges: make(map[string]RecordedExchange),
		queues:    make(map[string]RecordedQueue),
		bindings:  make(map[bindingKey]RecordedBinding),
		consumers: make(map[string]RecordedConsumer),
	}
}

// RecordExchange inserts or overwrites the exchange entry. Last writer wins.
func (t *TopologyRegistry) RecordExchange(ex RecordedExchange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges[ex.Name] = ex
}

// RecordQueue inserts or overwrites the queue entry. Last writer wins.
func (t *TopologyRegistry) RecordQueue(q RecordedQueue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[q.Name] = q
}

// RecordBinding inserts the binding if absent. Bindings form a set; a
// duplicate record is a no-op.
func (t *TopologyRegistry) RecordBinding(b RecordedBinding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := b.key()
	if _, exists := t.bindings[k]; exists {
		return
	}
	t.bindings[k] = b
}

// RecordConsumer inserts the consumer if its tag is not already in use. A
// duplicate tag is discarded, matching broker behavior.
func (t *TopologyRegistry) RecordConsumer(c RecordedConsumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.consumers[c.Tag]; exists {
		return
	}
	t.consumers[c.Tag] = c
}

// DeleteExchange removes the exchange and cascades: every binding with this
// exchange as destination is removed, and each removed binding's source is
// re-evaluated for its own auto-delete cascade.
func (t *TopologyRegistry) DeleteExchange(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exchanges, name)
	for k, b := range t.bindings {
		if b.DestinationKind == DestinationExchange && b.Destination == name {
			delete(t.bindings, k)
			t.maybeDeleteAutoDeleteExchangeLocked(b.Source)
		}
	}
}

// DeleteQueue removes the queue and cascades: every binding with this queue
// as destination is removed, and each removed binding's source is
// re-evaluated for its own auto-delete cascade.
func (t *TopologyRegistry) DeleteQueue(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queues, name)
	for k, b := range t.bindings {
		if b.DestinationKind == DestinationQueue && b.Destination == name {
			delete(t.bindings, k)
			t.maybeDeleteAutoDeleteExchangeLocked(b.Source)
		}
	}
}

// DeleteBinding removes the binding only; unbinding alone never cascades.
func (t *TopologyRegistry) DeleteBinding(b RecordedBinding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, b.key())
}

// DeleteConsumer removes the consumer. Callers that also want the consumer's
// queue evaluated for auto-delete must call MaybeDeleteAutoDeleteQueue
// themselves.
func (t *TopologyRegistry) DeleteConsumer(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, tag)
}

// MaybeDeleteAutoDeleteExchange removes the exchange when it is recorded as
// auto-delete and no binding references it as source.
func (t *TopologyRegistry) MaybeDeleteAutoDeleteExchange(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeDeleteAutoDeleteExchangeLocked(name)
}

func (t *TopologyRegistry) maybeDeleteAutoDeleteExchangeLocked(name string) {
	ex, ok := t.exchanges[name]
	if !ok || !ex.AutoDelete {
		return
	}
	for _, b := range t.bindings {
		if b.Source == name {
			return
		}
	}
	delete(t.exchanges, name)
}

// MaybeDeleteAutoDeleteQueue removes the queue when it is recorded as
// auto-delete and no consumer references it.
func (t *TopologyRegistry) MaybeDeleteAutoDeleteQueue(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeDeleteAutoDeleteQueueLocked(name)
}

func (t *TopologyRegistry) maybeDeleteAutoDeleteQueueLocked(name string) {
	q, ok := t.queues[name]
	if !ok || !q.AutoDelete {
		return
	}
	for _, c := range t.consumers {
		if c.Queue == name {
			return
		}
	}
	delete(t.queues, name)
}

// RenameQueue performs the server-named-queue rename as a single logical
// step under the entities lock: the queue entry is re-keyed, every binding
// whose destination was the old name is rewritten in place, and every
// consumer whose queue was the old name is rewritten in place. Callers are
// expected to emit QueueNameChangedAfterRecovery once this returns.
func (t *TopologyRegistry) RenameQueue(oldName, newName string) {
	if oldName == newName {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := t.queues[oldName]; ok {
		delete(t.queues, oldName)
		q.Name = newName
		t.queues[newName] = q
	}
	for k, b := range t.bindings {
		if b.DestinationKind == DestinationQueue && b.Destination == oldName {
			delete(t.bindings, k)
			b.Destination = newName
			t.bindings[b.key()] = b
		}
	}
	for tag, c := range t.consumers {
		if c.Queue == oldName {
			c.Queue = newName
			t.consumers[tag] = c
		}
	}
}

// RenameConsumer re-keys a consumer entry under a new broker-issued tag.
func (t *TopologyRegistry) RenameConsumer(oldTag, newTag string) {
	if oldTag == newTag {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.consumers[oldTag]
	if !ok {
		return
	}
	delete(t.consumers, oldTag)
	c.Tag = newTag
	t.consumers[newTag] = c
}

// Snapshot returns a shallow copy of every collection so the recovery walker
// can iterate without holding the entities lock during broker I/O.
func (t *TopologyRegistry) Snapshot() TopologySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TopologySnapshot{
		Exchanges: make([]RecordedExchange, 0, len(t.exchanges)),
		Queues:    make([]RecordedQueue, 0, len(t.queues)),
		Bindings:  make([]RecordedBinding, 0, len(t.bindings)),
		Consumers: make([]RecordedConsumer, 0, len(t.consumers)),
	}
	for _, ex := range t.exchanges {
		s.Exchanges = append(s.Exchanges, ex)
	}
	for _, q := range t.queues {
		s.Queues = append(s.Queues, q)
	}
	for _, b := range t.bindings {
		s.Bindings = append(s.Bindings, b)
	}
	for _, c := range t.consumers {
		s.Consumers = append(s.Consumers, c)
	}
	return s
}

// ExchangeCount returns the number of recorded exchanges.
func (t *TopologyRegistry) ExchangeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.exchanges)
}

// QueueCount returns the number of recorded queues.
func (t *TopologyRegistry) QueueCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues)
}

// BindingCount returns the number of recorded bindings.
func (t *TopologyRegistry) BindingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}

// ConsumerCount returns the number of recorded consumers.
func (t *TopologyRegistry) ConsumerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.consumers)
}
