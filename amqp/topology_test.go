package amqp

import (
	"testing"

	tdd "github.com/stretchr/testify/assert"
)

func TestTopologyRegistryBasics(t *testing.T) {
	reg := newTopologyRegistry()

	reg.RecordExchange(RecordedExchange{Name: "X", Kind: "direct"})
	reg.RecordExchange(RecordedExchange{Name: "X", Kind: "topic"}) // overwrite
	tdd.Equal(t, 1, reg.ExchangeCount())

	reg.RecordQueue(RecordedQueue{Name: "Q"})
	tdd.Equal(t, 1, reg.QueueCount())

	b := RecordedBinding{Source: "X", Destination: "Q", DestinationKind: DestinationQueue, RoutingKey: "k"}
	reg.RecordBinding(b)
	reg.RecordBinding(b) // duplicate, no-op
	tdd.Equal(t, 1, reg.BindingCount())

	reg.RecordConsumer(RecordedConsumer{Tag: "C", Queue: "Q"})
	reg.RecordConsumer(RecordedConsumer{Tag: "C", Queue: "other"}) // duplicate tag, discarded
	tdd.Equal(t, 1, reg.ConsumerCount())
	snap := reg.Snapshot()
	tdd.Equal(t, "Q", snap.Consumers[0].Queue)
}

func TestTopologyRegistryRoundTripLaws(t *testing.T) {
	reg := newTopologyRegistry()

	// record_queue(q); delete_queue(q) => unchanged from baseline.
	reg.RecordQueue(RecordedQueue{Name: "Q"})
	reg.DeleteQueue("Q")
	tdd.Equal(t, 0, reg.QueueCount())
	tdd.Equal(t, 0, reg.BindingCount())

	// record_exchange(auto_delete); record_binding; delete_binding; maybe_delete => removed.
	reg.RecordExchange(RecordedExchange{Name: "E", AutoDelete: true})
	b := RecordedBinding{Source: "E", Destination: "X", DestinationKind: DestinationExchange, RoutingKey: "k"}
	reg.RecordBinding(b)
	reg.DeleteBinding(b)
	reg.MaybeDeleteAutoDeleteExchange("E")
	tdd.Equal(t, 0, reg.ExchangeCount())
}

func TestAutoDeleteCascadeOnQueueDeletion(t *testing.T) {
	// Scenario 4 (spec §8): auto-delete exchange E, queue Q bound to E.
	// delete_queue(Q) removes Q, the binding, and then E (no remaining bindings).
	reg := newTopologyRegistry()
	reg.RecordExchange(RecordedExchange{Name: "E", AutoDelete: true})
	reg.RecordQueue(RecordedQueue{Name: "Q"})
	reg.RecordBinding(RecordedBinding{Source: "E", Destination: "Q", DestinationKind: DestinationQueue})

	reg.DeleteQueue("Q")

	tdd.Equal(t, 0, reg.QueueCount())
	tdd.Equal(t, 0, reg.BindingCount())
	tdd.Equal(t, 0, reg.ExchangeCount())
}

func TestAutoDeleteCascadeOnExchangeDeletion(t *testing.T) {
	reg := newTopologyRegistry()
	reg.RecordExchange(RecordedExchange{Name: "parent", AutoDelete: true})
	reg.RecordExchange(RecordedExchange{Name: "child"})
	reg.RecordBinding(RecordedBinding{Source: "parent", Destination: "child", DestinationKind: DestinationExchange})

	reg.DeleteExchange("child")

	tdd.Equal(t, 0, reg.BindingCount())
	_, stillThere := reg.Snapshot(), true
	tdd.Equal(t, 0, reg.ExchangeCount(), "the auto-delete parent should be gone once its last binding is removed")
	_ = stillThere
}

func TestMaybeDeleteAutoDeleteQueue(t *testing.T) {
	reg := newTopologyRegistry()
	reg.RecordQueue(RecordedQueue{Name: "Q", AutoDelete: true})
	reg.RecordConsumer(RecordedConsumer{Tag: "C", Queue: "Q"})

	reg.MaybeDeleteAutoDeleteQueue("Q")
	tdd.Equal(t, 1, reg.QueueCount(), "queue still has a consumer, must survive")

	reg.DeleteConsumer("C")
	reg.MaybeDeleteAutoDeleteQueue("Q")
	tdd.Equal(t, 0, reg.QueueCount())
}

func TestRenameQueuePropagatesToBindingsAndConsumers(t *testing.T) {
	// Scenario 2 (spec §8): server-named queue rename.
	reg := newTopologyRegistry()
	reg.RecordQueue(RecordedQueue{Name: "amq.gen-001", IsServerNamed: true})
	reg.RecordBinding(RecordedBinding{Source: "X", Destination: "amq.gen-001", DestinationKind: DestinationQueue, RoutingKey: "k"})
	reg.RecordConsumer(RecordedConsumer{Tag: "ct-1", Queue: "amq.gen-001"})

	reg.RenameQueue("amq.gen-001", "amq.gen-002")
	reg.RenameConsumer("ct-1", "ct-2")

	snap := reg.Snapshot()
	tdd.Len(t, snap.Queues, 1)
	tdd.Equal(t, "amq.gen-002", snap.Queues[0].Name)
	tdd.Equal(t, "amq.gen-002", snap.Bindings[0].Destination)
	tdd.Equal(t, "amq.gen-002", snap.Consumers[0].Queue)
	tdd.Equal(t, "ct-2", snap.Consumers[0].Tag)
}
