package amqp

import (
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"

	xlog "github.com/bryk-io/amqp-recover/log"
)

func TestEventBusDispatchesInRegistrationOrder(t *testing.T) {
	bus := newEventBus(xlog.Discard())
	var order []int
	bus.On(EventRecoverySucceeded, func(interface{}) { order = append(order, 1) })
	bus.On(EventRecoverySucceeded, func(interface{}) { order = append(order, 2) })

	bus.Emit(EventRecoverySucceeded, nil)
	tdd.Equal(t, []int{1, 2}, order)
}

func TestEventBusIsolatesPanickingHandlers(t *testing.T) {
	bus := newEventBus(xlog.Discard())
	called := false
	bus.On(EventConnectionShutdown, func(interface{}) { panic("boom") })
	bus.On(EventConnectionShutdown, func(interface{}) { called = true })

	bus.Emit(EventConnectionShutdown, nil)
	tdd.True(t, called, "second handler must still run after the first panics")

	select {
	case err := <-bus.Faults():
		tdd.Contains(t, err.Error(), "panicked")
	case <-time.After(time.Second):
		t.Fatal("expected a fault to be routed")
	}
}

func TestEventBusEmitOnlyInvokesMatchingKind(t *testing.T) {
	bus := newEventBus(xlog.Discard())
	var got []EventKind
	bus.On(EventRecoverySucceeded, func(interface{}) { got = append(got, EventRecoverySucceeded) })
	bus.On(EventConnectionShutdown, func(interface{}) { got = append(got, EventConnectionShutdown) })

	bus.Emit(EventRecoverySucceeded, nil)
	tdd.Equal(t, []EventKind{EventRecoverySucceeded}, got)
}
