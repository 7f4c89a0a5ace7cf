package amqp

import (
	"sync"
	"time"

	driver "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	xlog "github.com/bryk-io/amqp-recover/log"
)

// recoveryState is one of the three phases the facade moves through across
// its lifetime (spec §4.2): Running while a transport is live and healthy,
// Recovering while a replacement is being dialed and topology replayed, and
// Closed once the application has disposed the facade, at which point no
// further attempt is ever scheduled.
type recoveryState int

const (
	stateRunning recoveryState = iota
	stateRecovering
	stateClosed
)

// RecoveryController owns the reconnect/replay loop. A single in-flight
// attempt is enforced via singleflight so that overlapping recovery
// triggers collapse into one recovery pass instead of racing two takeovers
// against each other.
type RecoveryController struct {
	facade *ConnectionFacade
	log    xlog.Logger

	mu    sync.Mutex
	state recoveryState

	group   singleflight.Group
	limiter *rate.Limiter
}

func newRecoveryController(f *ConnectionFacade) *RecoveryController {
	interval := f.cfg.recoveryInterval
	if interval <= 0 {
		interval = defaultRecoveryInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	// A freshly constructed limiter starts with a full burst token, so the
	// very first Wait() would return immediately instead of pacing the first
	// failed attempt like every attempt after it. Drain it up front.
	limiter.Allow()
	return &RecoveryController{
		facade:  f,
		log:     f.cfg.log,
		limiter: limiter,
	}
}

// stop transitions the controller to Closed. Any recovery attempt already in
// flight is allowed to finish; the loop then observes the Closed state,
// closes the transport that attempt installed and reports no success.
func (r *RecoveryController) stop() {
	r.mu.Lock()
	r.state = stateClosed
	r.mu.Unlock()
}

// triggerRecovery starts (or joins) a recovery pass for the given cause. It
// is safe to call concurrently; overlapping callers collapse onto the same
// attempt via singleflight and all observe its outcome.
func (r *RecoveryController) triggerRecovery(cause *driver.Error) {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return
	}
	r.state = stateRecovering
	r.mu.Unlock()

	_, _, _ = r.group.Do("recover", func() (interface{}, error) {
		r.runUntilSuccessOrClosed(cause)
		return nil, nil
	})
}

// runUntilSuccessOrClosed retries dialing a replacement transport, paced by
// the configured recovery interval, until either a new transport is
// established or the controller is stopped. There is no exponential
// backoff: every attempt waits the same fixed interval, by design (spec
// §4.2).
func (r *RecoveryController) runUntilSuccessOrClosed(cause *driver.Error) {
	// Drop any token accumulated while the connection was healthy so the
	// first failed attempt of this pass is paced like every later one.
	r.limiter.Allow()
	for {
		r.mu.Lock()
		closed := r.state == stateClosed
		r.mu.Unlock()
		if closed {
			return
		}

		if err := r.attempt(); err != nil {
			r.log.WithField("error", err.Error()).Warning("reconnect attempt failed")
			r.facade.events.Emit(EventConnectionRecoveryError, err)
			_ = r.limiter.Wait(noCancel{})
			continue
		}

		r.mu.Lock()
		closed = r.state == stateClosed
		if !closed {
			r.state = stateRunning
		}
		r.mu.Unlock()
		if closed {
			if conn := r.facade.raw.Load(); conn != nil && !conn.IsClosed() {
				_ = conn.Close()
			}
			return
		}
		r.facade.events.Emit(EventRecoverySucceeded, cause)
		return
	}
}

// attempt performs exactly one reconnect-and-replay cycle.
func (r *RecoveryController) attempt() error {
	newConn, err := r.facade.cycler.SelectOne(r.facade.dial)
	if err != nil {
		return &ReconnectError{Cause: err}
	}
	r.facade.takeover(newConn)

	if err := r.recoverChannels(newConn); err != nil {
		return err
	}
	if !r.facade.cfg.topologyRecoveryEnabled {
		return nil
	}
	r.recoverTopology()
	return nil
}

// recoverChannels reopens every registered ChannelProxy against the new
// transport. A channel that fails to reopen is fatal to the attempt: there
// is no meaningful topology to replay without it, so the whole pass retries
// from scratch after the pacing interval.
func (r *RecoveryController) recoverChannels(newConn *driver.Connection) error {
	var group errgroup.Group
	for _, proxy := range r.facade.channelSnapshot() {
		proxy := proxy
		group.Go(func() error {
			return proxy.automaticallyRecover(newConn)
		})
	}
	return group.Wait()
}

// recoverTopology replays the recorded topology in strict phase order —
// exchanges, then queues, then bindings, then consumers — fanning out within
// each phase but never across phases, since bindings reference queues and
// consumers reference both (spec §4.4). A failure on any single item is
// wrapped, logged and emitted without aborting the rest of the phase or the
// attempt as a whole.
func (r *RecoveryController) recoverTopology() {
	r.recoverExchanges(r.facade.entities.Snapshot().Exchanges)
	r.recoverQueues(r.facade.entities.Snapshot().Queues)
	// Bindings and consumers are read after the queue phase so that a
	// server-named queue renamed by it is replayed under its new name.
	r.recoverBindings(r.facade.entities.Snapshot().Bindings)
	r.recoverConsumers(r.facade.entities.Snapshot().Consumers)
}

func (r *RecoveryController) recoverExchanges(items []RecordedExchange) {
	var group errgroup.Group
	for _, ex := range items {
		ex := ex
		group.Go(func() error {
			proxy := r.anyChannel()
			if proxy == nil {
				return nil
			}
			if err := proxy.DeclareExchange(Exchange{
				Name: ex.Name, Kind: ex.Kind, Durable: ex.Durable,
				AutoDelete: ex.AutoDelete, Internal: ex.Internal, Arguments: ex.Arguments,
			}); err != nil {
				r.reportItemFailure(itemExchange, ex.Name, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (r *RecoveryController) recoverQueues(items []RecordedQueue) {
	var group errgroup.Group
	for _, q := range items {
		q := q
		group.Go(func() error {
			proxy := r.facade.channelByID(q.Channel)
			if proxy == nil {
				proxy = r.anyChannel()
			}
			if proxy == nil {
				return nil
			}
			declared := Queue{
				Name: q.Name, Durable: q.Durable, Exclusive: q.Exclusive,
				AutoDelete: q.AutoDelete, Arguments: q.Arguments,
			}
			if q.IsServerNamed {
				declared.Name = ""
			}
			newName, err := proxy.DeclareQueue(declared)
			if err != nil {
				r.reportItemFailure(itemQueue, q.Name, err)
				return nil
			}
			if q.IsServerNamed && newName != q.Name {
				r.facade.entities.RenameQueue(q.Name, newName)
				r.facade.events.Emit(EventQueueNameChangedAfterRecover, QueueNameChanged{
					OldName: q.Name, NewName: newName,
				})
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (r *RecoveryController) recoverBindings(items []RecordedBinding) {
	var group errgroup.Group
	for _, b := range items {
		b := b
		group.Go(func() error {
			proxy := r.anyChannel()
			if proxy == nil {
				return nil
			}
			var err error
			if b.DestinationKind == DestinationExchange {
				err = proxy.BindExchange(b.Source, b.Destination, b.RoutingKey, b.Arguments)
			} else {
				err = proxy.Bind(Binding{
					Exchange: b.Source, Queue: b.Destination,
					RoutingKey: []string{b.RoutingKey}, Arguments: b.Arguments,
				})
			}
			if err != nil {
				r.reportItemFailure(itemBinding, b.Source+"->"+b.Destination, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// recoverConsumers is the one phase re-issued through a channel-recorded
// resubscribe, not a fresh ChannelProxy method: it must rebind the existing
// app-facing delivery channel (RecordedConsumer.Handler) rather than hand
// the application a brand-new one, so consumer tag renewal is invisible to
// anything but the emitted event.
func (r *RecoveryController) recoverConsumers(items []RecordedConsumer) {
	var group errgroup.Group
	for _, c := range items {
		c := c
		group.Go(func() error {
			proxy := r.facade.channelByID(c.Channel)
			if proxy == nil {
				proxy = r.anyChannel()
			}
			if proxy == nil {
				return nil
			}
			newTag, err := proxy.resubscribe(c)
			if err != nil {
				r.reportItemFailure(itemConsumer, c.Tag, err)
				return nil
			}
			if newTag != c.Tag {
				r.facade.entities.RenameConsumer(c.Tag, newTag)
				r.facade.events.Emit(EventConsumerTagChangedAfterRecover, ConsumerTagChanged{
					OldTag: c.Tag, NewTag: newTag,
				})
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (r *RecoveryController) reportItemFailure(kind topologyItemKind, name string, cause error) {
	err := &TopologyRecoveryError{Kind: kind, Name: name, Cause: cause}
	r.log.WithField("error", err.Error()).Warning("failed to recover topology item")
	r.facade.events.Emit(EventConnectionRecoveryError, err)
}

// anyChannel returns an arbitrary recovered channel to issue declarations
// that are not tied to a specific ChannelProxy (exchanges and bindings carry
// no Channel field since any channel on the connection can declare them).
func (r *RecoveryController) anyChannel() *ChannelProxy {
	snapshot := r.facade.channelSnapshot()
	if len(snapshot) == 0 {
		return nil
	}
	return snapshot[0]
}

// noCancel satisfies context.Context for rate.Limiter.Wait without pulling
// in a real context: the recovery loop has no deadline of its own, only the
// controller's stop() transition, which the outer loop already checks.
type noCancel struct{}

func (noCancel) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noCancel) Done() <-chan struct{}       { return nil }
func (noCancel) Err() error                  { return nil }
func (noCancel) Value(interface{}) interface{} { return nil }
