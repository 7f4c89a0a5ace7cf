package amqp

import (
	"context"
	"sync"
	"sync/atomic"

	driver "github.com/rabbitmq/amqp091-go"

	"github.com/bryk-io/amqp-recover/errors"
)

// subscription tracks the app-facing delivery sink for one basic-consume
// registration, so it can survive the driver channel underneath it being
// replaced during recovery.
type subscription struct {
	opts   SubscribeOptions
	out    chan Delivery
	cancel context.CancelFunc
}

// ChannelProxy is a per-channel wrapper that survives transport replacement.
// Every topology-mutating declaration issued through it is teed into the
// owning ConnectionFacade's TopologyRegistry before returning to the caller;
// QoS, confirm-mode and tx-mode are recorded as channel-local state and
// replayed by automaticallyRecover after a takeover.
type ChannelProxy struct {
	id   string
	conn *ConnectionFacade

	ch     atomic.Pointer[driver.Channel]
	swapMu sync.RWMutex

	stateMu       sync.Mutex
	prefetchCount int
	prefetchSize  int
	confirmMode   bool
	txMode        bool
	subs          map[string]*subscription

	disposed atomic.Bool
}

func newChannelProxy(conn *ConnectionFacade, ch *driver.Channel) *ChannelProxy {
	p := &ChannelProxy{
		id:   getName("channel"),
		conn: conn,
		subs: make(map[string]*subscription),
	}
	p.ch.Store(ch)
	return p
}

// ID returns the proxy's internal identifier, recorded against every
// declaration issued through it so recovery knows which proxy owns each
// topology item.
func (p *ChannelProxy) ID() string {
	return p.id
}

func (p *ChannelProxy) current() (*driver.Channel, error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	ch := p.ch.Load()
	if ch == nil {
		return nil, ErrNotOpen
	}
	return ch, nil
}

// DeclareExchange declares ex and records it in the owning connection's
// topology registry.
func (p *ChannelProxy) DeclareExchange(ex Exchange) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, ex.Internal, false, driver.Table(ex.Arguments)); err != nil {
		return err
	}
	p.conn.entities.RecordExchange(RecordedExchange{
		Name:       ex.Name,
		Kind:       ex.Kind,
		Durable:    ex.Durable,
		AutoDelete: ex.AutoDelete,
		Internal:   ex.Internal,
		Arguments:  ex.Arguments,
	})
	return nil
}

// DeleteExchange deletes ex from the broker and cascades the removal
// through the topology registry.
func (p *ChannelProxy) DeleteExchange(name string, ifUnused bool) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDelete(name, ifUnused, false); err != nil {
		return err
	}
	p.conn.entities.DeleteExchange(name)
	return nil
}

// DeclareQueue declares q (generating a server-side name when q.Name is
// empty) and records it under the broker-assigned name.
func (p *ChannelProxy) DeclareQueue(q Queue) (string, error) {
	ch, err := p.current()
	if err != nil {
		return "", err
	}
	serverNamed := q.Name == ""
	dq, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, driver.Table(q.Arguments))
	if err != nil {
		return "", err
	}
	p.conn.entities.RecordQueue(RecordedQueue{
		Name:          dq.Name,
		Durable:       q.Durable,
		Exclusive:     q.Exclusive,
		AutoDelete:    q.AutoDelete,
		Arguments:     q.Arguments,
		IsServerNamed: serverNamed,
		Channel:       p.id,
	})
	return dq.Name, nil
}

// DeleteQueue deletes a queue and cascades the removal through the topology
// registry.
func (p *ChannelProxy) DeleteQueue(name string, ifUnused, ifEmpty bool) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(name, ifUnused, ifEmpty, false); err != nil {
		return err
	}
	p.conn.entities.DeleteQueue(name)
	return nil
}

// Bind connects exchange to queue for every routing key in b.RoutingKey (or
// once, with an empty key, if none are given), recording one binding entry
// per key.
func (p *ChannelProxy) Bind(b Binding) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	keys := b.RoutingKey
	if len(keys) == 0 {
		keys = []string{""}
	}
	for _, rk := range keys {
		if err := ch.QueueBind(b.Queue, rk, b.Exchange, false, driver.Table(b.Arguments)); err != nil {
			return err
		}
		p.conn.entities.RecordBinding(RecordedBinding{
			Source:          b.Exchange,
			Destination:     b.Queue,
			DestinationKind: DestinationQueue,
			RoutingKey:      rk,
			Arguments:       b.Arguments,
		})
	}
	return nil
}

// Unbind removes a single exchange-to-queue binding.
func (p *ChannelProxy) Unbind(b Binding, routingKey string) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if err := ch.QueueUnbind(b.Queue, routingKey, b.Exchange, driver.Table(b.Arguments)); err != nil {
		return err
	}
	p.conn.entities.DeleteBinding(RecordedBinding{
		Source:          b.Exchange,
		Destination:     b.Queue,
		DestinationKind: DestinationQueue,
		RoutingKey:      routingKey,
		Arguments:       b.Arguments,
	})
	return nil
}

// BindExchange connects source to destination (an exchange-to-exchange
// binding, spec §3).
func (p *ChannelProxy) BindExchange(source, destination, routingKey string, args map[string]interface{}) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if err := ch.ExchangeBind(destination, routingKey, source, false, driver.Table(args)); err != nil {
		return err
	}
	p.conn.entities.RecordBinding(RecordedBinding{
		Source:          source,
		Destination:     destination,
		DestinationKind: DestinationExchange,
		RoutingKey:      routingKey,
		Arguments:       args,
	})
	return nil
}

// Qos applies prefetch settings and records them as channel-local state so
// they are replayed after recovery.
func (p *ChannelProxy) Qos(count, size int) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if err := ch.Qos(count, size, false); err != nil {
		return err
	}
	p.stateMu.Lock()
	p.prefetchCount, p.prefetchSize = count, size
	p.stateMu.Unlock()
	return nil
}

// Confirm enables publisher-confirm mode and records it as channel-local
// state.
func (p *ChannelProxy) Confirm(noWait bool) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if err := ch.Confirm(noWait); err != nil {
		return err
	}
	p.stateMu.Lock()
	p.confirmMode = true
	p.stateMu.Unlock()
	return nil
}

// Tx enables transactional mode and records it as channel-local state.
func (p *ChannelProxy) Tx() error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if err := ch.Tx(); err != nil {
		return err
	}
	p.stateMu.Lock()
	p.txMode = true
	p.stateMu.Unlock()
	return nil
}

// Consume opens a subscription and records it in the topology registry. The
// returned channel is stable across recovery: on takeover the proxy
// re-subscribes on the replacement channel and re-pumps deliveries into this
// same channel, so the application's range loop never sees it close.
func (p *ChannelProxy) Consume(opts SubscribeOptions) (<-chan Delivery, string, error) {
	ch, err := p.current()
	if err != nil {
		return nil, "", err
	}
	tag := getName(p.conn.cfg.name)
	driverCh, err := ch.Consume(opts.Queue, tag, opts.AutoAck, opts.Exclusive, false, false, driver.Table(opts.Arguments))
	if err != nil {
		return nil, "", err
	}

	out := make(chan Delivery, 1)
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{opts: opts, out: out, cancel: cancel}

	p.stateMu.Lock()
	p.subs[tag] = sub
	p.stateMu.Unlock()

	p.conn.entities.RecordConsumer(RecordedConsumer{
		Tag:       tag,
		Queue:     opts.Queue,
		AutoAck:   opts.AutoAck,
		Exclusive: opts.Exclusive,
		Arguments: opts.Arguments,
		Handler:   out,
		Channel:   p.id,
	})
	go pumpDeliveries(ctx, driverCh, out)
	return out, tag, nil
}

// Cancel terminates a subscription, evaluating the auto-delete cascade for
// its queue once the consumer entry is removed.
func (p *ChannelProxy) Cancel(tag string) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	if err := ch.Cancel(tag, false); err != nil {
		return err
	}

	p.stateMu.Lock()
	sub, ok := p.subs[tag]
	delete(p.subs, tag)
	p.stateMu.Unlock()

	p.conn.entities.DeleteConsumer(tag)
	if ok {
		sub.cancel()
		close(sub.out)
		p.conn.entities.MaybeDeleteAutoDeleteQueue(sub.opts.Queue)
	}
	return nil
}

// automaticallyRecover opens a fresh channel on the replacement transport
// and replays confirm-mode, tx-mode and prefetch settings, in that order
// (spec §4.4). Consumer re-subscription is driven separately by the
// RecoveryController's RecoverConsumers phase via resubscribe.
func (p *ChannelProxy) automaticallyRecover(conn *driver.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	p.swapMu.Lock()
	p.ch.Store(ch)
	p.swapMu.Unlock()

	p.stateMu.Lock()
	confirm, tx, count, size := p.confirmMode, p.txMode, p.prefetchCount, p.prefetchSize
	p.stateMu.Unlock()

	if confirm {
		if err := ch.Confirm(false); err != nil {
			return err
		}
	}
	if tx {
		if err := ch.Tx(); err != nil {
			return err
		}
	}
	if count > 0 || size > 0 {
		if err := ch.Qos(count, size, false); err != nil {
			return err
		}
	}
	return nil
}

// resubscribe re-issues basic-consume for a previously recorded subscription
// on this proxy's (already recovered) channel, and re-pumps deliveries into
// the existing app-facing channel. Returns the consumer tag freshly
// generated for the new subscription, which always differs from rc.Tag.
func (p *ChannelProxy) resubscribe(rc RecordedConsumer) (string, error) {
	ch, err := p.current()
	if err != nil {
		return "", err
	}

	p.stateMu.Lock()
	sub, ok := p.subs[rc.Tag]
	p.stateMu.Unlock()
	if !ok {
		return "", errors.New("amqp: no local subscription state to recover for tag " + rc.Tag)
	}

	newTag := getName(p.conn.cfg.name)
	driverCh, err := ch.Consume(rc.Queue, newTag, rc.AutoAck, rc.Exclusive, rc.NoLocal, false, driver.Table(rc.Arguments))
	if err != nil {
		return "", err
	}

	sub.cancel() // stop the pump left over from the dead channel, if any
	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	sub.opts.Queue = rc.Queue

	p.stateMu.Lock()
	delete(p.subs, rc.Tag)
	p.subs[newTag] = sub
	p.stateMu.Unlock()

	go pumpDeliveries(ctx, driverCh, sub.out)
	return newTag, nil
}

// NotifyPublish forwards to the current driver channel's publisher-confirm
// notifications. Valid only after Confirm has been called.
func (p *ChannelProxy) NotifyPublish(c chan driver.Confirmation) chan driver.Confirmation {
	ch, err := p.current()
	if err != nil {
		return c
	}
	return ch.NotifyPublish(c)
}

// NotifyReturn forwards to the current driver channel's undeliverable
// message notifications.
func (p *ChannelProxy) NotifyReturn(c chan driver.Return) chan driver.Return {
	ch, err := p.current()
	if err != nil {
		return c
	}
	return ch.NotifyReturn(c)
}

// NotifyClose forwards to the current driver channel's close notifications.
// Recovery already watches the connection-level close; this is exposed so a
// Publisher can additionally react to a channel-only exception without
// waiting on a full reconnect.
func (p *ChannelProxy) NotifyClose(c chan *driver.Error) chan *driver.Error {
	ch, err := p.current()
	if err != nil {
		close(c)
		return c
	}
	return ch.NotifyClose(c)
}

// Publish sends a message through the current driver channel.
func (p *ChannelProxy) Publish(exchange, routingKey string, mandatory, immediate bool, msg driver.Publishing) error {
	ch, err := p.current()
	if err != nil {
		return err
	}
	return ch.Publish(exchange, routingKey, mandatory, immediate, msg)
}

// Dispose marks the proxy as no longer usable and unregisters it from the
// owning connection so recovery stops tracking it.
func (p *ChannelProxy) Dispose() {
	if p.disposed.Swap(true) {
		return
	}
	p.conn.channelsMu.Lock()
	delete(p.conn.channels, p.id)
	p.conn.channelsMu.Unlock()

	p.stateMu.Lock()
	for _, sub := range p.subs {
		sub.cancel()
	}
	p.subs = nil
	p.stateMu.Unlock()
}

// pumpDeliveries forwards deliveries from the live driver channel into the
// stable, app-facing channel until the driver channel closes or ctx is
// cancelled (the latter happens when a newer pump takes over after
// recovery).
func pumpDeliveries(ctx context.Context, in <-chan Delivery, out chan<- Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}
