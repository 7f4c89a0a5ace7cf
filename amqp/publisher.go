package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	driver "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"

	"github.com/bryk-io/amqp-recover/errors"
	xlog "github.com/bryk-io/amqp-recover/log"
)

// MessageOptions allow a publisher to adjust the expected behavior when
// dispatching a message to a broker instance.
type MessageOptions struct {
	// Name of the exchange to publish the message to. An empty string
	// (the default value) represents the default exchange.
	Exchange string

	// Allows the broker to route the message based on the topology
	// and settings specified.
	RoutingKey string

	// Allows to specify a Time-To-Live on a per-message basis, in seconds.
	// The default value is 0, meaning no TTL.
	TTL int

	// Mandatory messages are returned by the broker if no queue is bound
	// that matches the routing key.
	Mandatory bool

	// Immediate messages are returned by the broker if no consumer on the
	// matched queue is ready to accept the delivery.
	Immediate bool

	// By default, all messages are transient. Persistent messages will be
	// restored during server restart if published to durable queues.
	Persistent bool

	// Message priority level to be used if the destination queue supports
	// it, between 0 (default) and 9.
	Priority uint8
}

// Return captures the fields the server sends back when a publish operation
// could not be delivered, either due to "mandatory" with no matching route
// or "immediate" with no free consumer.
type Return = driver.Return

// Message sent to the server.
type Message = driver.Publishing

// Publisher instances are responsible for sending messages to a broker for
// asynchronous consumption. It rides on a single ChannelProxy of a shared
// ConnectionFacade, so publish confirmations keep working across a
// reconnect without the caller noticing more than a brief stall.
type Publisher struct {
	conn *ConnectionFacade
	ch   *ChannelProxy
	log  xlog.Logger
	rpc  *rpc

	notifyMu sync.Mutex
	ackCh    []chan<- bool
	retCh    []chan<- Return

	wg   sync.WaitGroup
	ctx  context.Context
	halt context.CancelFunc
}

// NewPublisher opens a recovering connection to addr and returns a publisher
// riding on a dedicated, confirm-mode channel.
func NewPublisher(addr string, options ...Option) (*Publisher, error) {
	opts := append([]Option{WithEndpoints(addr)}, options...)
	conn, err := Open(opts...)
	if err != nil {
		return nil, err
	}
	return newPublisherOnFacade(conn, true)
}

func newPublisherOnFacade(conn *ConnectionFacade, confirmMode bool) (*Publisher, error) {
	ch, err := conn.CreateChannel()
	if err != nil {
		return nil, err
	}
	if confirmMode {
		if err := ch.Confirm(false); err != nil {
			return nil, err
		}
	}

	ctx, halt := context.WithCancel(context.Background())
	p := &Publisher{
		conn: conn,
		ch:   ch,
		log:  conn.cfg.log,
		ctx:  ctx,
		halt: halt,
	}
	go p.watchConfirmations()

	if conn.cfg.rpcEnabled {
		if err := p.setupRPC(); err != nil {
			p.log.WithField("error", err.Error()).Warning("RPC error")
		}
	}
	return p, nil
}

// AddExchange declares an exchange over the publisher's channel.
func (p *Publisher) AddExchange(ex Exchange) error {
	return p.ch.DeclareExchange(ex)
}

// MessageReturns registers a monitor for messages the broker returns as
// undeliverable.
func (p *Publisher) MessageReturns() <-chan Return {
	monitor := make(chan Return, 1)
	p.notifyMu.Lock()
	p.retCh = append(p.retCh, monitor)
	p.notifyMu.Unlock()
	return monitor
}

// UnsafePush publishes the message without waiting for the broker's
// confirmation. It returns an error only if the connection is not currently
// usable; no guarantee is made about whether the server received it.
func (p *Publisher) UnsafePush(msg Message, opts MessageOptions) error {
	if opts.Persistent {
		msg.DeliveryMode = driver.Persistent
	}
	if ttl := opts.TTL; ttl != 0 {
		if ttl < 0 {
			ttl = 0
		}
		msg.Expiration = fmt.Sprintf("%d", ttl*1000)
	}
	if opts.Priority <= 9 {
		msg.Priority = opts.Priority
	}
	p.log.Debug("publishing message")
	return p.ch.Publish(opts.Exchange, opts.RoutingKey, opts.Mandatory, opts.Immediate, msg)
}

// Push publishes the message and blocks until the broker confirms it,
// retrying the publish if it fails or no confirmation arrives within the
// resend delay. An error is returned only when the publisher is closed while
// waiting; a negative confirmation (nack) is reported through the returned
// bool.
func (p *Publisher) Push(msg Message, opts MessageOptions) (bool, error) {
	p.wg.Add(1)
	defer p.wg.Done()

	for {
		ack := p.registerAck()
		if err := p.UnsafePush(msg, opts); err != nil {
			p.log.WithField("error", err.Error()).Warning("push failed")
			select {
			case <-p.ctx.Done():
				return false, errors.New(errShutdown)
			case <-time.After(resendDelay):
				continue
			}
		}

		select {
		case status, ok := <-ack:
			if ok {
				p.log.WithField("status", status).Debug("push confirmed")
				return status, nil
			}
		case <-p.ctx.Done():
			return false, errors.New(errShutdown)
		case <-time.After(resendDelay):
			p.log.Warning(errUnconfirmedPush)
			continue
		}
	}
}

// SubmitRPC publishes msg as an RPC request and returns a handler to wait for
// the response. Cancelling ctx cancels only the wait, not the in-flight
// request.
func (p *Publisher) SubmitRPC(ctx context.Context, exchange string, msg Message) (<-chan Message, error) {
	if !p.hasRPC() {
		return nil, errors.New("RPC not enabled")
	}
	if !p.rpc.isReady() {
		return nil, errors.New("RPC not ready")
	}

	msg.ReplyTo = p.rpc.queue()
	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}
	status, err := p.Push(msg, MessageOptions{Exchange: exchange})
	if err != nil {
		return nil, err
	}
	if !status {
		return nil, errors.New("failed to submit RPC request")
	}

	p.log.WithField("request-id", msg.MessageId).Info("RPC request")
	return p.rpc.responseHandler(ctx, msg.MessageId), nil
}

// GetDispatcher returns a preconfigured interface to simplify publishing
// several messages with a shared base configuration.
func (p *Publisher) GetDispatcher(ctx context.Context, safe bool, opts MessageOptions) *Dispatcher {
	dp := &Dispatcher{
		ctx:    ctx,
		safe:   safe,
		opts:   opts,
		name:   getName("dispatcher"),
		done:   make(chan struct{}),
		msgCh:  make(chan Message),
		errCh:  make(chan error),
		parent: p,
	}
	go dp.eventLoop()
	return dp
}

// Close waits for in-flight publish operations to settle and releases the
// publisher's channel. The underlying connection is not closed, including
// one opened by NewPublisher.
func (p *Publisher) Close() error {
	p.log.Debug("closing publisher")
	if p.rpc != nil {
		if err := p.rpc.close(); err != nil {
			p.log.WithField("error", err.Error()).Warning("RPC close error")
		}
	}
	p.halt()
	p.wg.Wait()
	p.ch.Dispose()
	return nil
}

func (p *Publisher) registerAck() <-chan bool {
	ack := make(chan bool, 1)
	p.notifyMu.Lock()
	p.ackCh = append(p.ackCh, ack)
	p.notifyMu.Unlock()
	return ack
}

func (p *Publisher) hasRPC() bool {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	return p.rpc != nil
}

func (p *Publisher) setupRPC() error {
	if p.hasRPC() {
		return nil
	}
	consumer, err := newConsumerOnFacade(p.conn)
	if err != nil {
		return err
	}
	p.notifyMu.Lock()
	p.rpc = &rpc{
		consumer: consumer,
		resp:     make(map[string]chan Message),
		mode:     "pub",
		log:      p.log,
		ctx:      p.ctx,
	}
	p.notifyMu.Unlock()
	go p.rpc.eventLoop()
	return nil
}

// watchConfirmations pops one pending ack/return listener per confirmation
// or return notification the broker sends, mirroring the one-shot channel
// protocol the teacher's session used for the same purpose.
func (p *Publisher) watchConfirmations() {
	confirmCh := p.ch.NotifyPublish(make(chan driver.Confirmation, 16))
	returnCh := p.ch.NotifyReturn(make(chan driver.Return, 16))
	for {
		select {
		case <-p.ctx.Done():
			return
		case c, ok := <-confirmCh:
			if !ok {
				// The driver channel went away; listen again on whichever
				// channel the proxy holds once recovery has swapped it in.
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(resendDelay):
				}
				confirmCh = p.ch.NotifyPublish(make(chan driver.Confirmation, 16))
				returnCh = p.ch.NotifyReturn(make(chan driver.Return, 16))
				continue
			}
			if c.DeliveryTag == 0 {
				continue
			}
			p.notifyMu.Lock()
			if len(p.ackCh) == 0 {
				p.notifyMu.Unlock()
				continue
			}
			idx := len(p.ackCh) - 1
			ack := p.ackCh[idx]
			p.ackCh = p.ackCh[:idx]
			p.notifyMu.Unlock()
			ack <- c.Ack
			close(ack)
		case r, ok := <-returnCh:
			if !ok {
				continue
			}
			p.notifyMu.Lock()
			listeners := append([]chan<- Return(nil), p.retCh...)
			p.notifyMu.Unlock()
			for _, l := range listeners {
				select {
				case l <- r:
				case <-time.After(ackDelay):
				}
			}
		}
	}
}
