package amqp

import (
	"context"
	"sync"

	driver "github.com/rabbitmq/amqp091-go"

	"github.com/bryk-io/amqp-recover/errors"
	xlog "github.com/bryk-io/amqp-recover/log"
)

// Delivery instances represent a message received from the broker server.
type Delivery = driver.Delivery

// SubscribeOptions allow a consumer to specify the settings and behavior
// for a message delivery channel with the broker.
type SubscribeOptions struct {
	// Queue to subscribe to.
	Queue string `json:"queue" yaml:"queue"`

	// When set, the server will acknowledge deliveries to this consumer
	// prior to writing them to the network. The consumer should not call
	// `Delivery.Ack`.
	AutoAck bool `json:"auto_ack" yaml:"auto_ack"`

	// When set, the broker will ensure this is the sole consumer for the
	// specified queue.
	Exclusive bool `json:"exclusive" yaml:"exclusive"`

	// Additional arguments.
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:",omitempty"`
}

// Consumer instances receive messages from a broker server over a dedicated
// channel of a recovering connection. Subscriptions opened through it
// survive reconnects transparently: the application keeps ranging over the
// same Go channel while the underlying consumer tag is silently renewed.
type Consumer struct {
	conn *ConnectionFacade
	ch   *ChannelProxy
	log  xlog.Logger
	rpc  *rpc

	mu   sync.Mutex
	ctx  context.Context
	halt context.CancelFunc
}

// NewConsumer opens a recovering connection to addr and returns a consumer
// riding on a dedicated channel.
func NewConsumer(addr string, options ...Option) (*Consumer, error) {
	opts := append([]Option{WithEndpoints(addr)}, options...)
	conn, err := Open(opts...)
	if err != nil {
		return nil, err
	}
	return newConsumerOnFacade(conn)
}

func newConsumerOnFacade(conn *ConnectionFacade) (*Consumer, error) {
	ch, err := conn.CreateChannel()
	if err != nil {
		return nil, err
	}
	ctx, halt := context.WithCancel(context.Background())
	c := &Consumer{
		conn: conn,
		ch:   ch,
		log:  conn.cfg.log,
		ctx:  ctx,
		halt: halt,
	}
	if conn.cfg.rpcEnabled {
		if err := c.setupRPC(); err != nil {
			c.log.WithField("error", err.Error()).Warning("RPC error")
		}
	}
	return c, nil
}

// AddQueue creates a new queue if it doesn't already exist, or ensures that
// an existing queue matches the same parameters.
func (c *Consumer) AddQueue(q Queue) (string, error) {
	return c.ch.DeclareQueue(q)
}

// AddBinding connects an exchange to a queue so that messages published to
// it will be routed to the queue when the routing key matches.
func (c *Consumer) AddBinding(b Binding) error {
	return c.ch.Bind(b)
}

// Subscribe opens a channel to immediately start receiving queued messages.
// A single consumer instance can open multiple subscriptions; range over the
// returned channel to receive deliveries. The channel is closed only by an
// explicit CloseSubscription, never implicitly by a reconnect; Close stops
// deliveries into it but does not close it.
func (c *Consumer) Subscribe(opts SubscribeOptions) (<-chan Delivery, string, error) {
	c.log.WithField("queue", opts.Queue).Debug("opening new subscription")
	return c.ch.Consume(opts)
}

// CloseSubscription gracefully terminates an existing subscription, waiting
// for any in-flight message to be delivered.
func (c *Consumer) CloseSubscription(id string) error {
	return c.ch.Cancel(id)
}

// RespondRPC submits a response for a received RPC request. The response's
// CorrelationId MUST be set to the original request's MessageId.
func (c *Consumer) RespondRPC(msg Message, replyTo string) error {
	if !c.hasRPC() {
		return errors.New("RPC not enabled")
	}
	if !c.rpc.isReady() {
		return errors.New("RPC not ready")
	}
	c.log.WithFields(xlog.Fields{
		"request-id": msg.CorrelationId,
		"reply-to":   replyTo,
	}).Info("RPC response")
	return c.rpc.submitResponse(msg, replyTo)
}

// Close releases the consumer's channel and its RPC handler, if any. The
// underlying connection is not closed, including one opened by NewConsumer.
func (c *Consumer) Close() error {
	c.log.Debug("closing consumer")
	if c.rpc != nil {
		if err := c.rpc.close(); err != nil {
			c.log.WithField("error", err.Error()).Warning("RPC close error")
		}
	}
	c.halt()
	c.ch.Dispose()
	return nil
}

func (c *Consumer) hasRPC() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpc != nil
}

func (c *Consumer) setupRPC() error {
	if c.hasRPC() {
		return nil
	}
	publisher, err := newPublisherOnFacade(c.conn, true)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rpc = &rpc{
		publisher: publisher,
		mode:      "sub",
		log:       c.log,
		ctx:       c.ctx,
	}
	c.mu.Unlock()
	return nil
}
