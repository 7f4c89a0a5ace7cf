package amqp

import (
	"context"
	"sync"

	"github.com/bryk-io/amqp-recover/errors"
	xlog "github.com/bryk-io/amqp-recover/log"
)

// rpc provides the request/reply convenience layer shared by Publisher and
// Consumer when WithRPC is set: a publisher gets a dedicated consumer to
// collect responses, a consumer gets a dedicated publisher to submit them.
type rpc struct {
	consumer *Consumer               // dedicated consumer channel on the shared connection
	publisher *Publisher             // dedicated publisher channel on the shared connection
	mode     string                  // "pub" or "sub", based on its parent handler
	sink     string                  // exclusive queue used to collect responses
	resp     map[string]chan Message // response handlers, keyed by request id
	ctx      context.Context         // parent handler's context
	incoming <-chan Delivery         // subscription for response messages
	log      xlog.Logger             // internal logger
	mu       sync.RWMutex
}

// isReady reports whether the peer connection backing this RPC handler is
// currently usable.
func (r *rpc) isReady() bool {
	switch r.mode {
	case "pub":
		return r.consumer != nil && r.consumer.conn.IsOpen()
	case "sub":
		return r.publisher != nil && r.publisher.conn.IsOpen()
	}
	return false
}

// queue returns the ephemeral queue used to wait for responses.
func (r *rpc) queue() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sink
}

// close releases the RPC handler's dedicated peer consumer or publisher; the
// shared connection stays open.
func (r *rpc) close() error {
	switch r.mode {
	case "pub":
		return r.consumer.Close()
	case "sub":
		return r.publisher.Close()
	}
	return nil
}

// eventLoop sets up the response queue once the RPC handler is constructed.
// Unlike the original session-bound design, the queue only needs to be
// declared once: it lives on a ChannelProxy and is transparently redeclared
// by recovery like any other topology item.
func (r *rpc) eventLoop() {
	if err := r.setupQueue(); err != nil {
		r.log.WithField("error", err.Error()).Warning("failed to setup RPC queue")
	}
}

// responseHandler registers and returns a one-shot channel for a given
// request id, de-registering it once ctx is done or a response arrives.
func (r *rpc) responseHandler(ctx context.Context, id string) <-chan Message {
	handler := make(chan Message, 1)
	r.mu.Lock()
	r.resp[id] = handler
	r.mu.Unlock()

	go func(ctx context.Context, id string, h chan Message) {
		select {
		case <-r.ctx.Done():
		case <-ctx.Done():
		case _, ok := <-h:
			if ok {
				return
			}
		}
		r.mu.Lock()
		delete(r.resp, id)
		r.mu.Unlock()
	}(ctx, id, handler)
	return handler
}

// submitResponse publishes a response to the replyTo queue using the
// default exchange for routing.
func (r *rpc) submitResponse(msg Message, replyTo string) error {
	if r.publisher == nil {
		return errors.New("RPC not enabled to submit responses")
	}
	status, err := r.publisher.Push(msg, MessageOptions{RoutingKey: replyTo})
	if err != nil {
		return err
	}
	if !status {
		return errors.New("failed to submit RPC response")
	}
	return nil
}

// handleResponses routes every incoming response to its waiting handler, if
// any, unpacking the delivery into the simpler Message shape.
func (r *rpc) handleResponses() {
	for resp := range r.incoming {
		r.mu.Lock()
		handler, ok := r.resp[resp.CorrelationId]
		r.mu.Unlock()

		if ok {
			handler <- deliveryToMessage(resp)
			close(handler)
			continue
		}
		r.log.WithField("request-id", resp.CorrelationId).Warning("unknown RPC request")
	}
}

// setupQueue declares the exclusive, auto-delete response queue and starts
// routing deliveries into handleResponses.
func (r *rpc) setupQueue() error {
	r.log.Debug("setup RPC queue")
	name, err := r.consumer.AddQueue(Queue{
		Name:       getName("rpc"),
		Durable:    false,
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return err
	}

	deliveries, id, err := r.consumer.Subscribe(SubscribeOptions{
		Queue:     name,
		AutoAck:   true,
		Exclusive: true,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.sink = name
	r.incoming = deliveries
	r.mu.Unlock()

	go r.handleResponses()
	r.log.WithFields(xlog.Fields{
		"queue":    name,
		"consumer": id,
	}).Info("RPC queue ready")
	return nil
}

// deliveryToMessage "unpacks" a message instance out of its delivery
// wrapper.
func deliveryToMessage(d Delivery) Message {
	return Message{
		Headers:         d.Headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
