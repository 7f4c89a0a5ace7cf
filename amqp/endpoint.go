package amqp

import (
	"math/rand/v2"
	"sync"

	driver "github.com/rabbitmq/amqp091-go"

	"github.com/bryk-io/amqp-recover/errors"
)

// Selector picks the next candidate endpoint out of the configured list for
// a given reconnect attempt. Implementations must be safe for concurrent use
// since a Selector may be shared across connections.
type Selector interface {
	Next(endpoints []string, attempt int) string
}

// RoundRobin cycles through the endpoint list in order, wrapping around.
// It is the default selector: scenario 6 (spec §8) requires deterministic
// cycling over a fixed endpoint list.
func RoundRobin() Selector {
	return &roundRobinSelector{}
}

type roundRobinSelector struct {
	mu  sync.Mutex
	idx int
}

func (s *roundRobinSelector) Next(endpoints []string, _ int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := endpoints[s.idx%len(endpoints)]
	s.idx++
	return e
}

// Random picks a uniformly random endpoint on every attempt.
func Random() Selector {
	return randomSelector{}
}

type randomSelector struct{}

func (randomSelector) Next(endpoints []string, _ int) string {
	return endpoints[rand.IntN(len(endpoints))]
}

// EndpointCycler selects one endpoint per reconnect attempt from an
// immutable list using a pluggable Selector.
type EndpointCycler struct {
	endpoints []string
	selector  Selector
	attempt   int
	mu        sync.Mutex
}

func newEndpointCycler(endpoints []string, selector Selector) (*EndpointCycler, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("amqp: no endpoints configured")
	}
	if selector == nil {
		selector = RoundRobin()
	}
	return &EndpointCycler{endpoints: endpoints, selector: selector}, nil
}

// SelectOne constructs a fresh transport for the next candidate endpoint by
// invoking dial. Any error dial returns propagates to the caller unchanged
// so the outer recovery loop can move on to the next attempt. The dialed
// connection is handed back, never stashed by SelectOne itself, so the
// caller's takeover sequence is the only place a live connection ever
// becomes "current".
func (c *EndpointCycler) SelectOne(dial func(endpoint string) (*driver.Connection, error)) (*driver.Connection, error) {
	c.mu.Lock()
	addr := c.selector.Next(c.endpoints, c.attempt)
	c.attempt++
	c.mu.Unlock()
	return dial(addr)
}
