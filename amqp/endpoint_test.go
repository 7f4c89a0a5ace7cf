package amqp

import (
	"testing"

	driver "github.com/rabbitmq/amqp091-go"
	tdd "github.com/stretchr/testify/assert"

	"github.com/bryk-io/amqp-recover/errors"
)

func TestRoundRobinSelector(t *testing.T) {
	endpoints := []string{"a", "b", "c"}
	s := RoundRobin()
	got := []string{
		s.Next(endpoints, 0),
		s.Next(endpoints, 1),
		s.Next(endpoints, 2),
		s.Next(endpoints, 3),
	}
	tdd.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestRandomSelectorStaysWithinBounds(t *testing.T) {
	endpoints := []string{"a", "b", "c"}
	s := Random()
	for i := 0; i < 50; i++ {
		got := s.Next(endpoints, i)
		tdd.Contains(t, endpoints, got)
	}
}

func TestEndpointCyclerRequiresEndpoints(t *testing.T) {
	_, err := newEndpointCycler(nil, RoundRobin())
	tdd.Error(t, err)
}

func TestEndpointCyclerSelectOneInvokesDialWithNextEndpoint(t *testing.T) {
	c, err := newEndpointCycler([]string{"x", "y"}, RoundRobin())
	tdd.NoError(t, err)

	var seen []string
	dial := func(endpoint string) (*driver.Connection, error) {
		seen = append(seen, endpoint)
		return nil, nil
	}
	_, err = c.SelectOne(dial)
	tdd.NoError(t, err)
	_, err = c.SelectOne(dial)
	tdd.NoError(t, err)
	tdd.Equal(t, []string{"x", "y"}, seen)
}

func TestEndpointCyclerSelectOnePropagatesDialError(t *testing.T) {
	c, err := newEndpointCycler([]string{"x"}, RoundRobin())
	tdd.NoError(t, err)

	sentinel := errors.New("boom")
	_, err = c.SelectOne(func(string) (*driver.Connection, error) { return nil, sentinel })
	tdd.ErrorIs(t, err, sentinel)
}
