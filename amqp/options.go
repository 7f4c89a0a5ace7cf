package amqp

import (
	"crypto/tls"
	"time"

	xlog "github.com/bryk-io/amqp-recover/log"
)

// Default settings, matching the teacher session's original constants.
const (
	defaultRecoveryInterval    = 3 * time.Second
	defaultContinuationTimeout = 10 * time.Second

	// resendDelay bounds how long a Publisher waits for a broker
	// confirmation before re-publishing.
	resendDelay = 3 * time.Second

	// ackDelay bounds how long a best-effort notification delivery (message
	// return, status change) is allowed to block before being dropped.
	ackDelay = 10 * time.Millisecond
)

// Sentinel error strings used by the publisher/consumer convenience layer.
var (
	errShutdown        = "publisher is shutting down"
	errUnconfirmedPush = "unconfirmed push"
)

// Config holds every setting an application can adjust when opening a
// recovering connection. It plays the role of spec §6's "Factory"
// collaborator: endpoint list, selector strategy, topology-recovery toggle,
// recovery interval, continuation timeout and credentials are all carried
// here, alongside the ambient settings (logger, prefetch, TLS, topology) the
// teacher's session already exposed.
type Config struct {
	name                    string
	endpoints               []string
	selector                Selector
	tlsConf                 *tls.Config
	log                     xlog.Logger
	topology                Topology
	topologyRecoveryEnabled bool
	recoveryInterval        time.Duration
	continuationTimeout     time.Duration
	prefetchCount           int
	prefetchSize            int
	rpcEnabled              bool
}

// Option adjusts a Config setting. Applied in order when opening a facade.
type Option func(*Config) error

func defaultConfig() *Config {
	return &Config{
		selector:                RoundRobin(),
		log:                     xlog.Discard(),
		topologyRecoveryEnabled: true,
		recoveryInterval:        defaultRecoveryInterval,
		continuationTimeout:     defaultContinuationTimeout,
		prefetchCount:           1,
	}
}

// WithLogger sets the internal logger instance used to report operational
// events. If not set, log entries are discarded.
func WithLogger(ll xlog.Logger) Option {
	return func(c *Config) error {
		c.log = ll
		return nil
	}
}

// WithPrefetch adjusts the channel QoS settings applied on every channel
// opened (including replacement channels produced during recovery).
// `count` limits the number of unacknowledged in-flight deliveries;
// `size` limits the total bytes of unacknowledged deliveries.
func WithPrefetch(count, size int) Option {
	return func(c *Config) error {
		c.prefetchCount = count
		c.prefetchSize = size
		return nil
	}
}

// WithName sets the client-provided connection name, surfaced to the broker
// management UI and used as the prefix of generated consumer tags.
func WithName(name string) Option {
	return func(c *Config) error {
		c.name = name
		return nil
	}
}

// WithTopology loads a topology declaration (typically parsed from YAML or
// JSON) to be ensured present every time the connection becomes ready,
// including after recovery.
func WithTopology(t Topology) Option {
	return func(c *Config) error {
		c.topology = t
		return nil
	}
}

// WithTLS sets the TLS configuration used when dialing "amqps" endpoints.
func WithTLS(conf *tls.Config) Option {
	return func(c *Config) error {
		c.tlsConf = conf
		return nil
	}
}

// WithEndpoints sets the ordered list of broker endpoints the connection may
// cycle through on reconnect. At least one endpoint is required.
func WithEndpoints(endpoints ...string) Option {
	return func(c *Config) error {
		c.endpoints = endpoints
		return nil
	}
}

// WithSelector overrides the endpoint selection strategy. Defaults to
// RoundRobin.
func WithSelector(s Selector) Option {
	return func(c *Config) error {
		c.selector = s
		return nil
	}
}

// WithRecoveryInterval sets the pause between failed reconnect attempts.
// There is no exponential backoff by design (spec §4.2); the cap on overall
// retrying is the application's own lifetime.
func WithRecoveryInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.recoveryInterval = d
		return nil
	}
}

// WithContinuationTimeout bounds how long a synchronous AMQP method call
// (declare, bind, consume, ...) waits for the broker's reply during both
// normal operation and topology replay.
func WithContinuationTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.continuationTimeout = d
		return nil
	}
}

// WithTopologyRecovery toggles automatic topology replay after a successful
// reconnect. Disabling it still reopens channels, it just skips
// RecoverExchanges/Queues/Bindings/Consumers.
func WithTopologyRecovery(enabled bool) Option {
	return func(c *Config) error {
		c.topologyRecoveryEnabled = enabled
		return nil
	}
}

// WithRPC enables the request/reply convenience layer (see rpc.go) on top of
// this connection.
func WithRPC() Option {
	return func(c *Config) error {
		c.rpcEnabled = true
		return nil
	}
}
