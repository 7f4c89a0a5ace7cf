package amqp

import (
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	driver "github.com/rabbitmq/amqp091-go"
)

// ConnectionFacade is the public, auto-recovering connection surface. It
// forwards liveness-dependent operations to the current live transport and,
// on unexpected disconnection, drives a RecoveryController that
// re-establishes the socket, re-opens every ChannelProxy, and replays the
// recorded topology before the application observes more than a transient
// interruption.
//
// The transport handle is never nil while the facade is not disposed, except
// for the bounded window held under swapMu during a takeover (spec §3).
type ConnectionFacade struct {
	cfg      *Config
	entities *TopologyRegistry
	events   *eventBus
	cycler   *EndpointCycler
	recovery *RecoveryController

	raw    atomic.Pointer[driver.Connection]
	swapMu sync.RWMutex // serializes the takeover sequence itself

	channelsMu sync.Mutex
	channels   map[string]*ChannelProxy

	secretMu sync.Mutex
	secret   string // UpdateSecret override applied to subsequent dials

	disposed atomic.Bool
}

// Open dials the first reachable configured endpoint and returns a
// connection facade ready for use.
func Open(options ...Option) (*ConnectionFacade, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	cycler, err := newEndpointCycler(cfg.endpoints, cfg.selector)
	if err != nil {
		return nil, err
	}

	f := &ConnectionFacade{
		cfg:      cfg,
		entities: newTopologyRegistry(),
		events:   newEventBus(cfg.log),
		cycler:   cycler,
		channels: make(map[string]*ChannelProxy),
	}
	f.recovery = newRecoveryController(f)

	conn, err := cycler.SelectOne(f.dial)
	if err != nil {
		return nil, err
	}
	f.takeover(conn)

	if len(cfg.topology.Exchanges)+len(cfg.topology.Queues)+len(cfg.topology.Bindings) > 0 {
		if err := f.declareConfiguredTopology(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// declareConfiguredTopology ensures the topology loaded through WithTopology
// exists, using a dedicated channel that stays registered with the facade
// (and so is reopened on recovery); the resulting entries live in the shared
// TopologyRegistry so they participate in recovery like any other
// declaration.
func (f *ConnectionFacade) declareConfiguredTopology() error {
	ch, err := f.CreateChannel()
	if err != nil {
		return err
	}
	for _, ex := range f.cfg.topology.Exchanges {
		if err := ch.DeclareExchange(ex); err != nil {
			return err
		}
	}
	for _, q := range f.cfg.topology.Queues {
		if _, err := ch.DeclareQueue(q); err != nil {
			return err
		}
	}
	for _, b := range f.cfg.topology.Bindings {
		if err := ch.Bind(b); err != nil {
			return err
		}
	}
	return nil
}

// dial opens a brand-new transport for endpoint and returns it without ever
// touching f.raw; takeover is the only place that swaps f.raw so that the
// "old" value it observes is always the genuinely stale connection, never
// the one just dialed.
func (f *ConnectionFacade) dial(endpoint string) (*driver.Connection, error) {
	addr := f.withSecretOverride(endpoint)
	dcfg := driver.Config{TLSClientConfig: f.cfg.tlsConf}
	if f.cfg.name != "" {
		dcfg.Properties = driver.Table{"connection_name": f.cfg.name}
	}
	if f.cfg.continuationTimeout > 0 {
		driver.ContinuationTimeout = f.cfg.continuationTimeout
	}
	return driver.DialConfig(addr, dcfg)
}

// withSecretOverride rewrites the URI password when UpdateSecret has been
// called, so that subsequent reconnects authenticate with the rotated
// credential instead of the one baked into the original endpoint string.
func (f *ConnectionFacade) withSecretOverride(endpoint string) string {
	f.secretMu.Lock()
	secret := f.secret
	f.secretMu.Unlock()
	if secret == "" {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.User == nil {
		return endpoint
	}
	u.User = url.UserPassword(u.User.Username(), secret)
	return u.String()
}

// current returns the live transport handle, failing with ErrDisposed or
// ErrNotOpen as appropriate. No caller should retain the returned pointer
// past the call that uses it.
func (f *ConnectionFacade) current() (*driver.Connection, error) {
	if f.disposed.Load() {
		return nil, ErrDisposed
	}
	conn := f.raw.Load()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotOpen
	}
	return conn, nil
}

// IsOpen reports whether the facade has a live, non-disposed transport.
func (f *ConnectionFacade) IsOpen() bool {
	conn := f.raw.Load()
	return !f.disposed.Load() && conn != nil && !conn.IsClosed()
}

// LocalAddr returns the local network address of the current transport, or
// nil if the connection is not currently open.
func (f *ConnectionFacade) LocalAddr() net.Addr {
	conn := f.raw.Load()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr()
}

// ServerProperties returns the properties the broker advertised on the
// current transport.
func (f *ConnectionFacade) ServerProperties() driver.Table {
	conn := f.raw.Load()
	if conn == nil {
		return nil
	}
	return conn.Properties
}

// On registers a handler for one of the facade's exposed events (spec §6).
func (f *ConnectionFacade) On(kind EventKind, h Handler) {
	f.events.On(kind, h)
}

// Faults exposes the callback_exception channel, fed whenever a registered
// event handler panics.
func (f *ConnectionFacade) Faults() <-chan error {
	return f.events.Faults()
}

// UpdateSecret rotates the credential used to authenticate with the broker,
// both on the live transport and for subsequent reconnects.
func (f *ConnectionFacade) UpdateSecret(newSecret, reason string) error {
	conn, err := f.current()
	if err != nil {
		return err
	}
	if err := conn.UpdateSecret(newSecret, reason); err != nil {
		return err
	}
	f.secretMu.Lock()
	f.secret = newSecret
	f.secretMu.Unlock()
	return nil
}

// CreateChannel allocates a new channel over the current transport, wraps it
// in a ChannelProxy, applies the configured QoS defaults, and registers the
// proxy so it participates in future recovery passes.
func (f *ConnectionFacade) CreateChannel() (*ChannelProxy, error) {
	conn, err := f.current()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	proxy := newChannelProxy(f, ch)
	if f.cfg.prefetchCount > 0 || f.cfg.prefetchSize > 0 {
		if err := proxy.Qos(f.cfg.prefetchCount, f.cfg.prefetchSize); err != nil {
			return nil, err
		}
	}

	f.channelsMu.Lock()
	f.channels[proxy.id] = proxy
	f.channelsMu.Unlock()
	return proxy, nil
}

func (f *ConnectionFacade) channelSnapshot() []*ChannelProxy {
	f.channelsMu.Lock()
	defer f.channelsMu.Unlock()
	out := make([]*ChannelProxy, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	return out
}

func (f *ConnectionFacade) channelByID(id string) *ChannelProxy {
	f.channelsMu.Lock()
	defer f.channelsMu.Unlock()
	return f.channels[id]
}

// Close gracefully shuts down the connection: the recovery loop is stopped
// (refusing further reconnect attempts) before the transport itself is
// closed. Reject if already disposed.
func (f *ConnectionFacade) Close() error {
	return f.shutdown(false, 0)
}

// Abort forcibly shuts down the connection, bounding how long it will wait
// for the broker's close handshake.
func (f *ConnectionFacade) Abort(timeout time.Duration) error {
	return f.shutdown(true, timeout)
}

func (f *ConnectionFacade) shutdown(abort bool, timeout time.Duration) error {
	if f.disposed.Swap(true) {
		return ErrDisposed
	}
	f.recovery.stop()

	conn := f.raw.Load()
	if conn == nil || conn.IsClosed() {
		return nil
	}
	if !abort {
		return conn.Close()
	}

	done := make(chan error, 1)
	go func() { done <- conn.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return nil
	}
}

// watchCurrent subscribes to the current transport's lifecycle events and
// routes them to recovery or to the exposed event bus. It is re-invoked on
// every takeover, once per live transport.
func (f *ConnectionFacade) watchCurrent() {
	conn := f.raw.Load()
	if conn == nil {
		return
	}
	closeCh := conn.NotifyClose(make(chan *driver.Error, 1))
	blockedCh := conn.NotifyBlocked(make(chan driver.Blocking, 1))
	go func() {
		for {
			select {
			case err, ok := <-closeCh:
				if !ok {
					return
				}
				f.events.Emit(EventConnectionShutdown, err)
				if f.disposed.Load() {
					// Application-initiated: the recovery controller has
					// already transitioned to Closed via shutdown().
					return
				}
				f.recovery.triggerRecovery(err)
				return
			case b, ok := <-blockedCh:
				if !ok {
					continue
				}
				if b.Active {
					f.events.Emit(EventConnectionBlocked, b)
				} else {
					f.events.Emit(EventConnectionUnblocked, b)
				}
			}
		}
	}()
}

// takeover atomically substitutes the live transport and resumes watching
// lifecycle events on the replacement, so outside observers see continuity
// (DESIGN NOTES §9, "delegate field re-pointed under the nose of the
// application").
func (f *ConnectionFacade) takeover(newConn *driver.Connection) {
	f.swapMu.Lock()
	old := f.raw.Swap(newConn)
	f.swapMu.Unlock()
	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}
	f.watchCurrent()
}
