package amqp

import "github.com/bryk-io/amqp-recover/errors"

// Sentinel errors returned directly to application calls. Per spec, only
// these two kinds (plus errors surfaced by direct application calls) ever
// bubble out of the facade; every recovery-path failure is captured and
// converted into an event instead.
var (
	// ErrDisposed is returned by any operation attempted after the facade
	// has been closed or aborted.
	ErrDisposed = errors.New("object disposed")

	// ErrNotOpen is returned by operations that require a live transport
	// while the connection is closed.
	ErrNotOpen = errors.New("connection is already closed")
)

// topologyItemKind identifies which collection a TopologyRecoveryError
// failed to replay, for inclusion in the emitted event payload.
type topologyItemKind string

const (
	itemExchange topologyItemKind = "exchange"
	itemQueue    topologyItemKind = "queue"
	itemBinding  topologyItemKind = "binding"
	itemConsumer topologyItemKind = "consumer"
)

// TopologyRecoveryError wraps a single failed replay item during a recovery
// pass. It is always caught, logged and emitted through
// connection_recovery_error; it never aborts the overall attempt.
type TopologyRecoveryError struct {
	Kind  topologyItemKind
	Name  string
	Cause error
}

func (e *TopologyRecoveryError) Error() string {
	return errors.Wrap(e.Cause, "failed to recover "+string(e.Kind)+" "+e.Name).Error()
}

// Unwrap exposes the underlying broker error.
func (e *TopologyRecoveryError) Unwrap() error {
	return e.Cause
}

// ReconnectError wraps a failed attempt to establish a replacement
// transport. The outer recovery loop schedules a new attempt after the
// configured retry interval regardless of this error.
type ReconnectError struct {
	Endpoint string
	Cause    error
}

func (e *ReconnectError) Error() string {
	return errors.Wrap(e.Cause, "failed to reconnect to "+e.Endpoint).Error()
}

// Unwrap exposes the underlying dial error.
func (e *ReconnectError) Unwrap() error {
	return e.Cause
}
