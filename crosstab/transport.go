package crosstab

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTransportUnavailable is returned by transports that cannot deliver anything.
	ErrTransportUnavailable = errors.New("sync transport unavailable")

	// ErrClosed is returned when sending on a closed transport or sync.
	ErrClosed = errors.New("sync closed")
)

// Handler receives messages from a transport.
type Handler func(ctx context.Context, msg Message)

// Transport moves sync messages between tabs. A transport may deliver a
// sender's own messages back to it.
type Transport interface {
	// Send publishes msg to every subscriber on the channel.
	Send(ctx context.Context, msg Message) error

	// OnMessage registers handler and returns a function that removes it.
	OnMessage(handler Handler) (unsubscribe func())

	// Available reports whether the transport can deliver messages.
	Available() bool

	Close() error
}

// NoopTransport stands in when no cross-tab channel exists. Everything is a no-op.
type NoopTransport struct{}

var _ Transport = NoopTransport{}

func (NoopTransport) Send(context.Context, Message) error {
	return ErrTransportUnavailable
}

func (NoopTransport) OnMessage(Handler) func() {
	return func() {}
}

func (NoopTransport) Available() bool {
	return false
}

func (NoopTransport) Close() error {
	return nil
}
