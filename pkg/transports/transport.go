package transports

import (
	"context"
	"errors"
)

// ErrNotOpen is returned by Send when no connection is established.
var ErrNotOpen = errors.New("transport: channel not open")

// Handler receives connection lifecycle events and inbound messages.
// Events for one connection are delivered sequentially; OnClose is always the
// last event and is delivered exactly once per successful Open.
type Handler interface {
	OnOpen()
	OnMessage(raw []byte)
	OnError(err error)
	OnClose()
}

// Channel owns a single bidirectional message connection.
// It carries no retry or reconnection logic; callers re-open when they want to.
type Channel interface {
	Name() string
	// Open dials url and blocks until the connection is established or fails.
	// An existing connection is closed first.
	Open(ctx context.Context, url string, h Handler) error
	// Send queues one text message. It returns ErrNotOpen when there is no
	// live connection.
	Send(msg []byte) error
	// Close releases the connection. It is safe to call repeatedly.
	Close() error
}

// ReadyReporter exposes connection metadata for logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
