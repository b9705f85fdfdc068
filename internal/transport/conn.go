// Package transport provides the connection abstraction shared by every
// NetForge transport: framed TCP sockets, WebSockets, and the in-process
// loopback pair used when client and server share a process.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransport is wrapped by every send or receive failure on a connection.
var ErrTransport = errors.New("transport error")

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = fmt.Errorf("%w: connection closed", ErrTransport)

// ReceiveFunc handles one inbound message. Returning an error closes the
// connection.
type ReceiveFunc func(data []byte) error

// Conn is a bidirectional, message-oriented connection.
//
// Invariant: messages are delivered to the ReceiveFunc in the order the peer sent them.
type Conn interface {
	// Send transmits one message. It fails with ErrClosed after Close.
	// Concurrent calls never interleave on the wire.
	Send(data []byte) error
	// Serve runs the receive loop on the calling goroutine until the connection
	// closes or ctx is cancelled, passing each inbound message to fn. The
	// connection is closed when Serve returns. A clean close returns nil; a
	// failed read returns an error wrapping ErrTransport; an error from fn is
	// returned as is.
	Serve(ctx context.Context, fn ReceiveFunc) error
	// Close closes the connection. It is idempotent.
	Close() error
	// RemoteAddr describes the peer.
	RemoteAddr() string
}

// Options configures socket-backed connections.
type Options struct {
	// ReadTimeout bounds the wait for each inbound message; zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each Send; zero disables it.
	WriteTimeout time.Duration
	// MaxFrameSize is the largest inbound message accepted. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
}

func (o Options) maxFrameSize() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

// ConnHandler runs the session for a newly accepted connection. HandleConn
// blocks for the lifetime of the session.
type ConnHandler interface {
	HandleConn(ctx context.Context, conn Conn)
}

// ConnHandlerFunc adapts a function to the ConnHandler interface.
type ConnHandlerFunc func(ctx context.Context, conn Conn)

// HandleConn calls f(ctx, conn).
func (f ConnHandlerFunc) HandleConn(ctx context.Context, conn Conn) { f(ctx, conn) }
