package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cory-johannsen/netforge/internal/protocol"
)

// TCPConn is a Conn over a stream socket. Messages are length-prefixed frames.
type TCPConn struct {
	raw    net.Conn
	reader *bufio.Reader
	opts   Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPConn wraps a connected socket.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a TCPConn ready for Send and Serve.
func NewTCPConn(raw net.Conn, opts Options) *TCPConn {
	return &TCPConn{
		raw:    raw,
		reader: bufio.NewReaderSize(raw, 4096),
		opts:   opts,
		closed: make(chan struct{}),
	}
}

// Dial connects to a TCP server at addr.
//
// Postcondition: Returns an open TCPConn or an error wrapping ErrTransport.
func Dial(ctx context.Context, addr string, opts Options) (*TCPConn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, addr, err)
	}
	return NewTCPConn(raw, opts), nil
}

// Send writes data as one frame.
//
// Postcondition: The frame is written whole, or the connection is closed and
// an error wrapping ErrTransport is returned.
func (c *TCPConn) Send(data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := WriteFrame(c.raw, data); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		_ = c.Close()
		return fmt.Errorf("%w: writing frame: %v", ErrTransport, err)
	}
	return nil
}

// Serve reads frames until the connection closes or ctx is cancelled.
func (c *TCPConn) Serve(ctx context.Context, fn ReceiveFunc) error {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	maxSize := c.opts.maxFrameSize()
	for {
		if c.opts.ReadTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		data, err := ReadFrame(c.reader, maxSize)
		if err != nil {
			switch {
			case c.isClosed(), errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, protocol.ErrProtocol):
				return err
			default:
				return fmt.Errorf("%w: reading frame: %v", ErrTransport, err)
			}
		}
		if err := fn(data); err != nil {
			return err
		}
	}
}

// Close closes the underlying socket.
//
// Postcondition: Serve unblocks and further Sends return ErrClosed.
func (c *TCPConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.raw.Close()
	})
	return err
}

// RemoteAddr returns the remote network address.
func (c *TCPConn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

func (c *TCPConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
