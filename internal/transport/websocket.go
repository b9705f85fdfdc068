package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/netforge/internal/protocol"
)

// closeGracePeriod bounds the close handshake written by WSConn.Close.
const closeGracePeriod = time.Second

// WSConn is a Conn over a WebSocket. Each binary message is one frame.
type WSConn struct {
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSConn wraps an established WebSocket.
//
// Precondition: ws must be open.
func NewWSConn(ws *websocket.Conn, opts Options) *WSConn {
	ws.SetReadLimit(int64(opts.maxFrameSize()))
	return &WSConn{
		ws:     ws,
		opts:   opts,
		closed: make(chan struct{}),
	}
}

// DialWebSocket connects to a WebSocket endpoint such as "ws://127.0.0.1:3116/ws".
//
// Postcondition: Returns an open WSConn or an error wrapping ErrTransport.
func DialWebSocket(ctx context.Context, url string, opts Options) (*WSConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, url, err)
	}
	return NewWSConn(ws, opts), nil
}

// Send writes data as one binary message.
func (c *WSConn) Send(data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		_ = c.Close()
		return fmt.Errorf("%w: writing message: %v", ErrTransport, err)
	}
	return nil
}

// Serve reads messages until the connection closes or ctx is cancelled.
func (c *WSConn) Serve(ctx context.Context, fn ReceiveFunc) error {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		if c.opts.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.isClosed(),
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return nil
			case errors.Is(err, websocket.ErrReadLimit):
				return fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
			default:
				return fmt.Errorf("%w: reading message: %v", ErrTransport, err)
			}
		}
		if kind != websocket.BinaryMessage {
			return fmt.Errorf("%w: unexpected websocket message type %d", protocol.ErrProtocol, kind)
		}
		if err := fn(data); err != nil {
			return err
		}
	}
}

// Close sends a close message, best effort, and closes the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// WriteControl may run concurrently with WriteMessage.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *WSConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
