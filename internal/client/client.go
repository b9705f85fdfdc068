// Package client connects to a server over TCP, WebSocket, or an in-process
// loopback, and forwards every received packet to a dispatcher.
package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/transport"
)

// Client wraps one connection to a server. It keeps no game state: the
// dispatcher's handlers see every packet.
type Client struct {
	conn       transport.Conn
	dispatcher *protocol.Dispatcher[struct{}]
	logger     *zap.Logger

	mu       sync.Mutex
	playerID protocol.PlayerID
	reason   string
	err      error

	loggedIn  chan struct{}
	loginOnce sync.Once
	done      chan struct{}
}

// Dial connects over TCP and sends the login handshake.
//
// Precondition: d and logger must be non-nil.
// Postcondition: Returns a Client whose receive loop is running, or an error.
func Dial(ctx context.Context, addr, username string, d *protocol.Dispatcher[struct{}], opts transport.Options, logger *zap.Logger) (*Client, error) {
	conn, err := transport.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return start(conn, username, d, logger)
}

// DialWebSocket connects to a WebSocket endpoint and sends the login handshake.
func DialWebSocket(ctx context.Context, url, username string, d *protocol.Dispatcher[struct{}], opts transport.Options, logger *zap.Logger) (*Client, error) {
	conn, err := transport.DialWebSocket(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return start(conn, username, d, logger)
}

// NewIntegrated wraps the client side of a loopback pair. The handshake is
// queued immediately; it is delivered once the server serves the peer.
func NewIntegrated(conn *transport.LoopbackConn, username string, d *protocol.Dispatcher[struct{}], logger *zap.Logger) (*Client, error) {
	return start(conn, username, d, logger)
}

func start(conn transport.Conn, username string, d *protocol.Dispatcher[struct{}], logger *zap.Logger) (*Client, error) {
	c := &Client{
		conn:       conn,
		dispatcher: d,
		logger:     logger.With(zap.String("remote_addr", conn.RemoteAddr())),
		loggedIn:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	if err := c.Send(&protocol.LoginResponse{Username: username}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.receive()
	return c, nil
}

func (c *Client) receive() {
	defer close(c.done)
	err := c.conn.Serve(context.Background(), c.handle)

	c.mu.Lock()
	c.err = err
	reason := c.reason
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("connection closed", zap.Error(err))
		return
	}
	c.logger.Info("connection closed", zap.String("reason", reason))
}

func (c *Client) handle(data []byte) error {
	id, _, err := protocol.SplitID(data)
	if err != nil {
		return err
	}
	switch id {
	case protocol.S2CLoginSuccess, protocol.S2CDisconnect:
		p, err := protocol.Decode(data)
		if err != nil {
			return err
		}
		c.record(p)
		c.dispatcher.DispatchPacket(p, struct{}{})
		return nil
	default:
		return c.dispatcher.Dispatch(data, struct{}{})
	}
}

// record keeps the session facts the client exposes.
func (c *Client) record(p protocol.Packet) {
	switch p := p.(type) {
	case *protocol.LoginSuccess:
		c.mu.Lock()
		c.playerID = p.PlayerID
		c.mu.Unlock()
		c.loginOnce.Do(func() { close(c.loggedIn) })
		c.logger.Info("logged in", zap.String("player_id", p.PlayerID.String()))
	case *protocol.Disconnect:
		c.mu.Lock()
		c.reason = p.Reason
		c.mu.Unlock()
	}
}

// Send encodes p and writes it to the server.
func (c *Client) Send(p protocol.Packet) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return c.conn.Send(data)
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Client) Disconnect() {
	_ = c.conn.Close()
}

// Done is closed when the receive loop has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the receive loop. It is nil while the
// connection is open and after a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// PlayerID returns the id assigned by the server, or protocol.NilPlayerID
// before S2CLoginSuccess has arrived.
func (c *Client) PlayerID() protocol.PlayerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// DisconnectReason returns the reason from S2CDisconnect, if one arrived.
func (c *Client) DisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// WaitLogin blocks until the server confirms the login.
//
// Postcondition: Returns the assigned PlayerID, or an error if the connection
// closed first or ctx ended.
func (c *Client) WaitLogin(ctx context.Context) (protocol.PlayerID, error) {
	select {
	case <-c.loggedIn:
		return c.PlayerID(), nil
	case <-c.done:
		select {
		case <-c.loggedIn:
			return c.PlayerID(), nil
		default:
		}
		if err := c.Err(); err != nil {
			return protocol.NilPlayerID, err
		}
		return protocol.NilPlayerID, errors.New("connection closed before login")
	case <-ctx.Done():
		return protocol.NilPlayerID, ctx.Err()
	}
}
