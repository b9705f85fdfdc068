package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netforge/internal/observability"
	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/server"
	"github.com/cory-johannsen/netforge/internal/transport"
)

// Session drives one player's participation: either joining a remote server
// or hosting an integrated server in-process and joining it over loopback.
type Session struct {
	username   string
	dispatcher *protocol.Dispatcher[struct{}]
	logger     *zap.Logger

	mu     sync.Mutex
	client *Client
	host   *server.Server
}

// NewSession creates a Session whose game events are delivered to sink.
//
// Precondition: sink and logger must be non-nil.
func NewSession(username string, sink Sink, logger *zap.Logger) (*Session, error) {
	d := protocol.NewDispatcher[struct{}](logger)
	if err := BindSink(d, sink); err != nil {
		return nil, fmt.Errorf("binding sink: %w", err)
	}
	return &Session{username: username, dispatcher: d, logger: logger}, nil
}

// Dispatcher returns the session's dispatcher, for registering handlers of
// other packets or a fallback that observes every decoded packet.
func (s *Session) Dispatcher() *protocol.Dispatcher[struct{}] {
	return s.dispatcher
}

// JoinServer connects to a remote server over TCP.
func (s *Session) JoinServer(ctx context.Context, addr string, opts transport.Options) error {
	return s.attach(func() (*Client, error) {
		return Dial(ctx, addr, s.username, s.dispatcher, opts, s.logger)
	})
}

// JoinWebSocket connects to a remote server over WebSocket.
func (s *Session) JoinWebSocket(ctx context.Context, url string, opts transport.Options) error {
	return s.attach(func() (*Client, error) {
		return DialWebSocket(ctx, url, s.username, s.dispatcher, opts, s.logger)
	})
}

// StartIntegrated starts a server in-process and joins it over a loopback
// pair. The hosted server also serves any listener enabled in cfg, so other
// players can join it.
//
// Postcondition: On success Host returns the running server.
func (s *Session) StartIntegrated(ctx context.Context, cfg server.Config, metrics *observability.Metrics) error {
	host := server.New(cfg, metrics, s.logger.Named("host"))
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("starting integrated server: %w", err)
	}

	err := s.attach(func() (*Client, error) {
		clientConn, serverConn := transport.NewLoopbackPair()
		c, err := NewIntegrated(clientConn, s.username, s.dispatcher, s.logger)
		if err != nil {
			return nil, err
		}
		if err := host.AddConnection(serverConn); err != nil {
			c.Disconnect()
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		host.Stop()
		return err
	}

	s.mu.Lock()
	s.host = host
	s.mu.Unlock()
	return nil
}

func (s *Session) attach(connect func() (*Client, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return errors.New("session already joined")
	}
	c, err := connect()
	if err != nil {
		return err
	}
	s.client = c
	return nil
}

// Client returns the active client, or nil before joining.
func (s *Session) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Host returns the integrated server, or nil when joined remotely.
func (s *Session) Host() *server.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Close disconnects the client and stops the integrated server, if any.
func (s *Session) Close() {
	s.mu.Lock()
	c, host := s.client, s.host
	s.mu.Unlock()

	if c != nil {
		c.Disconnect()
		<-c.Done()
	}
	if host != nil {
		host.Stop()
	}
}
