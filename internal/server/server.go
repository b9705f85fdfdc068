// Package server accepts client connections, performs the login handshake,
// and bridges each joined player to the game service.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/netforge/internal/config"
	"github.com/cory-johannsen/netforge/internal/game"
	"github.com/cory-johannsen/netforge/internal/observability"
	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/transport"
)

// MaxUsernameLength is the longest username accepted in the handshake, in bytes.
const MaxUsernameLength = 32

// ShutdownReason is sent in S2CDisconnect to every player when the server stops.
const ShutdownReason = "server shutting down"

// shutdownGrace bounds how long Stop waits for queued messages, including
// S2CDisconnect, to reach each player.
const shutdownGrace = 2 * time.Second

var errShuttingDown = errors.New("server shutting down")

// Config selects the transports and game options of a Server.
type Config struct {
	Listener  config.ListenerConfig
	WebSocket config.WebSocketConfig
	Health    config.HealthConfig
	Game      game.Options
}

// Server owns the game service, the session registry, and the goroutines
// serving every transport.
//
// Invariant: a PlayerID is in sessions iff its connection completed the
// handshake and has not yet closed.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	metrics    *observability.Metrics
	game       *game.Service
	dispatcher *protocol.Dispatcher[protocol.PlayerID]

	mu       sync.Mutex
	sessions map[protocol.PlayerID]*session
	started  bool
	stopping bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	acceptor   *transport.Acceptor
	wsAcceptor *transport.WSAcceptor
	health     *healthEndpoint
	stopOnce   sync.Once
}

// New creates a Server. Metrics may be nil.
//
// Precondition: logger must be non-nil; cfg.Game.Spawn must be valid.
// Postcondition: Returns a Server ready to be started with Start.
func New(cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		dispatcher: protocol.NewDispatcher[protocol.PlayerID](logger),
		sessions:   make(map[protocol.PlayerID]*session),
	}
	if s.cfg.Game.Metrics == nil {
		s.cfg.Game.Metrics = metrics
	}
	s.game = game.NewService(s, s.cfg.Game, logger.Named("game"))
	s.dispatcher.SetFallback(s.forward)
	return s
}

// Game returns the game service, for registering gameplay handlers and tick
// hooks before Start.
func (s *Server) Game() *game.Service {
	return s.game
}

// Start launches the game loop and every enabled transport under one
// cancellation scope derived from ctx.
//
// Precondition: Start has not been called before.
// Postcondition: Returns once everything is launched; listener failures are
// reported by Wait.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	if s.cfg.Health.Enabled {
		h, err := newHealthEndpoint(s.cfg.Health.Addr(), s.logger)
		if err != nil {
			return err
		}
		s.health = h
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group, s.ctx, s.cancel = g, gctx, cancel
	s.started = true

	g.Go(func() error { return s.game.Run(gctx) })

	if s.cfg.Listener.Enabled {
		s.acceptor = transport.NewAcceptor(s.cfg.Listener.Addr(), s.transportOptions(), s, s.logger)
		g.Go(func() error { return s.acceptor.ListenAndServe(gctx) })
	}
	if s.cfg.WebSocket.Enabled {
		s.wsAcceptor = transport.NewWSAcceptor(s.cfg.WebSocket.Addr(), s.cfg.WebSocket.Path, s.transportOptions(), s, s.logger)
		g.Go(func() error { return s.wsAcceptor.ListenAndServe(gctx) })
	}
	if s.health != nil {
		g.Go(func() error { return s.health.serve(gctx) })
		s.health.setServing()
	}

	s.logger.Info("server started",
		zap.Bool("tcp", s.cfg.Listener.Enabled),
		zap.Bool("websocket", s.cfg.WebSocket.Enabled),
		zap.Bool("health", s.health != nil),
	)
	return nil
}

// Stop disconnects every player, cancels the scope, and waits for every
// goroutine to return. It is safe to call more than once.
//
// Postcondition: No goroutine started by the Server is running.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		start := time.Now()
		if s.health != nil {
			s.health.shutdown()
		}

		s.mu.Lock()
		s.stopping = true
		live := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			live = append(live, sess)
		}
		s.mu.Unlock()

		for _, sess := range live {
			s.enqueue(sess, &protocol.Disconnect{Reason: ShutdownReason})
		}
		flush(live, shutdownGrace)
		s.cancel()

		_ = s.group.Wait()
		s.logger.Info("server stopped",
			zap.Int("disconnected", len(live)),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
	_ = s.group.Wait()
}

// Wait blocks until every goroutine has returned.
//
// Postcondition: Returns the first error other than cancellation, or nil.
func (s *Server) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return errors.New("server not started")
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Run starts the server and blocks until ctx is cancelled, Stop is called,
// or a transport fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// AddConnection serves conn as if it had been accepted by a listener. It is
// used for the in-process loopback connection of an integrated host.
//
// Precondition: Start has been called.
func (s *Server) AddConnection(conn transport.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("server not started")
	}
	if s.stopping {
		return errShuttingDown
	}
	ctx := s.ctx
	s.group.Go(func() error {
		s.HandleConn(ctx, conn)
		return nil
	})
	return nil
}

// Addr returns the bound TCP address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.acceptor == nil {
		return ""
	}
	return s.acceptor.Addr()
}

// WebSocketURL returns the ws:// URL clients dial, or empty string if not listening.
func (s *Server) WebSocketURL() string {
	if s.wsAcceptor == nil {
		return ""
	}
	return s.wsAcceptor.URL()
}

// HealthAddr returns the bound health endpoint address, or empty string if disabled.
func (s *Server) HealthAddr() string {
	if s.health == nil {
		return ""
	}
	return s.health.addr()
}

// Sessions returns the number of players that completed the handshake and
// are still connected.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Send encodes p and queues it for the connection of player id without
// blocking. Unknown ids are ignored. A player whose queue is full is
// disconnected, which in turn removes the player.
func (s *Server) Send(id protocol.PlayerID, p protocol.Packet) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.enqueue(sess, p)
}

func (s *Server) enqueue(sess *session, p protocol.Packet) {
	data, err := protocol.Encode(p)
	if err != nil {
		s.logger.Error("encoding packet", zap.Stringer("packet", p.ID()), zap.Error(err))
		return
	}
	switch err := sess.enqueue(data); {
	case err == nil:
		s.metrics.PacketSent(p.ID().String())
	case errors.Is(err, errSendQueueFull):
		s.logger.Warn("send queue full, disconnecting player",
			zap.String("player_id", sess.id.String()),
			zap.Stringer("packet", p.ID()),
			zap.Int("queue", cap(sess.outbox)),
		)
		_ = sess.conn.Close()
	}
}

func (s *Server) sendTo(conn transport.Conn, p protocol.Packet) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		return err
	}
	s.metrics.PacketSent(p.ID().String())
	return nil
}

// forward hands every decoded packet from a joined player to the game service.
func (s *Server) forward(p protocol.Packet, from protocol.PlayerID) {
	s.metrics.PacketReceived(p.ID().String())
	if err := s.game.OnPacketReceived(from, p); err != nil {
		s.logger.Debug("dropping packet",
			zap.String("player_id", from.String()),
			zap.Stringer("packet", p.ID()),
			zap.Error(err),
		)
	}
}

func (s *Server) register(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return errShuttingDown
	}
	s.sessions[sess.id] = sess
	return nil
}

func (s *Server) unregister(id protocol.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) transportOptions() transport.Options {
	return transport.Options{
		ReadTimeout:  s.cfg.Listener.ReadTimeout,
		WriteTimeout: s.cfg.Listener.WriteTimeout,
		MaxFrameSize: s.cfg.Listener.MaxFrameSize,
	}
}

// parseHandshake decodes the first packet of a connection.
//
// Postcondition: Returns the username, or an error wrapping
// protocol.ErrProtocol.
func parseHandshake(data []byte) (string, error) {
	p, err := protocol.Decode(data)
	if err != nil {
		return "", err
	}
	resp, ok := p.(*protocol.LoginResponse)
	if !ok {
		return "", fmt.Errorf("%w: expected %s as first packet, got %s",
			protocol.ErrProtocol, protocol.C2SLoginResponse, p.ID())
	}
	switch {
	case resp.Username == "":
		return "", fmt.Errorf("%w: empty username", protocol.ErrProtocol)
	case len(resp.Username) > MaxUsernameLength:
		return "", fmt.Errorf("%w: username of %d bytes exceeds %d",
			protocol.ErrProtocol, len(resp.Username), MaxUsernameLength)
	}
	return resp.Username, nil
}
