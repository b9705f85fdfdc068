package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netforge/internal/game"
	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/transport"
)

// DefaultSendQueue is the per-player outbound queue length used when the
// listener config leaves it unset.
const DefaultSendQueue = 256

var errSendQueueFull = errors.New("send queue full")

const (
	handshakePending int32 = iota
	handshakeDone
	handshakeExpired
)

// handshakeState settles the race between a login and the handshake timer:
// exactly one of complete and expire succeeds.
type handshakeState struct {
	v atomic.Int32
}

func (h *handshakeState) complete() bool { return h.v.CompareAndSwap(handshakePending, handshakeDone) }
func (h *handshakeState) expire() bool   { return h.v.CompareAndSwap(handshakePending, handshakeExpired) }
func (h *handshakeState) joined() bool   { return h.v.Load() == handshakeDone }

// session is one accepted connection. After login its outbound messages go
// through outbox, drained by a single writer goroutine, so a slow peer never
// blocks the caller of Server.Send.
type session struct {
	id       protocol.PlayerID
	username string
	conn     transport.Conn

	mu      sync.Mutex
	outbox  chan []byte
	sealed  bool
	writing bool
	flushed chan struct{}
}

func newSession(id protocol.PlayerID, conn transport.Conn, queue int) *session {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	return &session{
		id:      id,
		conn:    conn,
		outbox:  make(chan []byte, queue),
		flushed: make(chan struct{}),
	}
}

// enqueue queues data for the writer without blocking.
//
// Postcondition: Returns transport.ErrClosed once sealed, errSendQueueFull
// when the queue is at capacity.
func (s *session) enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return transport.ErrClosed
	}
	select {
	case s.outbox <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// seal rejects further enqueues; the writer closes the connection once it
// has written everything already queued. Idempotent.
func (s *session) seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sealed {
		s.sealed = true
		close(s.outbox)
	}
}

// drain blocks until the writer has exited, if one was started.
func (s *session) drain() {
	s.mu.Lock()
	writing := s.writing
	s.mu.Unlock()
	if writing {
		<-s.flushed
	}
}

// startWriter launches the goroutine that writes queued messages in order.
func (s *session) startWriter(logger *zap.Logger) {
	s.mu.Lock()
	s.writing = true
	s.mu.Unlock()

	go func() {
		defer close(s.flushed)
		defer s.conn.Close()
		for data := range s.outbox {
			if err := s.conn.Send(data); err != nil {
				logger.Debug("write failed, closing connection", zap.Error(err))
				_ = s.conn.Close()
				for range s.outbox {
				}
				return
			}
		}
	}()
}

// HandleConn runs one connection from handshake to disconnect. It implements
// transport.ConnHandler.
//
// Postcondition: conn is closed; if the handshake completed, the player has
// been submitted to the game service as left.
func (s *Server) HandleConn(ctx context.Context, conn transport.Conn) {
	start := time.Now()
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	defer conn.Close()

	id := protocol.NewPlayerID()
	logger := s.logger.With(
		zap.String("player_id", id.String()),
		zap.String("remote_addr", conn.RemoteAddr()),
	)

	var hs handshakeState
	if timeout := s.cfg.Listener.HandshakeTimeout; timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			if hs.expire() {
				logger.Warn("handshake timed out", zap.Duration("timeout", timeout))
				_ = conn.Close()
			}
		})
		defer timer.Stop()
	}

	if err := s.sendTo(conn, &protocol.RequestLogin{}); err != nil {
		logger.Debug("requesting login", zap.Error(err))
		return
	}

	sess := newSession(id, conn, s.cfg.Listener.SendQueue)
	err := conn.Serve(ctx, func(data []byte) error {
		if hs.joined() {
			return s.dispatcher.Dispatch(data, id)
		}
		return s.login(sess, data, &hs, logger)
	})
	// Unblocks a writer stuck on a peer that stopped reading.
	_ = conn.Close()

	sess.seal()
	if hs.joined() {
		s.unregister(id)
		if leaveErr := s.game.OnPlayerLeft(id); leaveErr != nil && !errors.Is(leaveErr, game.ErrStopped) {
			logger.Error("removing player", zap.Error(leaveErr))
		}
	}
	sess.drain()

	fields := []zap.Field{
		zap.String("username", sess.username),
		zap.Duration("duration", time.Since(start)),
	}
	switch {
	case err == nil:
		logger.Info("player disconnected", fields...)
	case errors.Is(err, protocol.ErrProtocol):
		s.metrics.ProtocolError()
		logger.Warn("closing connection on protocol error", append(fields, zap.Error(err))...)
	case errors.Is(err, errShuttingDown), errors.Is(err, game.ErrStopped):
		logger.Debug("connection refused during shutdown", fields...)
	default:
		logger.Warn("connection failed", append(fields, zap.Error(err))...)
	}
}

// login completes the handshake for sess from its first packet.
//
// Postcondition: On success the player is registered, has been sent
// S2CLoginSuccess, and has been submitted to the game service as joined.
func (s *Server) login(sess *session, data []byte, hs *handshakeState, logger *zap.Logger) error {
	username, err := parseHandshake(data)
	if err != nil {
		return err
	}
	if !hs.complete() {
		return fmt.Errorf("%w: login after handshake timeout", protocol.ErrProtocol)
	}
	s.metrics.PacketReceived(protocol.C2SLoginResponse.String())
	sess.username = username

	if err := s.sendTo(sess.conn, &protocol.LoginSuccess{PlayerID: sess.id}); err != nil {
		return err
	}
	sess.startWriter(logger)
	if err := s.register(sess); err != nil {
		return err
	}

	logger.Info("player logged in", zap.String("username", username))
	return s.game.OnPlayerJoined(sess.id)
}

// flush seals every session in live and waits up to grace for their queued
// messages to be written. Connections still writing afterwards are closed.
func flush(live []*session, grace time.Duration) {
	for _, sess := range live {
		sess.seal()
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for _, sess := range live {
		select {
		case <-sess.flushed:
		case <-ctx.Done():
			_ = sess.conn.Close()
		}
	}
}
