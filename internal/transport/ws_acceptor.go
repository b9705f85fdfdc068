package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSAcceptor serves an HTTP endpoint that upgrades requests to WebSocket
// connections and runs a ConnHandler for each.
type WSAcceptor struct {
	addr     string
	path     string
	opts     Options
	handler  ConnHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewWSAcceptor creates a WebSocket acceptor serving path on addr.
//
// Precondition: path must start with "/"; handler and logger must be non-nil.
func NewWSAcceptor(addr, path string, opts Options, handler ConnHandler, logger *zap.Logger) *WSAcceptor {
	return &WSAcceptor{
		addr:    addr,
		path:    path,
		opts:    opts,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe serves upgrade requests until ctx is cancelled or Stop is
// called. Every handler has returned when it returns.
func (a *WSAcceptor) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.addr, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc(a.path, a.serveUpgrade)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.listener = listener
	a.server = srv
	a.baseCtx = connCtx
	a.cancel = cancel
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.path),
	)

	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	err = srv.Serve(listener)
	// Hijacked connections are not tracked by the http.Server.
	a.endSessions()
	a.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *WSAcceptor) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	ctx := a.baseCtx
	if ctx == nil || ctx.Err() != nil {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	start := time.Now()
	a.logger.Info("client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("transport", "websocket"),
	)

	conn := NewWSConn(ws, a.opts)
	defer conn.Close()
	a.handler.HandleConn(ctx, conn)

	a.logger.Info("client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop closes the HTTP server and waits for all sessions to end.
func (a *WSAcceptor) Stop() {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Close()
	a.endSessions()
	a.wg.Wait()
}

// endSessions cancels the context of every session. Under a.mu, so no
// upgrade can join wg once it has been cancelled.
func (a *WSAcceptor) endSessions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *WSAcceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// URL returns the ws:// URL clients dial, or empty string if not yet listening.
func (a *WSAcceptor) URL() string {
	addr := a.Addr()
	if addr == "" {
		return ""
	}
	return "ws://" + addr + a.path
}
