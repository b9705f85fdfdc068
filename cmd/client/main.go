// Package main provides a headless client that joins a server, or hosts an
// integrated one, and logs every game event it receives.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netforge/internal/client"
	"github.com/cory-johannsen/netforge/internal/config"
	"github.com/cory-johannsen/netforge/internal/observability"
	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/server"
	"github.com/cory-johannsen/netforge/internal/transport"
)

// logSink logs every game event.
type logSink struct {
	logger *zap.Logger
}

func (s logSink) OnEnterMap(mapID int32) {
	s.logger.Info("entered map", zap.Int32("map_id", mapID))
}

func (s logSink) OnUpdateEntities(positions map[protocol.PlayerID]protocol.Vec2) {
	for id, pos := range positions {
		s.logger.Info("entity updated",
			zap.String("player_id", id.String()),
			zap.Float32("x", pos[0]),
			zap.Float32("y", pos[1]),
		)
	}
}

func (s logSink) OnRemoveEntities(ids []protocol.PlayerID) {
	for _, id := range ids {
		s.logger.Info("entity removed", zap.String("player_id", id.String()))
	}
}

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	username := flag.String("username", "player", "login username")
	mode := flag.String("mode", "", "dedicated (join a server) or integrated (host one); defaults to server.mode")
	addr := flag.String("addr", "", "server TCP address; defaults to the configured listener")
	wsURL := flag.String("ws", "", "join over WebSocket at this URL instead of TCP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if *mode == "" {
		*mode = cfg.Server.Mode
	}
	if *addr == "" {
		*addr = cfg.Listener.Addr()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := client.NewSession(*username, logSink{logger: logger.Named("sink")}, logger)
	if err != nil {
		logger.Fatal("creating session", zap.Error(err))
	}
	sess.Dispatcher().SetFallback(func(p protocol.Packet, _ struct{}) {
		logger.Debug("packet decoded", zap.Stringer("packet", p.ID()))
	})

	opts := transport.Options{
		WriteTimeout: cfg.Listener.WriteTimeout,
		MaxFrameSize: cfg.Listener.MaxFrameSize,
	}
	switch {
	case *mode == "integrated":
		srvCfg, err := server.ConfigFrom(cfg)
		if err != nil {
			logger.Fatal("building server config", zap.Error(err))
		}
		err = sess.StartIntegrated(ctx, srvCfg, nil)
		if err != nil {
			logger.Fatal("starting integrated server", zap.Error(err))
		}
	case *wsURL != "":
		if err := sess.JoinWebSocket(ctx, *wsURL, opts); err != nil {
			logger.Fatal("joining server", zap.String("url", *wsURL), zap.Error(err))
		}
	default:
		if err := sess.JoinServer(ctx, *addr, opts); err != nil {
			logger.Fatal("joining server", zap.String("addr", *addr), zap.Error(err))
		}
	}
	defer sess.Close()

	loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	id, err := sess.Client().WaitLogin(loginCtx)
	cancel()
	if err != nil {
		logger.Error("login failed", zap.Error(err))
		return
	}
	logger.Info("logged in",
		zap.String("player_id", id.String()),
		zap.String("mode", *mode),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-sess.Client().Done():
		logger.Info("disconnected",
			zap.String("reason", sess.Client().DisconnectReason()),
			zap.Error(sess.Client().Err()),
		)
	}
}
