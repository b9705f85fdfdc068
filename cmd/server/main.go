// Package main provides the dedicated server binary.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netforge/internal/config"
	"github.com/cory-johannsen/netforge/internal/observability"
	"github.com/cory-johannsen/netforge/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
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

	if cfg.Server.Mode != "dedicated" {
		logger.Warn("server binary always runs dedicated; integrated hosting is started by the client",
			zap.String("mode", cfg.Server.Mode),
		)
	}

	srvCfg, err := server.ConfigFrom(cfg)
	if err != nil {
		logger.Fatal("building server config", zap.Error(err))
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	srv := server.New(srvCfg, metrics, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("netforge", srv)

	if metrics != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		httpServer := &http.Server{
			Addr:              cfg.Metrics.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		lifecycle.Add("metrics", &server.FuncComponent{
			RunFn: func(context.Context) error {
				logger.Info("metrics endpoint listening",
					zap.String("addr", httpServer.Addr),
					zap.String("path", cfg.Metrics.Path),
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			StopFn: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(ctx)
			},
		})
	}

	logger.Info("server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("tcp_addr", cfg.Listener.Addr()),
		zap.Int32("map_id", srvCfg.Game.MapID),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
