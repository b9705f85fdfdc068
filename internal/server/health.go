package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported by the health endpoint in
// addition to the overall ("") status.
const HealthService = "netforge.Server"

// healthEndpoint serves grpc.health.v1 on its own listener.
type healthEndpoint struct {
	status *health.Server
	grpc   *grpc.Server
	lis    net.Listener
	logger *zap.Logger
}

// newHealthEndpoint binds addr and registers the health service. Both
// statuses start as NOT_SERVING.
func newHealthEndpoint(addr string, logger *zap.Logger) (*healthEndpoint, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	status := health.NewServer()
	status.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	status.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, status)

	return &healthEndpoint{status: status, grpc: gs, lis: lis, logger: logger}, nil
}

// serve blocks until ctx is cancelled.
func (h *healthEndpoint) serve(ctx context.Context) error {
	h.logger.Info("health endpoint listening",
		zap.String("addr", h.lis.Addr().String()),
	)
	stop := context.AfterFunc(ctx, h.grpc.Stop)
	defer stop()

	if err := h.grpc.Serve(h.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving health endpoint: %w", err)
	}
	return nil
}

func (h *healthEndpoint) setServing() {
	h.status.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.status.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
}

// shutdown marks every service NOT_SERVING; later status changes are ignored.
func (h *healthEndpoint) shutdown() {
	h.status.Shutdown()
}

func (h *healthEndpoint) addr() string {
	return h.lis.Addr().String()
}
