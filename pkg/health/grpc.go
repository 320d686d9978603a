package health

import (
	"context"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCBridge mirrors the handler's readiness into a grpc_health_v1 service
// so orchestrators speaking gRPC health can probe the worker.
type GRPCBridge struct {
	handler *Handler
	server  *grpchealth.Server
	service string
}

// NewGRPCBridge creates a bridge. The status is published both for the
// overall server ("") and for service.
func NewGRPCBridge(h *Handler, service string) *GRPCBridge {
	b := &GRPCBridge{handler: h, server: grpchealth.NewServer(), service: service}
	b.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return b
}

// Register installs the health service on s.
func (b *GRPCBridge) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, b.server)
}

// Server returns the underlying health server.
func (b *GRPCBridge) Server() *grpchealth.Server {
	return b.server
}

// Sync runs the checks once and publishes the resulting status.
func (b *GRPCBridge) Sync(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if b.handler.IsReady() && b.handler.Check(ctx).Status != StatusUnhealthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	b.set(status)
	return status
}

// Run syncs every interval until ctx is done, then marks the service as
// shutting down.
func (b *GRPCBridge) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			b.server.Shutdown()
			return
		case <-ticker.C:
			b.Sync(ctx)
		}
	}
}

func (b *GRPCBridge) set(status healthpb.HealthCheckResponse_ServingStatus) {
	b.server.SetServingStatus("", status)
	if b.service != "" {
		b.server.SetServingStatus(b.service, status)
	}
}
