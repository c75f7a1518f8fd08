package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"parfum.shop/internal/obs"
)

// HealthServer exposes the standard gRPC health service backed by the same
// readiness check as /readyz.
type HealthServer struct {
	readiness ReadinessChecker
	health    *health.Server
}

// NewHealthServer creates the gRPC health wrapper. Status starts as
// NOT_SERVING until the first Refresh.
func NewHealthServer(r ReadinessChecker) *HealthServer {
	if r == nil {
		r = ReadyFunc(nil)
	}
	s := &HealthServer{readiness: r, health: health.NewServer()}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh checks readiness once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes status every interval until ctx is done, then marks the
// service as shutting down.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			obs.Logger().Warn("grpc health check failed", "err", err)
		}
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (s *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
}
