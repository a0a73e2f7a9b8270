package observability

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthServer exposes the standard grpc.health.v1 service so
// orchestrators that health-check over gRPC see the same readiness as /ready
type GRPCHealthServer struct {
	server *grpc.Server
	health *health.Server
	checks map[string]HealthCheckFunc
	logger zerolog.Logger
}

// NewGRPCHealthServer creates the server; it reports NOT_SERVING until
// Refresh sees every check pass
func NewGRPCHealthServer(checks map[string]HealthCheckFunc, logger zerolog.Logger) *GRPCHealthServer {
	s := &GRPCHealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
		checks: checks,
		logger: WithComponent(logger, "grpc_health"),
	}

	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return s
}

// Refresh runs the checks once and publishes the result
func (s *GRPCHealthServer) Refresh(ctx context.Context) bool {
	_, ok := RunChecks(ctx, s.checks)

	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(serviceName, status)
	s.health.SetServingStatus("", status)

	return ok
}

// Watch refreshes the status every interval until ctx is cancelled
func (s *GRPCHealthServer) Watch(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Refresh(ctx) {
				s.logger.Warn().Msg("Readiness checks failing, reporting NOT_SERVING")
			}
		}
	}
}

// Serve accepts gRPC connections on lis until Stop
func (s *GRPCHealthServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return s.server.Serve(lis)
}

// Stop marks the service as shutting down and stops the server gracefully
func (s *GRPCHealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
