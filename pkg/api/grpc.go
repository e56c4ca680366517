package api

import (
	"fmt"
	"net"

	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the manager
const ServiceName = "admiral.Manager"

// GRPCServer serves the standard gRPC health service. Its serving status
// follows the readiness of the critical components.
type GRPCServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with the metrics interceptor
func NewGRPCServer() *GRPCServer {
	logger := log.WithComponent("grpc")
	s := &GRPCServer{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor(logger))),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// Start listens on addr and serves until Stop is called
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// SetServing updates the reported health of the manager service and of
// the server as a whole
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// SyncReadiness sets the serving status from the component registry
func (s *GRPCServer) SyncReadiness() bool {
	ready := metrics.GetReadiness().Status == metrics.StatusReady
	s.SetServing(ready)
	return ready
}

// Stop gracefully stops the gRPC server
func (s *GRPCServer) Stop() {
	if s.grpc != nil {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}
}
