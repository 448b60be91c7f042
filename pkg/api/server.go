package api

import (
	"fmt"
	"net"

	"github.com/cuemby/dynsched/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SchedulerService is the gRPC health service name reporting the scheduler
const SchedulerService = "dynsched.scheduler"

// Server serves the standard gRPC health service
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewServer creates a gRPC server with the health service registered. All
// services start as NOT_SERVING until SetServing is called.
func NewServer() *Server {
	logger := log.WithComponent("grpc")
	s := &Server{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger))),
		health: health.NewServer(),
		logger: logger,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(SchedulerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetServing updates the status of the server and the scheduler service
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(SchedulerService, st)
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpc.Serve(lis)
}

// Stop marks every service as not serving and stops gracefully
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
