package server

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer serves the standard gRPC health service so that orchestrators
// and peers can probe the node
type GRPCServer struct {
	addr     string
	server   *grpc.Server
	health   *grpchealth.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewGRPCServer creates a gRPC server with the health service registered.
// Every service starts out NOT_SERVING until the health checker reports.
func NewGRPCServer(host string, port int, maxStreams uint32, logger *zap.Logger) *GRPCServer {
	var opts []grpc.ServerOption
	if maxStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(maxStreams))
	}
	server := grpc.NewServer(opts...)

	health := grpchealth.NewServer()
	health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, health)

	return &GRPCServer{
		addr:   fmt.Sprintf("%s:%d", host, port),
		server: server,
		health: health,
		logger: logger,
	}
}

// Health returns the health server the health checker publishes to
func (s *GRPCServer) Health() *grpchealth.Server {
	return s.health
}

// Start listens and serves in the background
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = lis

	s.logger.Info("Starting gRPC health server", zap.String("addr", lis.Addr().String()))

	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the address the server listens on once started
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop marks every service NOT_SERVING and drains open streams. Watch
// streams never end on their own, so the server is stopped hard once
// timeout expires.
func (s *GRPCServer) Stop(timeout time.Duration) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(timeout):
		s.logger.Warn("gRPC graceful stop timed out, forcing")
		s.server.Stop()
	}
}
