package server

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService is the service name reported by the gRPC health endpoint.
const HealthService = "tilemontage.Montage"

// newGRPCServer returns a gRPC server carrying the standard health service
// and reflection. The health server is returned so callers can flip status.
func newGRPCServer() (*grpc.Server, *health.Server) {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(gs)
	return gs, hs
}

func (s *Server) serveGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.grpcAddr, err)
	}
	return s.serveGRPCOn(ctx, lis)
}

func (s *Server) serveGRPCOn(ctx context.Context, lis net.Listener) error {
	gs, hs := newGRPCServer()
	go func() {
		<-ctx.Done()
		hs.Shutdown()
		gs.GracefulStop()
	}()
	s.log.Info("gRPC health listener starting", "addr", lis.Addr().String())
	return gs.Serve(lis)
}
