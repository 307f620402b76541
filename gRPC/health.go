package backend

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ModelService is the health service name reported for a loaded model.
func ModelService(name string) string {
	return "model/" + name
}

// Server exposes grpc.health.v1.Health for orchestrators probing the streamer.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	log    *zap.Logger
}

// StartGRPCServer listens on port (0 picks a free one) and starts serving in the background.
// onRequest, when set, is called for every unary RPC.
func StartGRPCServer(port int, onRequest func(method string), log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	var opts []grpc.ServerOption
	if onRequest != nil {
		opts = append(opts, grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			onRequest(info.FullMethod)
			return handler(ctx, req)
		}))
	}
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		lis:    lis,
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil {
			log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// SetServing reports service as SERVING or NOT_SERVING. The empty name is the whole process.
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// GracefulStop flips every service to NOT_SERVING before draining connections.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
