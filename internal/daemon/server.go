package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/frc-emotion/nautilus/internal/api"
	"github.com/frc-emotion/nautilus/internal/bus"
	"github.com/frc-emotion/nautilus/internal/connectivity"
	"github.com/frc-emotion/nautilus/internal/profile"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ConnectivityService is the health service name that mirrors the backend's
// reachability. The empty name reports the daemon itself.
const ConnectivityService = "nautilus.connectivity"

// Server manages the gRPC server lifecycle for a profile daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
	unsub      func()
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
// svc may be nil, in which case only the health service is served.
func NewServer(p Params, logger *zap.Logger, machine *connectivity.Machine, b *bus.Bus, svc *api.RequestService) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ConnectivityService, servingStatus(machine.Current()))

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	if svc != nil {
		api.RegisterRequestServer(srv, svc)
	}

	s := &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}
	s.follow(b)
	return s, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	if s.unsub != nil {
		s.unsub()
	}
	// Ends open Watch streams so GracefulStop does not wait on them.
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// follow mirrors connectivity changes into the health service.
func (s *Server) follow(b *bus.Bus) {
	events, unsub := b.Subscribe("net.", 16)
	s.unsub = unsub
	go func() {
		for evt := range events {
			change, ok := evt.Payload.(connectivity.StatusChange)
			if !ok {
				continue
			}
			s.health.SetServingStatus(ConnectivityService, servingStatus(change.To))
		}
	}()
}

func servingStatus(s connectivity.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == connectivity.Connected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
