package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rzbill/openstream/internal/runtime"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// DefaultHealthInterval is how often runtime health is re-checked.
const DefaultHealthInterval = 5 * time.Second

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt     *runtime.Runtime
	grpc   *grpc.Server
	health *healthWatcher
	lis    net.Listener
	logger logpkg.Logger
}

// New constructs a gRPC server with the health and reflection services.
func New(rt *runtime.Runtime, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	logger = logger.With(logpkg.Component("grpc"))
	s := &Server{rt: rt, grpc: grpc.NewServer(opts...), logger: logger}
	s.health = newHealthWatcher(rt, logger)
	healthpb.RegisterHealthServer(s.grpc, s.health.srv)
	reflection.Register(s.grpc)
	s.health.refresh(context.Background())
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc listening", logpkg.Str("addr", l.Addr().String()))
	go s.health.run(ctx, DefaultHealthInterval)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.health.shutdown()
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
