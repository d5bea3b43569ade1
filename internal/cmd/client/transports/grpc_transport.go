package transports

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GrpcHealth checks a server through grpc.health.v1.
type GrpcHealth struct {
	dial func(ctx context.Context) (*grpc.ClientConn, error)
}

// NewGrpcHealth constructs a checker using the provided dialer.
func NewGrpcHealth(dial func(ctx context.Context) (*grpc.ClientConn, error)) *GrpcHealth {
	return &GrpcHealth{dial: dial}
}

// DialInsecure dials addr without TLS, for local and dev use.
func DialInsecure(addr string) func(ctx context.Context) (*grpc.ClientConn, error) {
	return func(ctx context.Context) (*grpc.ClientConn, error) {
		return grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
}

// Check returns the serving status name of service ("" for the server).
func (t *GrpcHealth) Check(ctx context.Context, service string) (string, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	return res.GetStatus().String(), nil
}
