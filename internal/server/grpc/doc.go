// Package grpcserver hosts the grpc.health.v1 service, mirroring runtime
// health, together with server reflection.
//
// Example:
//
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9090")
package grpcserver
