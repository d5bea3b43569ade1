// Package serverrun exposes the Run entrypoint used by the CLI to start the
// OpenStream runtime with its HTTP and gRPC servers, handling lifecycle and
// shutdown.
//
// Example:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{ConfigPath: "openstream.yaml"})
package serverrun
