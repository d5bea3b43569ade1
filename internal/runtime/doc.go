// Package runtime wires storage, config, and services into a single
// OpenStream node. It exposes Open/Start/Close, health checks, and accessors
// for the services the HTTP and gRPC servers call into.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Storage.DataDir = "./data"
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	defer rt.Close()
//	_ = rt.Start(ctx)
//	_ = rt.CheckHealth(ctx)
//	_, _ = rt.Gateway().Ingest(ctx, ingest.Request{
//		Topic:  "orders",
//		Events: []ingest.EventIn{{EventType: "order.created", Payload: json.RawMessage(`{"id":1}`)}},
//	})
package runtime
