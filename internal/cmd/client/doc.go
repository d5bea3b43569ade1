// Package client provides the `openstream` command-line client.
//
// The CLI talks to the OpenStream HTTP API. The base URL is supplied by the
// embedding binary through a BaseURLFunc and defaults to
// http://127.0.0.1:8080 (OPENSTREAM_HTTP). The health command can also
// query grpc.health.v1 at OPENSTREAM_GRPC (default 127.0.0.1:9090).
//
// Usage
//
//	openstream topic create --name orders --partitions 16
//	openstream produce --topic orders --type order.created --key cust-1 --data '{"total":42}'
//	openstream group create --topic orders --group billing --start-id '$'
//	openstream group read --topic orders --group billing --consumer w1 --count 10 --block 2s
//	openstream group ack --topic orders --group billing --partition 3 --id 1726833600000-000000
//	openstream group claim --topic orders --group billing --consumer w2 --min-idle 1m
//	openstream replay rehydrate --topic orders --from 2025-09-20T12:00:00Z --filter 'event_type == "order.created"'
//	openstream metrics summary -o yaml
//
// Every command prints JSON by default; -o yaml prints YAML with the same
// field names.
package client
