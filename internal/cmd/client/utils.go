package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rzbill/openstream/internal/cmd/client/transports"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// grpcAddrFromEnv returns the gRPC address from OPENSTREAM_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("OPENSTREAM_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:9090"
}

func transportFor(baseURL BaseURLFunc) transports.Transport {
	return transports.NewHTTPTransport(baseURL(), nil)
}

// addOutputFlag registers -o/--output on cmd and its children.
func addOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("output", "o", "json", "Output format: json|yaml")
}

// printOutput writes v as indented JSON or as YAML. YAML keys follow the
// JSON field names of the API.
func printOutput(cmd *cobra.Command, v any) error {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "", "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(numbersToYAML(generic)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("invalid --output %q; use json|yaml", format)
	}
}

// numbersToYAML turns json.Number into int64 or float64 so YAML prints
// them as numbers rather than strings.
func numbersToYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = numbersToYAML(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = numbersToYAML(e)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func durationMs(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

// parseTime accepts unix milliseconds or RFC3339. Empty is 0.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("expected ms or RFC3339")
	}
	return t.UnixMilli(), nil
}
