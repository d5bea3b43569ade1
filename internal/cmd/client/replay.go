package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rzbill/openstream/internal/cmd/client/transports"
)

// NewReplayCommand constructs the `replay` command group.
func NewReplayCommand(baseURL BaseURLFunc) *cobra.Command {
	replayCmd := &cobra.Command{Use: "replay", Short: "In-log replay and durable history"}
	addOutputFlag(replayCmd)
	replayCmd.PersistentFlags().String("topic", "", "Topic")
	replayCmd.AddCommand(
		newReplayGroupCommand(baseURL),
		newReplayRehydrateCommand(baseURL),
		newReplayHistoryCommand(baseURL),
	)
	return replayCmd
}

func newReplayGroupCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create or rewind a group to a start id still held in the log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			group, _ := cmd.Flags().GetString("group")
			start, _ := cmd.Flags().GetString("start-id")
			parts, _ := cmd.Flags().GetIntSlice("partition")
			body := map[string]any{"start_id": start}
			if len(parts) > 0 {
				body["partitions"] = parts
			}
			path := "/v1/topics/" + url.PathEscape(topicName) + "/groups/" + url.PathEscape(group) + "/replay"
			return post(cmd, baseURL, path, body)
		},
	}
	cmd.Flags().String("group", "", "Group")
	cmd.Flags().String("start-id", "0-0", "Start id")
	cmd.Flags().IntSlice("partition", nil, "Partitions (default all)")
	return cmd
}

func newReplayRehydrateCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rehydrate",
		Short: "Re-ingest persisted events into <topic>.replay or --target",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			body := map[string]any{}
			for _, f := range []string{"target", "from-id", "until-id", "filter", "after"} {
				if v, _ := cmd.Flags().GetString(f); v != "" {
					body[strings.ReplaceAll(f, "-", "_")] = v
				}
			}
			for _, f := range []string{"page-size", "max-events"} {
				if v, _ := cmd.Flags().GetInt(f); v > 0 {
					body[strings.ReplaceAll(f, "-", "_")] = v
				}
			}
			from, to, err := timeRange(cmd)
			if err != nil {
				return err
			}
			if from > 0 {
				body["from_ms"] = from
			}
			if to > 0 {
				body["to_ms"] = to
			}
			if parts, _ := cmd.Flags().GetIntSlice("partition"); len(parts) > 0 {
				body["partitions"] = parts
			}
			return post(cmd, baseURL, "/v1/topics/"+url.PathEscape(topicName)+"/replay", body)
		},
	}
	cmd.Flags().String("target", "", "Target topic (default <topic>.replay)")
	cmd.Flags().String("from-id", "", "First id")
	cmd.Flags().String("until-id", "", "Last id")
	cmd.Flags().String("from", "", "Start time: RFC3339 or ms")
	cmd.Flags().String("to", "", "End time: RFC3339 or ms")
	cmd.Flags().String("filter", "", "CEL filter, e.g. event_type == \"order.created\"")
	cmd.Flags().String("after", "", "Resume token from a previous run")
	cmd.Flags().Int("page-size", 0, "Durable page size (0 = server default)")
	cmd.Flags().Int("max-events", 0, "Stop after N emitted events (0 = all)")
	cmd.Flags().IntSlice("partition", nil, "Partitions (default all)")
	return cmd
}

func newReplayHistoryCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Page through persisted events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			q := url.Values{}
			for _, f := range []string{"from-id", "until-id", "after", "from", "to"} {
				if v, _ := cmd.Flags().GetString(f); v != "" {
					q.Set(strings.ReplaceAll(f, "-", "_"), v)
				}
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if parts, _ := cmd.Flags().GetIntSlice("partition"); len(parts) > 0 {
				s := make([]string, len(parts))
				for i, p := range parts {
					s[i] = strconv.Itoa(p)
				}
				q.Set("partitions", strings.Join(s, ","))
			}
			var out any
			if err := transportFor(baseURL).Call(cmd.Context(), http.MethodGet, "/v1/topics/"+url.PathEscape(topicName)+"/history", q, nil, &out); err != nil {
				return err
			}
			return printOutput(cmd, out)
		},
	}
	cmd.Flags().String("from-id", "", "First id")
	cmd.Flags().String("until-id", "", "Last id")
	cmd.Flags().String("from", "", "Start time: RFC3339 or ms")
	cmd.Flags().String("to", "", "End time: RFC3339 or ms")
	cmd.Flags().String("after", "", "Next token from a previous page")
	cmd.Flags().Int("limit", 0, "Page size (0 = server default)")
	cmd.Flags().IntSlice("partition", nil, "Partitions (default all)")
	return cmd
}

// NewMetricsCommand constructs `metrics summary`.
func NewMetricsCommand(baseURL BaseURLFunc) *cobra.Command {
	metricsCmd := &cobra.Command{Use: "metrics", Short: "Metrics"}
	addOutputFlag(metricsCmd)
	metricsCmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Partition lengths and per-group lag and pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out any
			if err := transportFor(baseURL).Call(cmd.Context(), http.MethodGet, "/v1/metrics/summary", nil, nil, &out); err != nil {
				return err
			}
			return printOutput(cmd, out)
		},
	})
	return metricsCmd
}

// NewHealthCommand checks /healthz and, with --grpc, grpc.health.v1.
func NewHealthCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := map[string]any{}
			var body any
			if err := transportFor(baseURL).Call(cmd.Context(), http.MethodGet, "/healthz", nil, nil, &body); err != nil {
				out["http"] = err.Error()
			} else {
				out["http"] = "SERVING"
			}
			if useGRPC, _ := cmd.Flags().GetBool("grpc"); useGRPC {
				addr, _ := cmd.Flags().GetString("grpc-addr")
				status, err := transports.NewGrpcHealth(transports.DialInsecure(addr)).Check(cmd.Context(), "")
				if err != nil {
					status = err.Error()
				}
				out["grpc"] = status
			}
			if err := printOutput(cmd, out); err != nil {
				return err
			}
			for k, v := range out {
				if v != "SERVING" {
					return fmt.Errorf("%s not serving", k)
				}
			}
			return nil
		},
	}
	addOutputFlag(cmd)
	cmd.Flags().Bool("grpc", false, "Also check grpc.health.v1")
	cmd.Flags().String("grpc-addr", grpcAddrFromEnv(), "gRPC address (OPENSTREAM_GRPC)")
	return cmd
}

func timeRange(cmd *cobra.Command) (from, to int64, err error) {
	fromS, _ := cmd.Flags().GetString("from")
	toS, _ := cmd.Flags().GetString("to")
	if from, err = parseTime(fromS); err != nil {
		return 0, 0, fmt.Errorf("invalid --from: %w", err)
	}
	if to, err = parseTime(toS); err != nil {
		return 0, 0, fmt.Errorf("invalid --to: %w", err)
	}
	return from, to, nil
}
