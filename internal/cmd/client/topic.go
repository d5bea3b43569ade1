package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

// NewTopicCommand constructs the `topic` command group.
func NewTopicCommand(baseURL BaseURLFunc) *cobra.Command {
	topicCmd := &cobra.Command{Use: "topic", Short: "Topic operations"}
	addOutputFlag(topicCmd)
	topicCmd.AddCommand(
		newTopicCreateCommand(baseURL),
		newTopicDescribeCommand(baseURL),
		newTopicListCommand(baseURL),
	)
	return topicCmd
}

func newTopicCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			parts, _ := cmd.Flags().GetInt("partitions")
			var out any
			body := map[string]any{"name": name, "partitions": parts}
			if err := transportFor(baseURL).Call(cmd.Context(), http.MethodPost, "/v1/topics", nil, body, &out); err != nil {
				return err
			}
			return printOutput(cmd, out)
		},
	}
	cmd.Flags().String("name", "", "Topic name")
	cmd.Flags().Int("partitions", 0, "Partition count (0 = server default)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newTopicDescribeCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "describe TOPIC",
		Short: "Show partitions, lengths, groups and persist watermark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := transportFor(baseURL).Call(cmd.Context(), http.MethodGet, "/v1/topics/"+url.PathEscape(args[0]), nil, nil, &out); err != nil {
				return err
			}
			return printOutput(cmd, out)
		},
	}
}

func newTopicListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out any
			if err := transportFor(baseURL).Call(cmd.Context(), http.MethodGet, "/v1/topics", nil, nil, &out); err != nil {
				return err
			}
			return printOutput(cmd, out)
		},
	}
}

// eventIn mirrors the ingest body of one event.
type eventIn struct {
	EventType    string          `json:"event_type"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TimestampMs  *int64          `json:"timestamp_ms,omitempty"`
}

// NewProduceCommand constructs `produce`, which appends events to a topic.
// Events come from repeated --data payloads sharing --type and --key, or
// from --file holding a JSON array of {event_type, partition_key, payload}.
func NewProduceCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Produce events to a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			eventType, _ := cmd.Flags().GetString("type")
			key, _ := cmd.Flags().GetString("key")
			data, _ := cmd.Flags().GetStringArray("data")
			file, _ := cmd.Flags().GetString("file")
			parts, _ := cmd.Flags().GetInt("partitions")

			var events []eventIn
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &events); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			for _, d := range data {
				if !json.Valid([]byte(d)) {
					return fmt.Errorf("--data %q is not valid JSON", d)
				}
				events = append(events, eventIn{EventType: eventType, PartitionKey: key, Payload: json.RawMessage(d)})
			}
			if len(events) == 0 {
				return fmt.Errorf("nothing to produce; pass --data or --file")
			}
			body := map[string]any{"events": events}
			if parts > 0 {
				body["partitions"] = parts
			}
			var out any
			err := transportFor(baseURL).Call(cmd.Context(), http.MethodPost, "/v1/topics/"+url.PathEscape(topicName)+"/events", nil, body, &out)
			if out != nil {
				if perr := printOutput(cmd, out); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	addOutputFlag(cmd)
	cmd.Flags().String("topic", "", "Topic")
	cmd.Flags().String("type", "", "Event type for --data events")
	cmd.Flags().String("key", "", "Partition key for --data events")
	cmd.Flags().StringArray("data", nil, "JSON object payload (repeatable)")
	cmd.Flags().String("file", "", "JSON array of events")
	cmd.Flags().Int("partitions", 0, "Partition hint when the topic is created by this call")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}
