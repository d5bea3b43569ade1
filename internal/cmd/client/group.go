package client

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewGroupCommand constructs the `group` command group.
func NewGroupCommand(baseURL BaseURLFunc) *cobra.Command {
	groupCmd := &cobra.Command{Use: "group", Short: "Consumer group operations"}
	addOutputFlag(groupCmd)
	groupCmd.PersistentFlags().String("topic", "", "Topic")
	groupCmd.PersistentFlags().String("group", "", "Group")
	groupCmd.AddCommand(
		newGroupCreateCommand(baseURL),
		newGroupReadCommand(baseURL),
		newGroupAckCommand(baseURL),
		newGroupClaimCommand(baseURL),
		newGroupResetCommand(baseURL),
		newGroupPendingCommand(baseURL),
	)
	return groupCmd
}

func groupPath(cmd *cobra.Command, op string) string {
	topicName, _ := cmd.Flags().GetString("topic")
	group, _ := cmd.Flags().GetString("group")
	p := "/v1/topics/" + url.PathEscape(topicName) + "/groups"
	if op == "" {
		return p
	}
	return p + "/" + url.PathEscape(group) + "/" + op
}

// post sends body to path and prints the answer.
func post(cmd *cobra.Command, baseURL BaseURLFunc, path string, body any) error {
	var out any
	if err := transportFor(baseURL).Call(cmd.Context(), http.MethodPost, path, nil, body, &out); err != nil {
		return err
	}
	return printOutput(cmd, out)
}

func newGroupCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group at $ (tail) or an explicit id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			group, _ := cmd.Flags().GetString("group")
			start, _ := cmd.Flags().GetString("start-id")
			parts, _ := cmd.Flags().GetIntSlice("partition")
			hint, _ := cmd.Flags().GetInt("partitions-hint")
			body := map[string]any{"group": group, "start_id": start}
			if len(parts) > 0 {
				body["partitions"] = parts
			}
			if hint > 0 {
				body["partitions_hint"] = hint
			}
			return post(cmd, baseURL, groupPath(cmd, ""), body)
		},
	}
	cmd.Flags().String("start-id", "$", "Start id: $ or <ms>-<seq>")
	cmd.Flags().IntSlice("partition", nil, "Partitions (default all)")
	cmd.Flags().Int("partitions-hint", 0, "Partition count if the topic is created by this call")
	return cmd
}

func newGroupReadCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read new entries for a consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			consumer, _ := cmd.Flags().GetString("consumer")
			count, _ := cmd.Flags().GetInt("count")
			block, _ := cmd.Flags().GetDuration("block")
			parts, _ := cmd.Flags().GetIntSlice("partition")
			body := map[string]any{"consumer": consumer, "block_ms": durationMs(block)}
			if count > 0 {
				body["count"] = count
			}
			if len(parts) > 0 {
				body["partitions"] = parts
			}
			return post(cmd, baseURL, groupPath(cmd, "read"), body)
		},
	}
	cmd.Flags().String("consumer", "", "Consumer name")
	cmd.Flags().Int("count", 0, "Max entries across partitions (0 = server default)")
	cmd.Flags().Duration("block", time.Second, "How long to wait for new entries")
	cmd.Flags().IntSlice("partition", nil, "Partitions (default all)")
	return cmd
}

func newGroupAckCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge ids on one partition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _ := cmd.Flags().GetInt("partition")
			ids, _ := cmd.Flags().GetStringSlice("id")
			body := map[string]any{"items": []map[string]any{{"partition": p, "ids": ids}}}
			return post(cmd, baseURL, groupPath(cmd, "ack"), body)
		},
	}
	cmd.Flags().Int("partition", 0, "Partition")
	cmd.Flags().StringSlice("id", nil, "Entry ids")
	return cmd
}

func newGroupClaimCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim entries idle longer than --min-idle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			consumer, _ := cmd.Flags().GetString("consumer")
			minIdle, _ := cmd.Flags().GetDuration("min-idle")
			count, _ := cmd.Flags().GetInt("count")
			start, _ := cmd.Flags().GetString("start-id")
			parts, _ := cmd.Flags().GetIntSlice("partition")
			body := map[string]any{"consumer": consumer, "min_idle_ms": durationMs(minIdle)}
			if count > 0 {
				body["count"] = count
			}
			if start != "" {
				body["start_id"] = start
			}
			if starts, _ := cmd.Flags().GetStringToString("start-ids"); len(starts) > 0 {
				body["start_ids"] = starts
			}
			if len(parts) > 0 {
				body["partitions"] = parts
			}
			return post(cmd, baseURL, groupPath(cmd, "claim"), body)
		},
	}
	cmd.Flags().String("consumer", "", "Consumer taking over the entries")
	cmd.Flags().Duration("min-idle", time.Minute, "Minimum idle time")
	cmd.Flags().Int("count", 0, "Max entries (0 = server default)")
	cmd.Flags().String("start-id", "", "Scan cursor from a previous claim")
	cmd.Flags().StringToString("start-ids", nil, "Per-partition scan cursors, e.g. 0=0-0,1=1700000000000-3")
	cmd.Flags().IntSlice("partition", nil, "Partitions (default all)")
	return cmd
}

func newGroupResetCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Move an existing group to a start id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, _ := cmd.Flags().GetString("start-id")
			parts, _ := cmd.Flags().GetIntSlice("partition")
			body := map[string]any{"start_id": start}
			if len(parts) > 0 {
				body["partitions"] = parts
			}
			return post(cmd, baseURL, groupPath(cmd, "reset"), body)
		},
	}
	cmd.Flags().String("start-id", "0-0", "Start id: $ or <ms>-<seq>")
	cmd.Flags().IntSlice("partition", nil, "Partitions (default all)")
	return cmd
}

func newGroupPendingCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending entries with delivery counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _ := cmd.Flags().GetInt("partition")
			consumer, _ := cmd.Flags().GetString("consumer")
			flagged, _ := cmd.Flags().GetBool("flagged")
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			if p >= 0 {
				q.Set("partition", strconv.Itoa(p))
			}
			if consumer != "" {
				q.Set("consumer", consumer)
			}
			if flagged {
				q.Set("flagged", "true")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out any
			if err := transportFor(baseURL).Call(cmd.Context(), http.MethodGet, groupPath(cmd, "pending"), q, nil, &out); err != nil {
				return err
			}
			return printOutput(cmd, out)
		},
	}
	cmd.Flags().Int("partition", -1, "Partition (-1 = all)")
	cmd.Flags().String("consumer", "", "Only this consumer")
	cmd.Flags().Bool("flagged", false, "Only entries over the delivery ceiling")
	cmd.Flags().Int("limit", 0, "Max entries listed (0 = server default)")
	return cmd
}
