package client

import (
	"github.com/spf13/cobra"
)

// Commands returns every client command group.
func Commands(baseURL BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		NewTopicCommand(baseURL),
		NewProduceCommand(baseURL),
		NewGroupCommand(baseURL),
		NewReplayCommand(baseURL),
		NewMetricsCommand(baseURL),
		NewHealthCommand(baseURL),
	}
}

// NewRoot constructs a root Cobra command for the OpenStream client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "openstream",
		Short: "OpenStream client commands",
	}
	root.AddCommand(Commands(baseURL)...)
	return root
}
