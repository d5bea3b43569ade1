package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/openstream/internal/cmd/client"
	serverrun "github.com/rzbill/openstream/internal/cmd/server"
	cfgpkg "github.com/rzbill/openstream/internal/config"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

func main() {
	// CLI logger; the server builds its own from config.
	parsed, err := logpkg.ParseLevel(os.Getenv("OPENSTREAM_LOG_LEVEL"))
	if err != nil {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:           "openstream",
		Short:         "OpenStream event streaming CLI",
		Long:          "OpenStream ingests events into partitioned logs, serves consumer groups and persists history. This CLI runs the server and talks to it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the OpenStream server (HTTP and gRPC health)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			err := serverrun.Run(ctx, serverrun.Options{
				ConfigPath: configPath,
				Overrides:  flagOverrides(cmd),
			})
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().StringP("config", "c", os.Getenv("OPENSTREAM_CONFIG"), "Config file (yaml, json or toml)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address")
	serverStartCmd.Flags().String("grpc", "", "gRPC health listen address")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Duration("fsync-interval", 0, "When --fsync=interval, group-commit window")
	serverStartCmd.Flags().String("durable-driver", "", "Durable store: sqlite|postgres")
	serverStartCmd.Flags().String("durable-dsn", "", "Durable store DSN")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(clientcmd.Commands(apiURL)...)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}

// flagOverrides applies only the flags the user set, so file and
// environment values survive otherwise.
func flagOverrides(cmd *cobra.Command) func(*cfgpkg.Config) {
	return func(c *cfgpkg.Config) {
		f := cmd.Flags()
		if f.Changed("data-dir") {
			c.Storage.DataDir, _ = f.GetString("data-dir")
		}
		if f.Changed("http") {
			c.Server.HTTPAddr, _ = f.GetString("http")
		}
		if f.Changed("grpc") {
			c.Server.GRPCAddr, _ = f.GetString("grpc")
		}
		if f.Changed("fsync") {
			c.Storage.Fsync, _ = f.GetString("fsync")
		}
		if f.Changed("fsync-interval") {
			c.Storage.FsyncInterval, _ = f.GetDuration("fsync-interval")
		}
		if f.Changed("durable-driver") {
			c.Durable.Driver, _ = f.GetString("durable-driver")
		}
		if f.Changed("durable-dsn") {
			c.Durable.DSN, _ = f.GetString("durable-dsn")
		}
		if f.Changed("log-level") {
			c.Log.Level, _ = f.GetString("log-level")
		}
		if f.Changed("log-format") {
			c.Log.Format, _ = f.GetString("log-format")
		}
	}
}

func apiURL() string {
	if v := os.Getenv("OPENSTREAM_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
