// commands.go contains the cobra command definitions. Each builder creates
// a command and wires it to its handler in handlers.go.
package main

import (
	"time"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge HTTP server",
		Long: `Start the bridge server.

The server will:
1. Load configuration from the specified file (or bridge.yaml)
2. Open the item store and blob store
3. Start the expired-item janitor
4. Serve the /v1 invocation API with health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  bridge serve

  # Start with custom config
  bridge serve --config /etc/bridge/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Hold the named operations lock around exclusive work",
	}
	cmd.AddCommand(buildLockAcquireCmd(), buildLockReleaseCmd(), buildLockStatusCmd())
	return cmd
}

func buildLockAcquireCmd() *cobra.Command {
	var (
		configPath string
		heldBy     string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "acquire <name>",
		Short: "Acquire the named lock and save its token locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockAcquire(cmd.Context(), resolveConfigPath(configPath), args[0], heldBy, ttl)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&heldBy, "held-by", "", "Holder identity recorded on the lock (default: user@host)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lock lifetime before automatic expiry (default: 5m)")
	return cmd
}

func buildLockReleaseCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "release <name>",
		Short: "Release the named lock using the locally saved token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockRelease(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildLockStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show the current holder of the named lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockStatus(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
