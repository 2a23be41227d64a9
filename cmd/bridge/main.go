// Package main provides the CLI entry point for the agentbridge control
// plane.
//
// # Basic Usage
//
// Start the server:
//
//	bridge serve --config bridge.yaml
//
// Hold the deployment lock around an exclusive operation:
//
//	bridge lock acquire deploy-pipeline --held-by alice
//	bridge lock release deploy-pipeline
//
// # Environment Variables
//
//   - BRIDGE_CONFIG: Path to configuration file (default: bridge.yaml)
//   - BRIDGE_AUTH_SECRET: HS256 secret shared with the edge authorizer
//   - BRIDGE_STORAGE_PATH: SQLite database path
//   - BRIDGE_OTLP_ENDPOINT: OTLP gRPC collector for traces
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Multi-tenant agent invocation control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildLockCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("BRIDGE_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("bridge.yaml"); err == nil {
		return "bridge.yaml"
	}
	return ""
}
