// Package main provides the CLI entry point for the relay agent engine.
//
// Relay connects a chat backend to tool servers over stdio, HTTP, or
// WebSocket transports and manages conversation state, streaming
// responses, and response caching.
//
// # Basic Usage
//
// Start the engine:
//
//	relay serve --config relay.yaml
//
// Check a configuration file:
//
//	relay validate --config relay.yaml
//
// List the tools the configured servers expose:
//
//	relay tools --config relay.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "Relay - chat backend engine with tool-server orchestration",
		Long:    "Relay runs agent turns against configured tool servers,\nstreams responses with durable checkpoints, and caches\ndeterministic model output.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
		buildToolsCmd(),
	)

	return rootCmd
}
