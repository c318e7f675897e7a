// Package main provides the CLI entry point for substrate, the cooperative
// multi-agent runtime: a single round-robin compute scheduler, a JSON-backed
// org/role graph, and thin bridges out to chat platforms, gRPC clients, and
// cron-scheduled jobs.
//
// # Basic Usage
//
// Start the server:
//
//	substrate serve --config substrate.yaml
//
// Inspect the org graph:
//
//	substrate org show
//
// # Environment Variables
//
//   - NEXUS_HOST, NEXUS_GRPC_PORT, NEXUS_HTTP_PORT, NEXUS_METRICS_PORT,
//     DATABASE_URL, JWT_SECRET, NEXUS_JWT_SECRET, NEXUS_TOKEN_EXPIRY:
//     override the matching settings of the configuration file
//
// The configuration file path comes from the --config flag (default:
// substrate.yaml). Other variables, such as provider API keys or bridge
// tokens, take effect only where the configuration file references them as
// ${NAME}, since the file is expanded against the environment on load.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Set via: go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "substrate",
		Short: "substrate - cooperative multi-agent runtime",
		Long: `substrate runs a single-threaded compute scheduler over a org/role
graph of agents, dispatching LLM calls and tool invocations one step at a
time per agent while honoring cooperative cancellation on edit.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT, OpenAI-compatible)
Supported chat bridges: Discord, Telegram, Slack, WhatsApp

Documentation: https://github.com/agentsociety/substrate`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildOrgCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
