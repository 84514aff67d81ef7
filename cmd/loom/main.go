// Package main provides the CLI entry point for the Loom execution core.
//
// Loom runs chat turns and multi-step plans against LLM providers with
// a pool of worker processes, persisted context snapshots, and a
// sliding-window rate limiter.
//
// # Basic Usage
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Manage database migrations:
//
//	loom migrate up
//	loom migrate status
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
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - agentic execution core",
		Long: `Loom serves chat turns and multi-step plans over a pool of worker
processes, with persisted context snapshots and provider rate limiting.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWorkerCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}
