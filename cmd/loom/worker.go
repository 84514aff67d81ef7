package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/ratelimit"
	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/internal/worker"
)

// buildWorkerCmd creates the hidden "worker" command. The serve process
// re-executes its own binary with this command to spawn pool workers;
// it speaks the frame protocol on fds 3 and 4 and is not meant to be
// run by hand.
func buildWorkerCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a pool worker process (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Stdout stays clean; the parent reads worker stderr for
			// crash diagnostics.
			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: os.Stderr,
			})
			metrics := observability.NewMetrics()

			db, err := openWorkerStore(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			limiter, err := ratelimit.New(cfg.RateLimit, db, logger, metrics)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return worker.Run(ctx, worker.Config{
				Providers: providerCredentials(cfg.LLM),
				Retry:     retry.Config{},
			}, limiter, logger, metrics)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

// openWorkerStore opens the same backend the serve process uses so
// rate-limit accounting is shared across workers. The memory driver is
// per-process; usable for development only.
func openWorkerStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStoreFromDSN(cfg.URL, &store.PostgresConfig{
			MaxOpenConns:    cfg.MaxConnections,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func providerCredentials(cfg config.LLMConfig) providers.Config {
	return providers.Config{
		AnthropicAPIKey:  cfg.Providers["anthropic"].APIKey,
		AnthropicBaseURL: cfg.Providers["anthropic"].BaseURL,
		OpenAIAPIKey:     cfg.Providers["openai"].APIKey,
		OpenAIBaseURL:    cfg.Providers["openai"].BaseURL,
		GeminiAPIKey:     cfg.Providers["gemini"].APIKey,
	}
}
