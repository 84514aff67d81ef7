package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/runtime"
)

// defaultConfigName is the config file looked up when --config is not
// given. LOOM_CONFIG overrides it.
const defaultConfigName = "loom.yaml"

// shutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

func resolveConfigPath(path string) string {
	if env := strings.TrimSpace(os.Getenv("LOOM_CONFIG")); env != "" && (path == "" || path == defaultConfigName) {
		return env
	}
	if strings.TrimSpace(path) == "" {
		return defaultConfigName
	}
	return path
}

// buildServeCmd creates the "serve" command that runs the execution
// core until interrupted.
func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Loom execution core",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, configPath string) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(traceConfig(cfg.Observability.Tracing))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
		}
	}()

	rt, err := runtime.New(cfg, runtime.Options{
		ConfigPath: configPath,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		return fmt.Errorf("assemble runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)
	logger.Info(ctx, "loom serving",
		"database", cfg.Database.Driver,
		"pool_size", cfg.Worker.PoolSize,
		"default_model", cfg.LLM.DefaultModel)

	var metricsSrv *http.Server
	if cfg.Observability.Metrics.Enabled {
		metricsSrv = startMetricsServer(ctx, cfg.Observability.Metrics, logger)
	}

	<-ctx.Done()
	stop()
	logger.Info(context.Background(), "shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(closeCtx); err != nil {
			logger.Warn(closeCtx, "metrics server shutdown failed", "error", err)
		}
	}
	if err := rt.Close(closeCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// startMetricsServer exposes the Prometheus registry on its own
// listener so scrapes never share a port with anything else.
func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, logger *observability.Logger) *http.Server {
	addr := cfg.Addr
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(ctx, "metrics server stopped", "error", err)
		}
	}()
	logger.Info(ctx, "metrics endpoint listening", "addr", addr)
	return srv
}

func traceConfig(cfg config.TracingConfig) observability.TraceConfig {
	tc := observability.TraceConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		SamplingRate:   cfg.SamplingRate,
		Attributes:     cfg.Attributes,
		EnableInsecure: cfg.Insecure,
	}
	if cfg.Enabled {
		tc.Endpoint = cfg.Endpoint
	}
	if tc.ServiceVersion == "" {
		tc.ServiceVersion = version
	}
	return tc
}
