// Package observability provides monitoring and debugging capabilities for
// the Loom execution core through metrics, structured logging, and
// distributed tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Task state transitions and per-tool task duration
//   - Worker pool health (ready/busy gauges, spawn outcomes, init latency)
//   - Rate limiter waits and rejections per scope
//   - LLM request latency and token usage per provider and model
//   - Tool execution counts and latency
//   - Stream parser event throughput
//   - Database query performance
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track a task state transition
//	metrics.TaskTransition("running")
//
//	// Track LLM requests
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	// Track tool execution
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("file.read", "success", time.Since(start).Seconds())
//
// Tests that need isolated registries use NewMetricsWith with a fresh
// prometheus.NewRegistry().
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic chat/plan/task/worker ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.WithChatID(ctx, chatID)
//	ctx = observability.WithPlanID(ctx, planID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "task dispatched",
//	    "task_id", task.ID,
//	    "tool", task.Tool,
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "llm request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// The Slog accessor hands out a *slog.Logger whose handler still applies
// redaction, for code that wants the plain slog API.
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track a plan run across the
// executor, worker processes, and provider calls:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "loom",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	// Trace a plan run
//	ctx, span := tracer.TracePlanRun(ctx, chatID, planID)
//	defer span.End()
//
//	// Trace a task attempt under it
//	ctx, taskSpan := tracer.TraceTaskAttempt(ctx, planID, taskID, attempt)
//	defer taskSpan.End()
//	if err != nil {
//	    tracer.RecordError(taskSpan, err)
//	}
//
// Trace context crosses the parent/worker boundary via InjectContext and
// ExtractContext with a MapCarrier embedded in the IPC frame metadata.
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, Google, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil against an isolated registry
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
package observability
