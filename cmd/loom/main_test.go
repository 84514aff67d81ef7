package main

import (
	"testing"

	"github.com/haasonsaas/loom/internal/config"
)

func configTracingFixture(enabled bool) config.TracingConfig {
	return config.TracingConfig{
		Enabled:     enabled,
		Endpoint:    "localhost:4317",
		ServiceName: "loom",
	}
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "worker", "migrate", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestWorkerCmdHidden(t *testing.T) {
	for _, sub := range buildRootCmd().Commands() {
		if sub.Name() == "worker" && !sub.Hidden {
			t.Fatal("worker command should be hidden")
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		env  string
		want string
	}{
		{name: "explicit path wins", path: "custom.yaml", env: "env.yaml", want: "custom.yaml"},
		{name: "env overrides default", path: defaultConfigName, env: "env.yaml", want: "env.yaml"},
		{name: "default when unset", path: "", env: "", want: defaultConfigName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOOM_CONFIG", tt.env)
			if got := resolveConfigPath(tt.path); got != tt.want {
				t.Fatalf("resolveConfigPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestTraceConfigDisabledClearsEndpoint(t *testing.T) {
	tc := traceConfig(configTracingFixture(false))
	if tc.Endpoint != "" {
		t.Fatalf("disabled tracing should have no endpoint, got %q", tc.Endpoint)
	}

	tc = traceConfig(configTracingFixture(true))
	if tc.Endpoint != "localhost:4317" {
		t.Fatalf("enabled tracing should keep the endpoint, got %q", tc.Endpoint)
	}
}
