// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "dispatch.yaml", `
server:
  http_addr: "0.0.0.0:9090"

database:
  driver: "sqlite"
  path: "./test.db"

agents:
  heartbeat_timeout: "90s"
  reap_interval: "10s"

jobs:
  history_size: 5
  workers: 2
  timeout: "30s"
  delays:
    generate: "10ms"
    proof: "0s"

queue:
  driver: "sqs"
  poll_interval: "500ms"
  sqs:
    queue_url: "https://sqs.example/q"
    region: "us-west-2"

webhook:
  url: "https://hooks.example/status"
  timeout: "2s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Agents.HeartbeatTimeout != 90*time.Second {
		t.Errorf("HeartbeatTimeout = %v", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Agents.ReapInterval != 10*time.Second {
		t.Errorf("ReapInterval = %v", cfg.Agents.ReapInterval)
	}
	if cfg.Jobs.HistorySize != 5 || cfg.Jobs.Workers != 2 {
		t.Errorf("jobs = %+v", cfg.Jobs)
	}
	if cfg.Jobs.Timeout != 30*time.Second {
		t.Errorf("Jobs.Timeout = %v", cfg.Jobs.Timeout)
	}
	if cfg.Jobs.Delays.Generate != 10*time.Millisecond {
		t.Errorf("Delays.Generate = %v", cfg.Jobs.Delays.Generate)
	}
	if cfg.Jobs.Delays.Proof != 0 {
		t.Errorf("explicit zero proof delay became %v", cfg.Jobs.Delays.Proof)
	}
	if cfg.Jobs.Delays.Schedule != 300*time.Millisecond {
		t.Errorf("default schedule delay = %v", cfg.Jobs.Delays.Schedule)
	}
	if cfg.Queue.Driver != QueueSQS || cfg.Queue.SQS.Region != "us-west-2" {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Queue.PollInterval)
	}
	if cfg.Webhook.Timeout != 2*time.Second || cfg.Webhook.Room != "agent-status" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "dispatch.toml", `
[server]
http_addr = "127.0.0.1:7000"

[database]
driver = "none"

[queue]
driver = "nats"

[queue.nats]
url = "nats://127.0.0.1:4222"
ack_wait = "45s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != DriverNone {
		t.Errorf("Database.Driver = %q", cfg.Database.Driver)
	}
	if cfg.Queue.NATS.AckWait != 45*time.Second {
		t.Errorf("AckWait = %v", cfg.Queue.NATS.AckWait)
	}
	if cfg.Queue.NATS.Stream != "DISPATCH_JOBS" {
		t.Errorf("Stream default = %q", cfg.Queue.NATS.Stream)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_DISPATCH_TOKEN", "from-env")
	path := writeConfig(t, "dispatch.yaml", `
database:
  driver: "none"
auth:
  token: "${TEST_DISPATCH_TOKEN}"
webhook:
  url: "${TEST_DISPATCH_UNSET_VAR}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("Auth.Token = %q, want from-env", cfg.Auth.Token)
	}
	if cfg.Webhook.URL != "" {
		t.Errorf("unset variable expanded to %q", cfg.Webhook.URL)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	checks := map[string]bool{
		"http addr":     cfg.Server.HTTPAddr == "localhost:8080",
		"sqlite driver": cfg.Database.Driver == DriverSQLite,
		"sqlite path":   strings.HasSuffix(cfg.Database.Path, "dispatch.db"),
		"queue none":    cfg.Queue.Driver == QueueNone,
		"history 20":    cfg.Jobs.HistorySize == 20,
		"ping 15s":      cfg.Stream.PingInterval == 15*time.Second,
		"poll 2s":       cfg.Queue.PollInterval == 2*time.Second,
		"reaper off":    cfg.Agents.HeartbeatTimeout == 0,
		"generate":      cfg.Jobs.Delays.Generate == 1200*time.Millisecond,
	}
	for name, ok := range checks {
		if !ok {
			t.Errorf("default %s not applied", name)
		}
	}
}

func TestTemplateParses(t *testing.T) {
	cfg, err := Parse([]byte(Template), false)
	if err != nil {
		t.Fatalf("Template does not parse: %v", err)
	}
	if cfg.Jobs.Delays.Proof != 600*time.Millisecond {
		t.Errorf("template proof delay = %v", cfg.Jobs.Delays.Proof)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", "stream:\n  ping_interval: \"soon\"\n", "stream.ping_interval"},
		{"negative duration", "queue:\n  poll_interval: \"-1s\"\n", "queue.poll_interval"},
		{"unknown db driver", "database:\n  driver: \"mysql\"\n", "database.driver"},
		{"postgres without url", "database:\n  driver: \"postgres\"\n", "database.url"},
		{"sqs without url", "database:\n  driver: none\nqueue:\n  driver: \"sqs\"\n", "queue.sqs.queue_url"},
		{"nats without url", "database:\n  driver: none\nqueue:\n  driver: \"nats\"\n", "queue.nats.url"},
		{"unknown queue", "database:\n  driver: none\nqueue:\n  driver: \"kafka\"\n", "queue.driver"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"bad log format", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"invalid yaml", "server: [unclosed", "parsing config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "dispatch.yaml", tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/coven/custom.yaml")
	if got := DefaultPath(); got != "/etc/coven/custom.yaml" {
		t.Errorf("DefaultPath() = %q with env override", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "dispatch.yaml") {
		t.Errorf("DefaultPath() = %q with XDG_CONFIG_HOME", got)
	}
}
