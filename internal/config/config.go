// ABOUTME: Configuration loading and parsing for coven-dispatch
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "DISPATCH_CONFIG"

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// Queue drivers.
const (
	QueueNone   = "none"
	QueueMemory = "memory"
	QueueSQS    = "sqs"
	QueueNATS   = "nats"
)

// Config represents the complete coven-dispatch configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Stream    StreamConfig    `yaml:"stream" toml:"stream"`
	Policy    PolicyConfig    `yaml:"policy" toml:"policy"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies TLS on :443
}

// DatabaseConfig selects the durable store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, postgres or none
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	URL    string `yaml:"url" toml:"url"`       // postgres connection string
}

// AuthConfig holds the shared-secret settings
type AuthConfig struct {
	Token  string `yaml:"token" toml:"token"`   // empty disables auth
	Header string `yaml:"header" toml:"header"` // custom header accepted besides Authorization
}

// AgentsConfig holds agent liveness settings
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-" toml:"-"` // 0 disables the reaper
	ReapInterval     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	ReapIntervalRaw     string `yaml:"reap_interval" toml:"reap_interval"`
}

// JobsConfig holds executor settings
type JobsConfig struct {
	HistorySize    int           `yaml:"history_size" toml:"history_size"`
	Workers        int           `yaml:"workers" toml:"workers"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`
	Timeout        time.Duration `yaml:"-" toml:"-"` // 0 lets a handler run until shutdown
	Delays         DelaysConfig  `yaml:"delays" toml:"delays"`

	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
}

// DelaysConfig holds the simulated latency of each built-in job kind
type DelaysConfig struct {
	Generate time.Duration `yaml:"-" toml:"-"`
	Proof    time.Duration `yaml:"-" toml:"-"`
	Schedule time.Duration `yaml:"-" toml:"-"`

	GenerateRaw string `yaml:"generate" toml:"generate"`
	ProofRaw    string `yaml:"proof" toml:"proof"`
	ScheduleRaw string `yaml:"schedule" toml:"schedule"`
}

// QueueConfig selects the external work queue
type QueueConfig struct {
	Driver            string        `yaml:"driver" toml:"driver"` // none, memory, sqs or nats
	PollInterval      time.Duration `yaml:"-" toml:"-"`
	BatchSize         int           `yaml:"batch_size" toml:"batch_size"`
	WaitTime          time.Duration `yaml:"-" toml:"-"`
	VisibilityTimeout time.Duration `yaml:"-" toml:"-"` // memory driver only
	SQS               SQSConfig     `yaml:"sqs" toml:"sqs"`
	NATS              NATSConfig    `yaml:"nats" toml:"nats"`

	PollIntervalRaw      string `yaml:"poll_interval" toml:"poll_interval"`
	WaitTimeRaw          string `yaml:"wait_time" toml:"wait_time"`
	VisibilityTimeoutRaw string `yaml:"visibility_timeout" toml:"visibility_timeout"`
}

// SQSConfig locates an SQS queue
type SQSConfig struct {
	QueueURL string `yaml:"queue_url" toml:"queue_url"`
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// NATSConfig names the JetStream resources
type NATSConfig struct {
	URL      string        `yaml:"url" toml:"url"`
	Stream   string        `yaml:"stream" toml:"stream"`
	Subject  string        `yaml:"subject" toml:"subject"`
	Consumer string        `yaml:"consumer" toml:"consumer"`
	AckWait  time.Duration `yaml:"-" toml:"-"`

	AckWaitRaw string `yaml:"ack_wait" toml:"ack_wait"`
}

// WebhookConfig holds the status notification sink
type WebhookConfig struct {
	URL     string        `yaml:"url" toml:"url"` // empty disables the sink
	Room    string        `yaml:"room" toml:"room"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// StreamConfig holds SSE settings
type StreamConfig struct {
	PingInterval time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// PolicyConfig points at the rego module deciding proof verdicts
type PolicyConfig struct {
	Path string `yaml:"path" toml:"path"` // empty uses the built-in policy
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// DefaultPath returns the config path: $DISPATCH_CONFIG, then
// $XDG_CONFIG_HOME/coven/dispatch.yaml, then ~/.config/coven/dispatch.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "dispatch.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "dispatch.yaml"
	}
	return filepath.Join(home, ".config", "coven", "dispatch.yaml")
}

// DefaultDataDir is where the SQLite database lives by default.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "coven")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = filepath.Join(DefaultDataDir(), "dispatch.db")
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "X-Agent-Token"
	}
	if c.Agents.ReapInterval == 0 {
		c.Agents.ReapInterval = 30 * time.Second
	}
	if c.Jobs.HistorySize == 0 {
		c.Jobs.HistorySize = 20
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 8
	}
	if c.Jobs.IdempotencyTTL == 0 {
		c.Jobs.IdempotencyTTL = 10 * time.Minute
	}
	if c.Jobs.Delays.GenerateRaw == "" {
		c.Jobs.Delays.Generate = 1200 * time.Millisecond
	}
	if c.Jobs.Delays.ProofRaw == "" {
		c.Jobs.Delays.Proof = 600 * time.Millisecond
	}
	if c.Jobs.Delays.ScheduleRaw == "" {
		c.Jobs.Delays.Schedule = 300 * time.Millisecond
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = QueueNone
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 2 * time.Second
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.WaitTimeRaw == "" {
		c.Queue.WaitTime = time.Second
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = 30 * time.Second
	}
	if c.Queue.NATS.Stream == "" {
		c.Queue.NATS.Stream = "DISPATCH_JOBS"
	}
	if c.Queue.NATS.Subject == "" {
		c.Queue.NATS.Subject = "dispatch.jobs"
	}
	if c.Queue.NATS.Consumer == "" {
		c.Queue.NATS.Consumer = "dispatch-bridge"
	}
	if c.Queue.NATS.AckWait == 0 {
		c.Queue.NATS.AckWait = 30 * time.Second
	}
	if c.Webhook.Room == "" {
		c.Webhook.Room = "agent-status"
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 5 * time.Second
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case DriverNone:
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or none, got %q", c.Database.Driver)
	}

	if c.Jobs.HistorySize < 0 {
		return errors.New("jobs.history_size must not be negative")
	}
	if c.Jobs.Workers < 0 {
		return errors.New("jobs.workers must not be negative")
	}

	switch c.Queue.Driver {
	case QueueNone, QueueMemory:
	case QueueSQS:
		if c.Queue.SQS.QueueURL == "" {
			return errors.New("queue.sqs.queue_url is required for the sqs driver")
		}
	case QueueNATS:
		if c.Queue.NATS.URL == "" {
			return errors.New("queue.nats.url is required for the nats driver")
		}
	default:
		return fmt.Errorf("queue.driver must be none, memory, sqs or nats, got %q", c.Queue.Driver)
	}
	if c.Queue.BatchSize < 0 {
		return errors.New("queue.batch_size must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"agents.reap_interval", cfg.Agents.ReapIntervalRaw, &cfg.Agents.ReapInterval},
		{"jobs.idempotency_ttl", cfg.Jobs.IdempotencyTTLRaw, &cfg.Jobs.IdempotencyTTL},
		{"jobs.timeout", cfg.Jobs.TimeoutRaw, &cfg.Jobs.Timeout},
		{"jobs.delays.generate", cfg.Jobs.Delays.GenerateRaw, &cfg.Jobs.Delays.Generate},
		{"jobs.delays.proof", cfg.Jobs.Delays.ProofRaw, &cfg.Jobs.Delays.Proof},
		{"jobs.delays.schedule", cfg.Jobs.Delays.ScheduleRaw, &cfg.Jobs.Delays.Schedule},
		{"queue.poll_interval", cfg.Queue.PollIntervalRaw, &cfg.Queue.PollInterval},
		{"queue.wait_time", cfg.Queue.WaitTimeRaw, &cfg.Queue.WaitTime},
		{"queue.visibility_timeout", cfg.Queue.VisibilityTimeoutRaw, &cfg.Queue.VisibilityTimeout},
		{"queue.nats.ack_wait", cfg.Queue.NATS.AckWaitRaw, &cfg.Queue.NATS.AckWait},
		{"webhook.timeout", cfg.Webhook.TimeoutRaw, &cfg.Webhook.Timeout},
		{"stream.ping_interval", cfg.Stream.PingIntervalRaw, &cfg.Stream.PingInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
