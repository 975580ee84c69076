// Package config loads agentbus configuration from TOML or YAML files with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/agentbus/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Store and registry backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config is the complete bus configuration.
type Config struct {
	Mailbox      MailboxConfig      `toml:"mailbox" yaml:"mailbox"`
	Confirmation ConfirmationConfig `toml:"confirmation" yaml:"confirmation"`
	Store        StoreConfig        `toml:"store" yaml:"store"`
	Registry     RegistryConfig     `toml:"registry" yaml:"registry"`
	Tasks        TasksConfig        `toml:"tasks" yaml:"tasks"`
	NATS         NATSConfig         `toml:"nats" yaml:"nats"`
	Heartbeat    HeartbeatConfig    `toml:"heartbeat" yaml:"heartbeat"`
	Push         PushConfig         `toml:"push" yaml:"push"`
	Gateway      GatewayConfig      `toml:"gateway" yaml:"gateway"`
	Auth         AuthConfig         `toml:"auth" yaml:"auth"`
	Logging      LoggingConfig      `toml:"logging" yaml:"logging"`
	Telemetry    TelemetryConfig    `toml:"telemetry" yaml:"telemetry"`
	Shutdown     ShutdownConfig     `toml:"shutdown" yaml:"shutdown"`
}

// MailboxConfig bounds mailboxes.
type MailboxConfig struct {
	MaxMessagesPerAgent int      `toml:"max_messages_per_agent" yaml:"max_messages_per_agent"`
	MaxMessageAge       Duration `toml:"max_message_age" yaml:"max_message_age"`
	EvictionInterval    Duration `toml:"eviction_interval" yaml:"eviction_interval"`
}

// ConfirmationConfig sets the delivery confirmation default.
type ConfirmationConfig struct {
	DefaultTimeout Duration `toml:"default_timeout" yaml:"default_timeout"`
}

// StoreConfig selects the mailbox backend. Path is the SQLite database
// file.
type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
}

// RegistryConfig selects the registry backend: memory or nats.
type RegistryConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
}

// TasksConfig controls the task read model. Backend is memory or nats.
type TasksConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Backend string `toml:"backend" yaml:"backend"`
}

// NATSConfig is the NATS connection and bucket layout, used by every
// nats backend and by bus-subject push endpoints.
type NATSConfig struct {
	URL            string `toml:"url" yaml:"url"`
	Name           string `toml:"name" yaml:"name"`
	Token          string `toml:"token" yaml:"token"`
	User           string `toml:"user" yaml:"user"`
	Password       string `toml:"password" yaml:"password"`
	MailboxBucket  string `toml:"mailbox_bucket" yaml:"mailbox_bucket"`
	RegistryBucket string `toml:"registry_bucket" yaml:"registry_bucket"`
	StateBucket    string `toml:"state_bucket" yaml:"state_bucket"`
	Replicas       int    `toml:"replicas" yaml:"replicas"`

	// EventPrefix, when set, republishes bus events on <prefix>.<type>.
	EventPrefix string `toml:"event_prefix" yaml:"event_prefix"`
}

// HeartbeatConfig drives the liveness monitor.
type HeartbeatConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	Timeout       Duration `toml:"timeout" yaml:"timeout"`
	CheckInterval Duration `toml:"check_interval" yaml:"check_interval"`
	MaxSkew       Duration `toml:"max_skew" yaml:"max_skew"`
}

// PushConfig sets push delivery retries.
type PushConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled"`
	MaxAttempts    int      `toml:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff" yaml:"max_backoff"`
	Timeout        Duration `toml:"timeout" yaml:"timeout"`
}

// GatewayConfig is the JSON-RPC gateway. A zero RateLimit disables
// throttling.
type GatewayConfig struct {
	Addr           string   `toml:"addr" yaml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	RateLimit      int      `toml:"rate_limit" yaml:"rate_limit"`
	RateWindow     Duration `toml:"rate_window" yaml:"rate_window"`
}

// AuthConfig enables agent tokens. An empty secret leaves the gateway
// unauthenticated.
type AuthConfig struct {
	Secret   string   `toml:"secret" yaml:"secret"`
	Issuer   string   `toml:"issuer" yaml:"issuer"`
	TokenTTL Duration `toml:"token_ttl" yaml:"token_ttl"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// TelemetryConfig configures the OTLP exporter.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	Protocol    string `toml:"protocol" yaml:"protocol"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	Insecure    bool   `toml:"insecure" yaml:"insecure"`

	// SampleRatio keeps this fraction of traces. Zero keeps all.
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Mailbox: MailboxConfig{
			MaxMessagesPerAgent: 100,
			MaxMessageAge:       Duration(24 * time.Hour),
			EvictionInterval:    Duration(time.Minute),
		},
		Confirmation: ConfirmationConfig{DefaultTimeout: Duration(5 * time.Minute)},
		Store:        StoreConfig{Backend: BackendMemory, Path: "agentbus.db"},
		Registry:     RegistryConfig{Backend: BackendMemory},
		Tasks:        TasksConfig{Enabled: true, Backend: BackendMemory},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Name:           "agentbus",
			MailboxBucket:  "agentbus-mailbox",
			RegistryBucket: "agentbus-registry",
			StateBucket:    "agentbus-state",
			Replicas:       1,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:       true,
			Timeout:       Duration(15 * time.Second),
			CheckInterval: Duration(time.Second),
			MaxSkew:       Duration(30 * time.Second),
		},
		Push: PushConfig{
			Enabled:        true,
			MaxAttempts:    3,
			InitialBackoff: Duration(200 * time.Millisecond),
			MaxBackoff:     Duration(5 * time.Second),
			Timeout:        Duration(10 * time.Second),
		},
		Gateway: GatewayConfig{
			Addr:       "127.0.0.1:7420",
			RateWindow: Duration(time.Minute),
		},
		Auth:      AuthConfig{Issuer: "agentbus", TokenTTL: Duration(24 * time.Hour)},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "agentbus"},
		Shutdown:  ShutdownConfig{Timeout: Duration(30 * time.Second)},
	}
}

// StandardPaths returns the config file locations searched by Load, in
// order of priority.
func StandardPaths() []string {
	paths := []string{"agentbus.toml", "agentbus.yaml", "agentbus.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "agentbus", "agentbus.toml"),
			filepath.Join(home, ".config", "agentbus", "agentbus.yaml"),
		)
	}
	return paths
}

// Load loads the first file found in StandardPaths and returns its path.
// With no file present it returns Default and an empty path.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// LoadFile reads a TOML (.toml) or YAML (.yaml, .yml) file over the
// defaults. Unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
}

// ParseTOML decodes TOML over the defaults.
func ParseTOML(data []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// ParseYAML decodes YAML over the defaults.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	if c.Mailbox.MaxMessagesPerAgent <= 0 {
		bad("mailbox.max_messages_per_agent must be positive")
	}
	if c.Mailbox.MaxMessageAge < 0 {
		bad("mailbox.max_message_age must not be negative")
	}
	if c.Confirmation.DefaultTimeout <= 0 {
		bad("confirmation.default_timeout must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory, BackendNATS:
	case BackendSQLite:
		if c.Store.Path == "" {
			bad("store.path is required for the sqlite backend")
		}
	default:
		bad("store.backend %q (want memory, sqlite or nats)", c.Store.Backend)
	}
	switch c.Registry.Backend {
	case BackendMemory, BackendNATS:
	default:
		bad("registry.backend %q (want memory or nats)", c.Registry.Backend)
	}
	switch c.Tasks.Backend {
	case BackendMemory, BackendNATS:
	default:
		bad("tasks.backend %q (want memory or nats)", c.Tasks.Backend)
	}
	if c.UsesNATS() {
		if c.NATS.URL == "" {
			bad("nats.url is required by a nats backend")
		}
		if c.NATS.Replicas < 1 || c.NATS.Replicas > 5 {
			bad("nats.replicas must be between 1 and 5")
		}
	}

	if c.Heartbeat.Enabled && c.Heartbeat.Timeout <= 0 {
		bad("heartbeat.timeout must be positive")
	}
	if c.Push.MaxAttempts < 0 {
		bad("push.max_attempts must not be negative")
	}
	if c.Gateway.RateLimit < 0 {
		bad("gateway.rate_limit must not be negative")
	}
	if c.Gateway.RateLimit > 0 && c.Gateway.RateWindow <= 0 {
		bad("gateway.rate_window must be positive when rate_limit is set")
	}
	if c.Auth.Secret != "" && len(c.Auth.Secret) < 32 {
		bad("auth.secret must be at least 32 bytes")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		bad("logging.level %q", c.Logging.Level)
	}
	if c.Shutdown.Timeout <= 0 {
		bad("shutdown.timeout must be positive")
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		bad("telemetry.protocol %q (want grpc or http)", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		bad("telemetry.sample_ratio %v (want 0 to 1)", c.Telemetry.SampleRatio)
	}
	return errors.Join(errs...)
}

// UsesNATS reports whether any backend needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Store.Backend == BackendNATS || c.Registry.Backend == BackendNATS ||
		(c.Tasks.Enabled && c.Tasks.Backend == BackendNATS) || c.NATS.EventPrefix != ""
}
