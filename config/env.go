package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTBUS_"

// LoadDotEnv loads variables from a .env file into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

type override struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolean(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func duration(field func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		return field(c).UnmarshalText([]byte(v))
	}
}

var overrides = []override{
	{"MAILBOX_MAX_MESSAGES", integer(func(c *Config) *int { return &c.Mailbox.MaxMessagesPerAgent })},
	{"MAILBOX_MAX_AGE", duration(func(c *Config) *Duration { return &c.Mailbox.MaxMessageAge })},
	{"CONFIRMATION_TIMEOUT", duration(func(c *Config) *Duration { return &c.Confirmation.DefaultTimeout })},
	{"STORE_BACKEND", str(func(c *Config) *string { return &c.Store.Backend })},
	{"STORE_PATH", str(func(c *Config) *string { return &c.Store.Path })},
	{"REGISTRY_BACKEND", str(func(c *Config) *string { return &c.Registry.Backend })},
	{"TASKS_ENABLED", boolean(func(c *Config) *bool { return &c.Tasks.Enabled })},
	{"TASKS_BACKEND", str(func(c *Config) *string { return &c.Tasks.Backend })},
	{"NATS_URL", str(func(c *Config) *string { return &c.NATS.URL })},
	{"NATS_TOKEN", str(func(c *Config) *string { return &c.NATS.Token })},
	{"NATS_USER", str(func(c *Config) *string { return &c.NATS.User })},
	{"NATS_PASSWORD", str(func(c *Config) *string { return &c.NATS.Password })},
	{"NATS_EVENT_PREFIX", str(func(c *Config) *string { return &c.NATS.EventPrefix })},
	{"HEARTBEAT_TIMEOUT", duration(func(c *Config) *Duration { return &c.Heartbeat.Timeout })},
	{"PUSH_ENABLED", boolean(func(c *Config) *bool { return &c.Push.Enabled })},
	{"PUSH_MAX_ATTEMPTS", integer(func(c *Config) *int { return &c.Push.MaxAttempts })},
	{"GATEWAY_ADDR", str(func(c *Config) *string { return &c.Gateway.Addr })},
	{"GATEWAY_RATE_LIMIT", integer(func(c *Config) *int { return &c.Gateway.RateLimit })},
	{"AUTH_SECRET", str(func(c *Config) *string { return &c.Auth.Secret })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"TELEMETRY_ENABLED", boolean(func(c *Config) *bool { return &c.Telemetry.Enabled })},
	{"TELEMETRY_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.Endpoint })},
	{"SHUTDOWN_TIMEOUT", duration(func(c *Config) *Duration { return &c.Shutdown.Timeout })},
}

// ApplyEnv overrides fields from AGENTBUS_* environment variables, for
// example AGENTBUS_NATS_URL or AGENTBUS_AUTH_SECRET. Empty variables are
// ignored.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.set(c, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err))
		}
	}
	return errors.Join(errs...)
}

// EnvNames lists the supported environment overrides.
func EnvNames() []string {
	names := make([]string, len(overrides))
	for i, o := range overrides {
		names[i] = EnvPrefix + o.name
	}
	return names
}
