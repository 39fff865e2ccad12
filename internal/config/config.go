// Package config loads and validates the calrelay YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ListenAddr is the HTTP bind address for the API server.
	// Defaults to ":8080" if unset.
	ListenAddr string `yaml:"listen_addr"`

	// DBPath is the SQLite database path. Defaults to
	// ~/.local/share/calrelay/calrelay.db if unset.
	DBPath string `yaml:"db_path"`

	// Remote configures the calendar service the engine syncs against.
	Remote RemoteConfig `yaml:"remote"`

	// Sync holds engine tuning knobs. All fields have sensible defaults.
	Sync SyncConfig `yaml:"sync,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// RemoteConfig identifies the remote calendar service.
type RemoteConfig struct {
	// BaseURL is the root of the service's REST API
	// (e.g. "https://calendar.example.com/v2").
	BaseURL string `yaml:"base_url"`

	// Token is the bearer token used to authenticate. Single-user
	// deployments configure it here; multi-user setups plug in their own
	// credential provider and leave it empty.
	Token string `yaml:"token,omitempty"`
}

// SyncConfig holds engine tuning. Zero values select defaults.
type SyncConfig struct {
	// Concurrency bounds parallel apply of pulled events. Default 4.
	Concurrency int `yaml:"concurrency,omitempty"`

	// CallTimeout is the per-request deadline for remote calls.
	// Default 30s.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`

	// MaxPages caps pages fetched per delta batch. Default 50.
	MaxPages int `yaml:"max_pages,omitempty"`

	// EquivalenceTolerance is the time slack under which two event
	// versions count as identical. Default 1m.
	EquivalenceTolerance time.Duration `yaml:"equivalence_tolerance,omitempty"`

	// JobRetention is how long finished jobs stay queryable. Default 5m.
	JobRetention time.Duration `yaml:"job_retention,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/calrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calrelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}

	// An empty DBPath means "use the store's default location".

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	u, err := url.ParseRequestURI(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("remote.base_url %q must be a valid http or https URL", c.Remote.BaseURL)
	}

	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative")
	}
	if c.Sync.CallTimeout < 0 {
		return fmt.Errorf("sync.call_timeout must not be negative")
	}
	if c.Sync.CallTimeout > 5*time.Minute {
		return fmt.Errorf("sync.call_timeout %v is too long (maximum 5m)", c.Sync.CallTimeout)
	}
	if c.Sync.MaxPages < 0 {
		return fmt.Errorf("sync.max_pages must not be negative")
	}
	if c.Sync.EquivalenceTolerance < 0 {
		return fmt.Errorf("sync.equivalence_tolerance must not be negative")
	}
	if c.Sync.JobRetention < 0 {
		return fmt.Errorf("sync.job_retention must not be negative")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
