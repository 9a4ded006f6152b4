// ABOUTME: Configuration loading and parsing for turngate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/willcshanahan/turngate/internal/policy"
)

// Config represents the complete turngate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Runs      RunsConfig      `yaml:"runs"`
	History   HistoryConfig   `yaml:"history"`
	Policy    PolicyConfig    `yaml:"policy"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener address configuration. The socket and bridge
// transports share the HTTP listener under different paths.
type ServerConfig struct {
	HTTPAddr   string `yaml:"http_addr"`
	SocketPath string `yaml:"socket_path"` // URL path, default /socket
	BridgePath string `yaml:"bridge_path"` // URL path, default /bridge
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database paths. Sessions and pairing live in separate
// files so a device wipe cannot touch transcripts.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	PairingPath string `yaml:"pairing_path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// connect auth (local development only).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RunsConfig holds run registry tuning.
type RunsConfig struct {
	ResultTTL time.Duration `yaml:"-"`

	ResultTTLRaw string `yaml:"result_ttl"`
}

// HistoryConfig bounds chat.history windows.
type HistoryConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	MaxBytes     int `yaml:"max_bytes"`
}

// PolicyConfig holds send policy rules, evaluated in order.
type PolicyConfig struct {
	DenyByDefault bool          `yaml:"deny_by_default"`
	Rules         []policy.Rule `yaml:"rules"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.SocketPath == "" {
		c.Server.SocketPath = "/socket"
	}
	if c.Server.BridgePath == "" {
		c.Server.BridgePath = "/bridge"
	}
	if c.Runs.ResultTTL == 0 {
		c.Runs.ResultTTL = time.Hour
	}
	if c.History.DefaultLimit == 0 {
		c.History.DefaultLimit = 200
	}
	if c.History.MaxLimit == 0 {
		c.History.MaxLimit = 1000
	}
	if c.History.MaxBytes == 0 {
		c.History.MaxBytes = 6 << 20
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.History.DefaultLimit > c.History.MaxLimit {
		return fmt.Errorf("history.default_limit must not exceed history.max_limit")
	}
	for i, rule := range c.Policy.Rules {
		if rule.Action != policy.ActionAllow && rule.Action != policy.ActionDeny {
			return fmt.Errorf("policy.rules[%d].action must be allow or deny", i)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Runs.ResultTTLRaw != "" {
		cfg.Runs.ResultTTL, err = time.ParseDuration(cfg.Runs.ResultTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing result_ttl %q: %w", cfg.Runs.ResultTTLRaw, err)
		}
	}

	return nil
}
