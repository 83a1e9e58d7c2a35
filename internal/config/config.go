// Package config loads the llm-meter YAML configuration.
//
// DESIGN: One YAML file configures the whole engine:
//
//	server:        control server listen address, auth and timeouts
//	logging:       zerolog level, format and output
//	telemetry:     JSONL metric log
//	sinks:         optional console/prometheus/otel/sqlite/websocket sinks
//	control:       local policy evaluation or a remote control server
//	store:         where budget spend and throttle windows live (memory|redis)
//	cost_control:  per-context spend caps enforced before dispatch
//	pricing:       per-model price overrides
//	policy:        inline rule set, or policy_file to load it from disk
//
// Values may reference the environment as ${VAR} or ${VAR:-default}; the
// expansion runs on the raw bytes before YAML parsing.
//
// FILES:
//   - config.go:   Config struct, loading and validation
//   - defaults.go: centralized defaults
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/compresr/llm-meter/internal/control"
	"github.com/compresr/llm-meter/internal/control/store"
	"github.com/compresr/llm-meter/internal/costcontrol"
	"github.com/compresr/llm-meter/internal/monitoring"
)

// Control modes.
const (
	ControlLocal  = "local"  // evaluate the policy in process
	ControlRemote = "remote" // ask a control server
	ControlOff    = "off"    // allow every call
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig                        `yaml:"server"`
	Logging     monitoring.LoggerConfig             `yaml:"logging"`
	Telemetry   monitoring.TelemetryConfig          `yaml:"telemetry"`
	Sinks       monitoring.SinkConfig               `yaml:"sinks"`
	Control     ControlConfig                       `yaml:"control"`
	Store       StoreConfig                         `yaml:"store"`
	CostControl costcontrol.CostControlConfig       `yaml:"cost_control"`
	Pricing     map[string]costcontrol.ModelPricing `yaml:"pricing"`
	Policy      *control.Policy                     `yaml:"policy"`
	PolicyFile  string                              `yaml:"policy_file"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	APIKey       string        `yaml:"api_key"` // bearer token required on /v1 routes when set
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MetricsWebSocket serves received records on /ws/metrics.
	MetricsWebSocket bool `yaml:"metrics_websocket"`
}

// ControlConfig selects where decisions come from.
type ControlConfig struct {
	Mode   string               `yaml:"mode"` // local, remote, off
	URL    string               `yaml:"url"`
	APIKey string               `yaml:"api_key"`
	Client control.ClientConfig `yaml:",inline"`
}

// StoreConfig selects the spend and window store.
type StoreConfig struct {
	Backend string            `yaml:"backend"` // memory, redis
	Redis   store.RedisConfig `yaml:"redis"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads, expands and validates the config at path.
func Load(path string) (*Config, error) {
	// #nosec G304 -- config path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes expands environment references in data, parses it and
// validates the result.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := ExpandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}
	if c.Telemetry.Enabled && c.Telemetry.LogPath == "" {
		c.Telemetry.LogPath = DefaultTelemetryPath
	}
	if c.Control.Mode == "" {
		c.Control.Mode = ControlLocal
	}
	if c.Control.Client.FailMode == "" {
		c.Control.Client.FailMode = control.FailOpen
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
	if c.Store.Backend == StoreRedis && c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = store.DefaultKeyPrefix
	}
	if c.CostControl.SessionTTL == 0 {
		c.CostControl.SessionTTL = DefaultCostSessionTTL
	}
	if c.Policy != nil {
		c.Policy.ApplyDefaults()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be >= 0")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	switch c.Control.Mode {
	case ControlLocal, ControlOff:
	case ControlRemote:
		if c.Control.URL == "" {
			return fmt.Errorf("control.url is required when control.mode is remote")
		}
	default:
		return fmt.Errorf("control.mode must be local, remote or off, got %q", c.Control.Mode)
	}
	if err := c.Control.Client.Validate(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if err := c.Store.Redis.Validate(); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}

	if err := c.CostControl.Validate(); err != nil {
		return err
	}
	for model, p := range c.Pricing {
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 || p.CachedPerMTok < 0 {
			return fmt.Errorf("pricing.%s: prices must be >= 0", model)
		}
	}

	if c.Policy != nil && c.PolicyFile != "" {
		return fmt.Errorf("policy and policy_file are mutually exclusive")
	}
	if c.Policy != nil {
		if err := c.Policy.Validate(); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	return nil
}

// LoadPolicy returns the configured policy: policy_file when set, the
// inline policy otherwise, or nil when neither is configured.
func (c *Config) LoadPolicy() (*control.Policy, error) {
	if c.PolicyFile != "" {
		return control.LoadPolicy(c.PolicyFile)
	}
	return c.Policy, nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default}. An unset or
// empty VAR expands to the default, or to "" without one. Bare $VAR is
// left alone so prices and regexes survive.
func ExpandEnvWithDefaults(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[3]
	})
}

// LoadEnvFiles loads the given .env files (default ".env") without
// overriding variables already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to load env file")
			continue
		}
		log.Debug().Str("path", p).Msg("loaded env file")
	}
}
