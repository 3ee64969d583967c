package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ESCROWD_"

// minSecretLength is the shortest HMAC secret accepted for caller tokens.
const minSecretLength = 16

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML and env values.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	Service       string          `toml:"Service" yaml:"service"`
	Environment   string          `toml:"Environment" yaml:"environment"`
	ListenAddress string          `toml:"ListenAddress" yaml:"listen"`
	OracleAddress string          `toml:"OracleAddress" yaml:"oracle"`
	State         StateConfig     `toml:"state" yaml:"state"`
	Journal       JournalConfig   `toml:"journal" yaml:"journal"`
	Auth          AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	HTTP          HTTPConfig      `toml:"http" yaml:"http"`
	Log           LogConfig       `toml:"log" yaml:"log"`
	Telemetry     TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// StateConfig selects the escrow state backend.
type StateConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver string `toml:"Driver" yaml:"driver"`
	DSN    string `toml:"DSN" yaml:"dsn"`
}

// JournalConfig selects the key-value backend of the audit journal.
type JournalConfig struct {
	// Backend is one of "memory", "leveldb" or "bolt".
	Backend string `toml:"Backend" yaml:"backend"`
	Path    string `toml:"Path" yaml:"path"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret     string   `toml:"Secret" yaml:"secret"`
	SecretFile string   `toml:"SecretFile" yaml:"secret_file"`
	SecretEnv  string   `toml:"SecretEnv" yaml:"secret_env"`
	Issuer     string   `toml:"Issuer" yaml:"issuer"`
	Audience   string   `toml:"Audience" yaml:"audience"`
	ClockSkew  Duration `toml:"ClockSkew" yaml:"clock_skew"`
}

// RateLimitConfig bounds per-caller write throughput.
type RateLimitConfig struct {
	RatePerSecond float64 `toml:"RatePerSecond" yaml:"rate_per_second"`
	Burst         int     `toml:"Burst" yaml:"burst"`
}

// HTTPConfig holds server timeouts.
type HTTPConfig struct {
	ReadHeaderTimeout Duration `toml:"ReadHeaderTimeout" yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `toml:"ShutdownTimeout" yaml:"shutdown_timeout"`
}

// LogConfig enables an optional rotating log file next to stdout.
type LogConfig struct {
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	Traces   bool   `toml:"Traces" yaml:"traces"`

	// SampleRatio is the fraction of root spans recorded; 0 records all.
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}

// Load reads the configuration file at path (TOML, or YAML for .yaml/.yml),
// applies defaults and ESCROWD_* environment overrides, and validates the
// result. An empty path configures from defaults and environment only.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Auth.normalise(lookup); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = "escrowd"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8085"
	}
	if cfg.State.Driver == "" {
		cfg.State.Driver = "memory"
	}
	if cfg.Journal.Backend == "" {
		cfg.Journal.Backend = "memory"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "escrowd"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RatePerSecond <= 0 {
		cfg.RateLimit.RatePerSecond = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.HTTP.ReadHeaderTimeout.Duration == 0 {
		cfg.HTTP.ReadHeaderTimeout.Duration = 5 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout.Duration == 0 {
		cfg.HTTP.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 28
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ENV", &cfg.Environment)
	str("LISTEN", &cfg.ListenAddress)
	str("ORACLE", &cfg.OracleAddress)
	str("STATE_DRIVER", &cfg.State.Driver)
	str("STATE_DSN", &cfg.State.DSN)
	str("JOURNAL_BACKEND", &cfg.Journal.Backend)
	str("JOURNAL_PATH", &cfg.Journal.Path)
	str("JWT_SECRET", &cfg.Auth.Secret)
	str("LOG_FILE", &cfg.Log.File)
	str("OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("OTLP_HEADERS", &cfg.Telemetry.Headers)

	float := func(name string, dst *float64) error {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = parsed
		return nil
	}
	if err := float("RATE_PER_SECOND", &cfg.RateLimit.RatePerSecond); err != nil {
		return err
	}
	if err := float("OTLP_SAMPLE_RATIO", &cfg.Telemetry.SampleRatio); err != nil {
		return err
	}
	if v, ok := lookup(envPrefix + "SHUTDOWN_TIMEOUT"); ok {
		if err := cfg.HTTP.ShutdownTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sSHUTDOWN_TIMEOUT: %w", envPrefix, err)
		}
	}
	return nil
}

func (a *AuthConfig) normalise(lookup func(string) (string, bool)) error {
	a.Secret = strings.TrimSpace(a.Secret)
	if a.Secret != "" {
		return nil
	}
	switch {
	case strings.TrimSpace(a.SecretEnv) != "":
		value, _ := lookup(strings.TrimSpace(a.SecretEnv))
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("secret_env %s is empty", a.SecretEnv)
		}
		a.Secret = strings.TrimSpace(value)
	case strings.TrimSpace(a.SecretFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(a.SecretFile))
		if err != nil {
			return fmt.Errorf("read secret_file: %w", err)
		}
		a.Secret = strings.TrimSpace(string(contents))
	}
	return nil
}

// Oracle returns the parsed oracle identity. Call Validate first.
func (c *Config) Oracle() common.Address {
	return common.HexToAddress(c.OracleAddress)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	oracle := strings.TrimSpace(c.OracleAddress)
	if oracle == "" {
		return fmt.Errorf("oracle address must be configured")
	}
	if !common.IsHexAddress(oracle) || common.HexToAddress(oracle) == (common.Address{}) {
		return fmt.Errorf("oracle address %q is invalid", oracle)
	}
	if len(c.Auth.Secret) < minSecretLength {
		return fmt.Errorf("auth secret must be at least %d bytes", minSecretLength)
	}
	switch c.State.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.State.DSN) == "" {
			return fmt.Errorf("state dsn required for driver %s", c.State.Driver)
		}
	default:
		return fmt.Errorf("unknown state driver %q", c.State.Driver)
	}
	switch c.Journal.Backend {
	case "memory":
	case "leveldb", "bolt":
		if strings.TrimSpace(c.Journal.Path) == "" {
			return fmt.Errorf("journal path required for backend %s", c.Journal.Backend)
		}
	default:
		return fmt.Errorf("unknown journal backend %q", c.Journal.Backend)
	}
	if c.RateLimit.RatePerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample ratio must be within [0, 1]")
	}
	return nil
}
