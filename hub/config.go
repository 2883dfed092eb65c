package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/machinefabric/plughub-go/cache"
	"github.com/machinefabric/plughub-go/process"
	"github.com/machinefabric/plughub-go/session"
)

// EnvPrefix prefixes environment overrides, e.g. PLUGHUB_MAX_SPAWN_ATTEMPTS.
const EnvPrefix = "PLUGHUB"

// Config is the hub configuration.
type Config struct {
	// BackoffInterval is the base wait between connection attempts, in
	// microseconds.
	BackoffInterval  int `mapstructure:"backoff-interval"`
	MaxSpawnAttempts int `mapstructure:"max-spawn-attempts"`
	MaxConnAttempts  int `mapstructure:"max-conn-attempts"`
	JitterPercent    int `mapstructure:"jitter-percent"`
	// MsgBufferSize is the depth of each session's forwarding channel.
	MsgBufferSize int `mapstructure:"grpc-msg-buffer-size"`
	// QueryTimeout bounds every query the hub sends. Zero disables it.
	QueryTimeout  time.Duration `mapstructure:"query-timeout"`
	CacheFailures bool          `mapstructure:"cache-failures"`
	LogLevel      string        `mapstructure:"log-level"`

	Plugins []PluginConfig `mapstructure:"plugins"`
}

// PluginConfig names a plugin manifest and the configuration sent to it.
type PluginConfig struct {
	Manifest string         `mapstructure:"manifest"`
	Config   map[string]any `mapstructure:"config"`
}

// ConfigJSON returns the plugin's configuration payload.
func (p PluginConfig) ConfigJSON() (string, error) {
	if len(p.Config) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p.Config)
	if err != nil {
		return "", fmt.Errorf("plugin %s: invalid configuration: %w", p.Manifest, err)
	}
	return string(data), nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		BackoffInterval:  100000,
		MaxSpawnAttempts: 3,
		MaxConnAttempts:  5,
		JitterPercent:    10,
		MsgBufferSize:    session.DefaultBufferSize,
		QueryTimeout:     10 * time.Minute,
		CacheFailures:    true,
		LogLevel:         "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("backoff-interval", d.BackoffInterval)
	v.SetDefault("max-spawn-attempts", d.MaxSpawnAttempts)
	v.SetDefault("max-conn-attempts", d.MaxConnAttempts)
	v.SetDefault("jitter-percent", d.JitterPercent)
	v.SetDefault("grpc-msg-buffer-size", d.MsgBufferSize)
	v.SetDefault("query-timeout", d.QueryTimeout)
	v.SetDefault("cache-failures", d.CacheFailures)
	v.SetDefault("log-level", d.LogLevel)
}

// NewViper returns a viper instance with the hub defaults and environment
// overrides applied. Callers may bind flags to it before LoadConfigFrom.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the configuration file at path (YAML, JSON or TOML by
// extension) over the defaults. An empty path uses defaults and environment
// only.
func LoadConfig(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return LoadConfigFrom(v)
}

// LoadConfigFrom decodes and validates the configuration held by v.
func LoadConfigFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if err := c.ProcessConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MsgBufferSize < 1 {
		errs = append(errs, fmt.Errorf("grpc-msg-buffer-size must be at least 1, got %d", c.MsgBufferSize))
	}
	if c.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("query-timeout must not be negative, got %s", c.QueryTimeout))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	for i, p := range c.Plugins {
		if p.Manifest == "" {
			errs = append(errs, fmt.Errorf("plugins[%d]: missing manifest", i))
		}
	}
	return errors.Join(errs...)
}

// ProcessConfig returns the plugin startup settings.
func (c Config) ProcessConfig() process.Config {
	return process.Config{
		MaxSpawnAttempts: c.MaxSpawnAttempts,
		MaxConnAttempts:  c.MaxConnAttempts,
		BackoffInterval:  time.Duration(c.BackoffInterval) * time.Microsecond,
		JitterPercent:    c.JitterPercent,
	}
}

// CachePolicy returns the query cache policy.
func (c Config) CachePolicy() cache.Policy {
	return cache.Policy{CacheFailures: c.CacheFailures}
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return level, nil
}
