// Package config loads cachekit settings from CACHE_* environment variables
// and an optional config file.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "CACHE"

type Config struct {
	RedisURL             string `mapstructure:"redis_url"`
	KeyPrefix            string `mapstructure:"key_prefix"`
	DefaultTTLSec        int    `mapstructure:"default_ttl"`
	Compression          bool   `mapstructure:"compression"`
	CompressionThreshold int    `mapstructure:"compression_threshold"` // bytes
	CompressionAlgorithm string `mapstructure:"compression_algorithm"` // zstd | s2
	MaxKeys              int    `mapstructure:"max_keys"`              // 0 = unbounded
	MaxMemoryBytes       int64  `mapstructure:"max_memory_bytes"`      // 0 = unbounded
	LocalBackend         string `mapstructure:"local_backend"`         // lru | ristretto | bigcache | lrux
	Serializer           string `mapstructure:"serializer"`            // msgpack | json | cbor

	AnalyticsIntervalSec int `mapstructure:"analytics_interval"`
	AnalyticsMaxSamples  int `mapstructure:"analytics_max_samples"`

	BreakerThreshold     int `mapstructure:"breaker_threshold"`
	BreakerTimeoutMs     int `mapstructure:"breaker_timeout"`
	MaxRetries           int `mapstructure:"max_retries"`
	RetryBaseDelayMs     int `mapstructure:"retry_base_delay"`
	RetryMaxDelayMs      int `mapstructure:"retry_max_delay"`
	ConnectTimeoutMs     int `mapstructure:"connect_timeout"`
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`

	LogLevel    string `mapstructure:"log_level"`
	LogBackend  string `mapstructure:"log_backend"` // zap | logrus | slog
	EnableStats bool   `mapstructure:"enable_stats"`
}

var defaults = map[string]any{
	"redis_url":              "",
	"key_prefix":             "cachekit:",
	"default_ttl":            3600,
	"compression":            false,
	"compression_threshold":  1024,
	"compression_algorithm":  "zstd",
	"max_keys":               10000,
	"max_memory_bytes":       100 << 20,
	"local_backend":          "lru",
	"serializer":             "msgpack",
	"analytics_interval":     60,
	"analytics_max_samples":  1440,
	"breaker_threshold":      5,
	"breaker_timeout":        30000,
	"max_retries":            3,
	"retry_base_delay":       100,
	"retry_max_delay":        5000,
	"connect_timeout":        5000,
	"max_reconnect_attempts": 5,
	"log_level":              "info",
	"log_backend":            "zap",
	"enable_stats":           true,
}

// Load reads defaults, then the optional file, then CACHE_* environment variables.
func Load(file string) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "config: read %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: decode")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component could run with.
func (c Config) Validate() error {
	switch {
	case c.DefaultTTLSec <= 0:
		return errors.Newf("config: default_ttl must be > 0, got %d", c.DefaultTTLSec)
	case c.MaxKeys < 0:
		return errors.Newf("config: max_keys must be >= 0, got %d", c.MaxKeys)
	case c.MaxMemoryBytes < 0:
		return errors.Newf("config: max_memory_bytes must be >= 0, got %d", c.MaxMemoryBytes)
	case c.CompressionThreshold < 0:
		return errors.Newf("config: compression_threshold must be >= 0, got %d", c.CompressionThreshold)
	case c.BreakerThreshold <= 0:
		return errors.Newf("config: breaker_threshold must be > 0, got %d", c.BreakerThreshold)
	case c.MaxRetries < 0:
		return errors.Newf("config: max_retries must be >= 0, got %d", c.MaxRetries)
	case c.RetryMaxDelayMs < c.RetryBaseDelayMs:
		return errors.Newf("config: retry_max_delay (%d) below retry_base_delay (%d)", c.RetryMaxDelayMs, c.RetryBaseDelayMs)
	case c.MaxReconnectAttempts <= 0:
		return errors.Newf("config: max_reconnect_attempts must be > 0, got %d", c.MaxReconnectAttempts)
	}
	switch c.LocalBackend {
	case "lru", "ristretto", "bigcache", "lrux":
	default:
		return errors.Newf("config: unknown local_backend %q", c.LocalBackend)
	}
	switch c.CompressionAlgorithm {
	case "zstd", "s2":
	default:
		return errors.Newf("config: unknown compression_algorithm %q", c.CompressionAlgorithm)
	}
	switch c.LogBackend {
	case "zap", "logrus", "slog":
	default:
		return errors.Newf("config: unknown log_backend %q", c.LogBackend)
	}
	switch c.Serializer {
	case "msgpack", "json", "cbor":
	default:
		return errors.Newf("config: unknown serializer %q", c.Serializer)
	}
	return nil
}

func (c Config) DefaultTTL() time.Duration { return time.Duration(c.DefaultTTLSec) * time.Second }

func (c Config) AnalyticsInterval() time.Duration {
	return time.Duration(c.AnalyticsIntervalSec) * time.Second
}

func (c Config) BreakerTimeout() time.Duration { return ms(c.BreakerTimeoutMs) }
func (c Config) RetryBaseDelay() time.Duration { return ms(c.RetryBaseDelayMs) }
func (c Config) RetryMaxDelay() time.Duration  { return ms(c.RetryMaxDelayMs) }
func (c Config) ConnectTimeout() time.Duration { return ms(c.ConnectTimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
