// Package config loads livepipe settings from .env, an optional YAML file,
// LIVEPIPE_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. LIVEPIPE_LIVE_WAIT_TIME.
const EnvPrefix = "LIVEPIPE"

const (
	defaultWaitTime       = 2 * time.Second
	defaultHTTPTimeout    = 30 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryDelay     = 1 * time.Second
	defaultUserAgent      = "livepipe/1.0"
	defaultEngine         = "mp4decrypt"
	defaultFailurePolicy  = "passthrough"
	defaultOrphanMaxAge   = 1 * time.Hour
	defaultWindowCap      = 1000
	defaultWindowEvict    = 500
	defaultLogMaxSizeMB   = 50
	defaultLogMaxBackups  = 3
	defaultLogMaxAgeDays  = 7
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultDecryptBinPath = ""
)

// Config holds all settings for a live session.
type Config struct {
	Input   InputConfig   `mapstructure:"input"`
	Live    LiveConfig    `mapstructure:"live"`
	Decrypt DecryptConfig `mapstructure:"decrypt"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Scratch ScratchConfig `mapstructure:"scratch"`
	Logging LoggingConfig `mapstructure:"logging"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

// InputConfig selects the stream.
type InputConfig struct {
	URL       string   `mapstructure:"url"`
	AudioOnly bool     `mapstructure:"audio_only"`
	Headers   []string `mapstructure:"headers"` // "Name: value"
}

// LiveConfig tunes the poll loop.
type LiveConfig struct {
	WaitTime    time.Duration `mapstructure:"wait_time"`
	RecordLimit string        `mapstructure:"record_limit"` // Go duration or HH:MM:SS, empty = none
	WindowCap   int           `mapstructure:"window_cap"`
	WindowEvict int           `mapstructure:"window_evict"`
}

// DecryptConfig selects the external decryption engine and keys.
type DecryptConfig struct {
	Engine        string   `mapstructure:"engine"` // mp4decrypt, shaka-packager
	BinaryPath    string   `mapstructure:"binary_path"`
	Keys          []string `mapstructure:"keys"` // "KID:KEY" hex pairs
	FailurePolicy string   `mapstructure:"failure_policy"`
}

// HTTPConfig configures segment and manifest transport.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// ScratchConfig places the per-session scratch directory.
type ScratchConfig struct {
	BaseDir      string        `mapstructure:"base_dir"`
	OrphanMaxAge time.Duration `mapstructure:"orphan_max_age"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// AdminConfig configures the optional status/stop/metrics HTTP listener.
type AdminConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the listener
}

// LoadDotEnv reads .env files into the process environment. If .env does not
// exist an error is returned that callers may ignore. With no paths, ".env"
// is used.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("input.url", "")
	v.SetDefault("input.audio_only", false)
	v.SetDefault("input.headers", []string{})

	v.SetDefault("live.wait_time", defaultWaitTime)
	v.SetDefault("live.record_limit", "")
	v.SetDefault("live.window_cap", defaultWindowCap)
	v.SetDefault("live.window_evict", defaultWindowEvict)

	v.SetDefault("decrypt.engine", defaultEngine)
	v.SetDefault("decrypt.binary_path", defaultDecryptBinPath)
	v.SetDefault("decrypt.keys", []string{})
	v.SetDefault("decrypt.failure_policy", defaultFailurePolicy)

	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.user_agent", defaultUserAgent)

	v.SetDefault("scratch.base_dir", "")
	v.SetDefault("scratch.orphan_max_age", defaultOrphanMaxAge)

	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.format", defaultLogFormat)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.compress", false)
	v.SetDefault("logging.max_size_mb", defaultLogMaxSizeMB)
	v.SetDefault("logging.max_backups", defaultLogMaxBackups)
	v.SetDefault("logging.max_age_days", defaultLogMaxAgeDays)

	v.SetDefault("admin.addr", "")
}

// Load builds a Config from v, reading configPath when set. A missing
// default config file is not an error.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("livepipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/livepipe")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a session.
func (c *Config) Validate() error {
	if c.Live.WaitTime <= 0 {
		return errors.New("live.wait_time must be positive")
	}
	if _, err := ParseRecordLimit(c.Live.RecordLimit); err != nil {
		return err
	}
	if _, err := ParseHeaders(c.Input.Headers); err != nil {
		return err
	}
	for _, k := range c.Decrypt.Keys {
		if kid, key, ok := strings.Cut(k, ":"); !ok || kid == "" || key == "" {
			return fmt.Errorf("decrypt key must be KID:KEY, got %d characters without a separator", len(k))
		}
	}
	switch c.Decrypt.Engine {
	case "mp4decrypt", "shaka-packager":
	default:
		return fmt.Errorf("unknown decrypt.engine %q", c.Decrypt.Engine)
	}
	return nil
}

// ParseRecordLimit accepts a Go duration ("90m") or a clock value
// ("HH:MM:SS" or "MM:SS"). An empty string means no limit.
func ParseRecordLimit(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.Contains(s, ":") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid record limit %q: %w", s, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("record limit %q is negative", s)
		}
		return d, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid record limit %q", s)
	}
	var total time.Duration
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid record limit %q", s)
		}
		total = total*60 + time.Duration(n)
	}
	return total * time.Second, nil
}

// ParseHeaders turns "Name: value" strings into a header set.
func ParseHeaders(lines []string) (http.Header, error) {
	h := make(http.Header)
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}
