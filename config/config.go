// Package config loads the imagecache configuration from file, environment
// and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "IMAGECACHE"

// Config is the full process configuration.
type Config struct {
	CacheDir string `mapstructure:"cache_dir"`
	// Expiration is the staleness window as a negative offset from now.
	// A positive value is treated as its negation.
	Expiration    time.Duration `mapstructure:"expiration"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Compress      bool          `mapstructure:"compress"`
	MaxImageBytes int64         `mapstructure:"max_image_bytes"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	// ErrorRate injects fetch and storage failures, for testing.
	ErrorRate float64 `mapstructure:"error_rate"`

	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	S3     S3Config     `mapstructure:"s3"`
	GCS    GCSConfig    `mapstructure:"gcs"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBudget   time.Duration `mapstructure:"sweep_budget"`
}

type S3Config struct {
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type GCSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Anonymous       bool   `mapstructure:"anonymous"`
}

// FieldError names the configuration field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// DefaultCacheDir returns the per-user cache directory for imagecache.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "imagecache")
	}
	return filepath.Join(os.TempDir(), "imagecache")
}

// Load reads the configuration file at path (optional; TOML, YAML or JSON by
// extension), overlays IMAGECACHE_* environment variables and fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", DefaultCacheDir())
	v.SetDefault("expiration", "-168h")
	v.SetDefault("max_retries", 0)
	v.SetDefault("retry_delay", "0s")
	v.SetDefault("compress", false)
	v.SetDefault("max_image_bytes", 32<<20)
	v.SetDefault("fetch_timeout", "30s")
	v.SetDefault("user_agent", "imagecache")
	v.SetDefault("error_rate", 0.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.compress", true)

	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.sweep_interval", "1h")
	v.SetDefault("server.sweep_budget", "30s")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.use_path_style", false)

	v.SetDefault("gcs.endpoint", "")
	v.SetDefault("gcs.credentials_file", "")
	v.SetDefault("gcs.anonymous", false)
}

// Validate checks semantic constraints the decoder cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		return FieldError{"cache_dir", "must not be empty"}
	}
	if c.MaxRetries < 0 {
		return FieldError{"max_retries", "must not be negative"}
	}
	if c.RetryDelay < 0 {
		return FieldError{"retry_delay", "must not be negative"}
	}
	if c.MaxImageBytes <= 0 {
		return FieldError{"max_image_bytes", "must be positive"}
	}
	if c.FetchTimeout < 0 {
		return FieldError{"fetch_timeout", "must not be negative"}
	}
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		return FieldError{"error_rate", "must be between 0 and 1"}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return FieldError{"log.level", err.Error()}
	}
	if c.Server.SweepInterval < 0 {
		return FieldError{"server.sweep_interval", "must not be negative"}
	}
	if c.Server.SweepBudget < 0 {
		return FieldError{"server.sweep_budget", "must not be negative"}
	}
	return nil
}

// durationDecodeHook accepts Go duration strings ("30s", "-168h") and plain
// (possibly negative, possibly fractional) seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return time.Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration: %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type: %T", v)
		}
	}
}
