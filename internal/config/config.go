package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TASKCACHE_WORKERS.
const EnvPrefix = "TASKCACHE"

// Config holds shared runtime configuration for the API service and the batch CLI.
type Config struct {
	Env             string        `mapstructure:"env"`
	HTTPPort        string        `mapstructure:"http_port" validate:"required,numeric"`
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`

	Workers        int           `mapstructure:"workers" validate:"gte=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial" validate:"gte=0"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" validate:"gte=0"`
	HistoryLimit   int           `mapstructure:"history_limit" validate:"gte=0"`
	HistoryBuffer  int           `mapstructure:"history_buffer" validate:"gte=0"`

	CacheBackend   string        `mapstructure:"cache_backend" validate:"oneof=memory file redis s3"`
	CacheDir       string        `mapstructure:"cache_dir" validate:"required_if=CacheBackend file"`
	CacheKeyPrefix string        `mapstructure:"cache_key_prefix"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`

	S3Bucket    string `mapstructure:"s3_bucket" validate:"required_if=CacheBackend s3"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint" validate:"omitempty,url"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`

	PostgresDSN string `mapstructure:"postgres_dsn"`

	RateLimitEnabled  bool    `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity int     `mapstructure:"rate_limit_capacity" validate:"gte=1"`
	RateLimitRefill   float64 `mapstructure:"rate_limit_refill_per_sec" validate:"gt=0"`

	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	FetchMaxBytes  int64         `mapstructure:"fetch_max_bytes" validate:"gt=0"`
	ThumbnailWidth int           `mapstructure:"thumbnail_width" validate:"gt=0"`
}

var defaults = map[string]any{
	"env":              "dev",
	"http_port":        "8080",
	"log_level":        "info",
	"shutdown_timeout": 10 * time.Second,

	"workers":         4,
	"max_attempts":    3,
	"backoff_initial": 500 * time.Millisecond,
	"backoff_max":     30 * time.Second,
	"history_limit":   1000,
	"history_buffer":  256,

	"cache_backend":    "memory",
	"cache_dir":        "./cache",
	"cache_key_prefix": "taskcache:",
	"cache_ttl":        time.Duration(0),

	"redis_addr":     "localhost:6379",
	"redis_password": "",
	"redis_db":       0,

	"s3_bucket":     "",
	"s3_region":     "us-east-1",
	"s3_endpoint":   "",
	"s3_path_style": false,

	"postgres_dsn": "",

	"rate_limit_enabled":        false,
	"rate_limit_capacity":       50,
	"rate_limit_refill_per_sec": 20.0,

	"fetch_timeout":   30 * time.Second,
	"fetch_max_bytes": int64(25 * 1024 * 1024),
	"thumbnail_width": 320,
}

var validate = validator.New()

// Load reads configuration from TASKCACHE_* environment variables, and from the
// file named by TASKCACHE_CONFIG_FILE when set, on top of defaults suited to
// local development. Environment variables win over the file.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(EnvPrefix + "_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints declared in struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
