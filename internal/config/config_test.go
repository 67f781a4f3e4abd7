package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffInitial)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.Equal(t, int64(25*1024*1024), cfg.FetchMaxBytes)
	assert.False(t, cfg.RateLimitEnabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TASKCACHE_HTTP_PORT", "9090")
	t.Setenv("TASKCACHE_WORKERS", "8")
	t.Setenv("TASKCACHE_MAX_ATTEMPTS", "5")
	t.Setenv("TASKCACHE_BACKOFF_INITIAL", "2s")
	t.Setenv("TASKCACHE_CACHE_BACKEND", "redis")
	t.Setenv("TASKCACHE_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffInitial)
	assert.Equal(t, "redis", cfg.CacheBackend)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 2\nlog_level: debug\n"), 0o644))
	t.Setenv("TASKCACHE_CONFIG_FILE", path)
	t.Setenv("TASKCACHE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "warn", cfg.LogLevel, "environment should override the file")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"zero max attempts":   {"TASKCACHE_MAX_ATTEMPTS": "0"},
		"zero workers":        {"TASKCACHE_WORKERS": "0"},
		"unknown backend":     {"TASKCACHE_CACHE_BACKEND": "memcached"},
		"s3 without bucket":   {"TASKCACHE_CACHE_BACKEND": "s3"},
		"unknown log level":   {"TASKCACHE_LOG_LEVEL": "verbose"},
		"non numeric port":    {"TASKCACHE_HTTP_PORT": "http"},
		"bad s3 endpoint":     {"TASKCACHE_S3_ENDPOINT": "not a url"},
		"missing config file": {"TASKCACHE_CONFIG_FILE": "/does/not/exist.yaml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
