package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskcache/internal/config"
)

var (
	// ErrUnavailable wraps any backend failure. Lookups treat it as a miss.
	ErrUnavailable = errors.New("cache backend unavailable")
)

// Entry is one cached result.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// Size is the storage footprint charged for the entry.
func (e Entry) Size() int64 {
	return int64(len(e.Key) + len(e.Value))
}

// Backend stores entries. Get reports absence with found=false and a nil error;
// any non-nil error means the backend could not answer. Put must replace an
// existing entry as a whole, never leaving a partial entry visible.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
}

// NewBackend builds the backend selected by cfg.CacheBackend.
func NewBackend(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.CacheBackend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(cfg.CacheDir)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisBackend(client, cfg.CacheKeyPrefix, cfg.CacheTTL), nil
	case "s3":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Backend(client, cfg.S3Bucket, cfg.CacheKeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
