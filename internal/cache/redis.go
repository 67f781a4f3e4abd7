package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"taskcache/internal/keys"
)

// RedisBackend stores each entry as a hash {key, value, created_at}.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend builds a backend on client and takes ownership of it. A zero
// ttl keeps entries until they are deleted.
func NewRedisBackend(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "taskcache:"
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) entryKey(key string) string {
	return r.prefix + "entry:" + keys.Fingerprint(key)
}

func (r *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := r.client.HMGet(ctx, r.entryKey(key), "key", "value", "created_at").Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(vals) < 3 || vals[0] == nil || vals[1] == nil {
		return Entry{}, false, nil
	}
	storedKey, _ := vals[0].(string)
	if storedKey != key {
		return Entry{}, false, nil
	}
	value, _ := vals[1].(string)
	e := Entry{Key: key, Value: []byte(value)}
	if raw, ok := vals[2].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			e.CreatedAt = time.UnixMilli(ms)
		}
	}
	return e, true, nil
}

// Put replaces the hash inside MULTI/EXEC so no reader sees a half-written entry.
func (r *RedisBackend) Put(ctx context.Context, e Entry) error {
	k := r.entryKey(e.Key)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k,
		"key", e.Key,
		"value", e.Value,
		"created_at", e.CreatedAt.UnixMilli(),
	)
	if r.ttl > 0 {
		pipe.PExpire(ctx, k, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.entryKey(key)).Err()
}

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
