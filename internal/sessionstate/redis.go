package sessionstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDefaultKey       = "storesync:session:default"
	redisOperationTimeout = 5 * time.Second
)

// RedisBackend keeps the snapshot under one key. The DSN may carry two
// extra query parameters that are not passed to the client: key (the redis
// key) and ttl (a Go duration applied on every save).
type RedisBackend struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	key := strings.TrimSpace(query.Get("key"))
	if key == "" {
		key = redisDefaultKey
	}
	var ttl time.Duration
	if raw := strings.TrimSpace(query.Get("ttl")); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl < 0 {
			return nil, fmt.Errorf("%w: redis ttl %q", ErrInvalidInput, raw)
		}
	}
	query.Del("key")
	query.Del("ttl")
	parsed.RawQuery = query.Encode()

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return &RedisBackend{
		client: redis.NewClient(opts),
		key:    key,
		ttl:    ttl,
	}, nil
}

func (b *RedisBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()

	payload, err := b.client.Get(ctx, b.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *RedisBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key, payload, b.ttl).Err()
}

func (b *RedisBackend) Clear() error {
	if b == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Del(ctx, b.key).Err()
}

func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
