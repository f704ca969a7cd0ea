package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/sma-enterprise-core/pkg/config"
)

// NewRedis returns a configured Redis client.
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// Locker hands out short-lived advisory locks backed by Redis.
type Locker struct {
	client *redislock.Client
}

// NewLocker builds a distributed lock client on top of an existing Redis client.
// A nil client yields a locker whose locks are always granted locally.
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return &Locker{}
	}
	return &Locker{client: redislock.New(client)}
}

// Acquire obtains key for ttl without retrying. The returned func releases the lock.
// redislock.ErrNotObtained is returned when another holder owns the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}
