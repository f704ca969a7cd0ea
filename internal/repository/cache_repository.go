package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

// CacheRepository stores JSON read models in Redis.
type CacheRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCacheRepository constructs a cache repository. A nil client disables caching.
func NewCacheRepository(client *redis.Client, logger *zap.Logger) *CacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheRepository{client: client, logger: logger}
}

// setIfNewerScript writes KEYS[1] and its version in KEYS[2] unless the stored version is
// already greater than ARGV[2]. It returns 1 when the value was written.
var setIfNewerScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
  redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// LedgerBalanceKey is the read-model key of an account balance.
func LedgerBalanceKey(accountID string) string {
	return "ledger:balance:" + accountID
}

// Get retrieves and unmarshals the cached value into dest.
func (r *CacheRepository) Get(ctx context.Context, key string, dest interface{}) error {
	if r.client == nil {
		return appErrors.ErrCacheMiss
	}

	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return appErrors.ErrCacheMiss
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		r.logger.Warn("discarding undecodable cache value", zap.String("key", key), zap.Error(err))
		return appErrors.ErrCacheMiss
	}

	return nil
}

// Set marshals the value and stores it with the given TTL.
func (r *CacheRepository) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}

	if err := r.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	return nil
}

// SetIfNewer stores value unless a write with a higher version already landed. Equal
// versions overwrite so retried writes are idempotent. It reports whether the value was stored.
func (r *CacheRepository) SetIfNewer(ctx context.Context, key string, value interface{}, version int64, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return false, nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal cache value for %s: %w", key, err)
	}

	written, err := setIfNewerScript.Run(ctx, r.client, []string{key, versionKey(key)}, string(payload), version, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis set-if-newer %s: %w", key, err)
	}
	return written == 1, nil
}

// Delete removes a cached entry and its version marker.
func (r *CacheRepository) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, key, versionKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func versionKey(key string) string {
	return key + ":version"
}
