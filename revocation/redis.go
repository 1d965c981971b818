package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "arv"

// revokeScript sets the entry unless it already outlives the new TTL, so a
// later revoke with an earlier expiry never shortens an existing entry.
var revokeScript = redis.NewScript(`
local cur = redis.call('PTTL', KEYS[1])
if cur >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
return 1
`)

// RedisStore stores one key per revoked token, <prefix>:<jti>, expiring with
// the token. An entry only ever grows.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore returns a RedisStore using prefix as the key namespace.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{redis: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(tokenID string) string {
	return s.prefix + ":" + tokenID
}

// Revoke implements [Store].
func (s *RedisStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	id, err := normalizeID(tokenID)
	if err != nil {
		return err
	}

	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	// Redis rounds PX to milliseconds; never let a sub-millisecond remainder
	// become a zero TTL.
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	if err := revokeScript.Run(ctx, s.redis, []string{s.key(id)}, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsRevoked implements [Store].
func (s *RedisStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	id, err := normalizeID(tokenID)
	if err != nil {
		return false, err
	}

	n, err := s.redis.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// TTL reports how long the entry for tokenID remains. It returns zero when
// the token is not revoked.
func (s *RedisStore) TTL(ctx context.Context, tokenID string) (time.Duration, error) {
	id, err := normalizeID(tokenID)
	if err != nil {
		return 0, err
	}
	ttl, err := s.redis.PTTL(ctx, s.key(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
