package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutConfig controls automatic account lockout.
type LockoutConfig struct {
	Enabled   bool
	Threshold int
	// Window is how long failures are remembered. Zero keeps them until Reset.
	Window time.Duration
}

// Lockout counts failed logins per user ID across rate-limit windows. When
// the threshold is reached the caller locks the account in its user store.
type Lockout struct {
	redis  redis.UniversalClient
	prefix string
	config LockoutConfig
}

// NewLockout returns a Lockout sharing the limiter key prefix.
func NewLockout(redisClient redis.UniversalClient, prefix string, cfg LockoutConfig) *Lockout {
	if prefix == "" {
		prefix = "arl"
	}
	return &Lockout{redis: redisClient, prefix: prefix, config: cfg}
}

func (l *Lockout) key(userID string) string {
	return l.prefix + ":lo:" + userID
}

// RecordFailure increments the counter and reports whether the account
// should now be locked.
func (l *Lockout) RecordFailure(ctx context.Context, userID string) (bool, error) {
	if l == nil || !l.config.Enabled || userID == "" {
		return false, nil
	}
	count, err := incrementWithTTL(ctx, l.redis, l.key(userID), l.config.Window)
	if err != nil {
		return false, err
	}
	return count >= int64(l.config.Threshold), nil
}

// Reset clears the failure counter.
func (l *Lockout) Reset(ctx context.Context, userID string) error {
	if l == nil || !l.config.Enabled || userID == "" {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Failures returns the current failure count.
func (l *Lockout) Failures(ctx context.Context, userID string) (int, error) {
	if l == nil || !l.config.Enabled || userID == "" {
		return 0, nil
	}
	n, err := l.redis.Get(ctx, l.key(userID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}
