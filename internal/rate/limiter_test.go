package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestLoginBudget(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := New(rdb, Config{
		MaxLoginAttempts:      3,
		LoginCooldownDuration: time.Minute,
		EnableIPThrottle:      true,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CheckLogin(ctx, "QA.Officer", "10.0.0.1"); err != nil {
			t.Fatalf("attempt %d unexpectedly limited: %v", i, err)
		}
		_ = l.IncrementLogin(ctx, "QA.Officer", "10.0.0.1")
	}
	if err := l.CheckLogin(ctx, "qa.officer", "10.0.0.2"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected per-user limit (case-insensitive), got %v", err)
	}
	if err := l.CheckLogin(ctx, "other", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected per-ip limit, got %v", err)
	}

	if n, _ := l.LoginAttempts(ctx, "qa.officer"); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}

	mr.FastForward(61 * time.Second)
	if err := l.CheckLogin(ctx, "qa.officer", "10.0.0.1"); err != nil {
		t.Fatalf("window should have reset: %v", err)
	}
}

func TestResetLogin(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, Config{MaxLoginAttempts: 1, LoginCooldownDuration: time.Minute})
	ctx := context.Background()

	_ = l.IncrementLogin(ctx, "u", "")
	if err := l.CheckLogin(ctx, "u", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limit, got %v", err)
	}
	if err := l.ResetLogin(ctx, "u", ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := l.CheckLogin(ctx, "u", ""); err != nil {
		t.Fatalf("expected reset budget, got %v", err)
	}
}

func TestRefreshBudget(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, Config{EnableRefreshThrottle: true, MaxRefreshAttempts: 2, RefreshCooldownDuration: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.CheckRefresh(ctx, "sid"); err != nil {
			t.Fatalf("refresh %d limited: %v", i, err)
		}
	}
	if err := l.CheckRefresh(ctx, "sid"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected refresh limit, got %v", err)
	}

	off := New(rdb, Config{})
	for i := 0; i < 10; i++ {
		if err := off.CheckRefresh(ctx, "sid"); err != nil {
			t.Fatalf("disabled throttle must not limit: %v", err)
		}
	}
}

func TestRedisFailureWraps(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := New(rdb, Config{MaxLoginAttempts: 1})
	mr.Close()
	if err := l.CheckLogin(context.Background(), "u", ""); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestLockoutThreshold(t *testing.T) {
	rdb, mr := newTestRedis(t)
	lo := NewLockout(rdb, "t", LockoutConfig{Enabled: true, Threshold: 3, Window: time.Hour})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		locked, err := lo.RecordFailure(ctx, "u-1")
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if locked != (i == 3) {
			t.Fatalf("failure %d: locked=%v", i, locked)
		}
	}
	if n, _ := lo.Failures(ctx, "u-1"); n != 3 {
		t.Fatalf("expected 3 failures, got %d", n)
	}
	if ttl := mr.TTL("t:lo:u-1"); ttl != time.Hour {
		t.Fatalf("expected window ttl, got %v", ttl)
	}
	if err := lo.Reset(ctx, "u-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := lo.Failures(ctx, "u-1"); n != 0 {
		t.Fatalf("expected reset, got %d", n)
	}

	var disabled *Lockout
	if locked, err := disabled.RecordFailure(ctx, "u"); locked || err != nil {
		t.Fatal("nil lockout must be inert")
	}
}
