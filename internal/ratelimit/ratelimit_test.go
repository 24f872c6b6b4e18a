package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newLimiter(client *redis.Client, rate float64, burst int) *BillingLimiter {
	return NewBillingLimiter(BillingLimiterParams{
		Cfg: config.Config{RateLimit: config.RateLimitConfig{
			BillingRate:  rate,
			BillingBurst: burst,
		}},
		Log:    zap.NewNop(),
		Client: client,
	})
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket:a", 0.01, 3)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}

	res, err := bucket.Allow(ctx, "bucket:a", 0.01, 3)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected burst to be exhausted")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected retry-after, got %v", res.RetryAfter)
	}

	other, err := bucket.Allow(ctx, "bucket:b", 0.01, 3)
	if err != nil {
		t.Fatalf("allow other key: %v", err)
	}
	if !other.Allowed {
		t.Fatalf("expected independent buckets per key")
	}
}

func TestTokenBucketValidation(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	if _, err := bucket.Allow(ctx, "", 1, 1); err == nil {
		t.Fatalf("expected empty key error")
	}
	if _, err := bucket.Allow(ctx, "k", 0, 1); err == nil {
		t.Fatalf("expected rate error")
	}
	if _, err := bucket.Allow(ctx, "k", 1, 0); err == nil {
		t.Fatalf("expected burst error")
	}

	var nilBucket *TokenBucket
	if _, err := nilBucket.Allow(ctx, "k", 1, 1); err == nil {
		t.Fatalf("expected unconfigured error")
	}
}

func TestBillingLimiterPerOrgAndEndpoint(t *testing.T) {
	_, client := newRedis(t)
	limiter := newLimiter(client, 0.01, 1)
	ctx := context.Background()

	if !limiter.Allow(ctx, "1", "checkout").Allowed {
		t.Fatalf("expected first checkout allowed")
	}
	if limiter.Allow(ctx, "1", "checkout").Allowed {
		t.Fatalf("expected second checkout denied")
	}
	if !limiter.Allow(ctx, "1", "entitlements").Allowed {
		t.Fatalf("expected endpoints to be isolated")
	}
	if !limiter.Allow(ctx, "2", "checkout").Allowed {
		t.Fatalf("expected tenants to be isolated")
	}
}

func TestBillingLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()

	unconfigured := newLimiter(nil, 1, 1)
	if unconfigured.Enabled() {
		t.Fatalf("expected limiter disabled without redis")
	}
	for i := 0; i < 5; i++ {
		if !unconfigured.Allow(ctx, "1", "checkout").Allowed {
			t.Fatalf("expected fail open without redis")
		}
	}

	mr, client := newRedis(t)
	limiter := newLimiter(client, 0.01, 1)
	mr.Close()
	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "1", "checkout").Allowed {
			t.Fatalf("expected fail open when redis is down")
		}
	}
}

func TestLockerSingleOwner(t *testing.T) {
	mr, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "lock:rebuild", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := locker.TryLock(ctx, "lock:rebuild", time.Minute); err != nil || ok {
		t.Fatalf("expected second lock attempt to fail, got ok=%v err=%v", ok, err)
	}

	if err := locker.Release(ctx, "lock:rebuild", "someone-else"); err != nil {
		t.Fatalf("release foreign: %v", err)
	}
	if !mr.Exists("lock:rebuild") {
		t.Fatalf("foreign token must not release the lock")
	}

	if err := locker.Release(ctx, "lock:rebuild", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("lock:rebuild") {
		t.Fatalf("expected lock released")
	}
}

func TestLockerWithLock(t *testing.T) {
	mr, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	ran := false
	err := locker.WithLock(ctx, "lock:all", time.Minute, func(ctx context.Context) error {
		ran = true
		if !mr.Exists("lock:all") {
			t.Fatalf("expected lock held during fn")
		}
		inner := locker.WithLock(ctx, "lock:all", time.Minute, func(context.Context) error {
			t.Fatalf("nested holder must not run")
			return nil
		})
		if !errors.Is(inner, ErrLockHeld) {
			t.Fatalf("expected ErrLockHeld, got %v", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with lock: %v", err)
	}
	if !ran {
		t.Fatalf("expected fn to run")
	}
	if mr.Exists("lock:all") {
		t.Fatalf("expected lock released after fn")
	}

	var unguarded *Locker
	called := false
	if err := unguarded.WithLock(ctx, "lock:all", time.Minute, func(context.Context) error {
		called = true
		return nil
	}); err != nil || !called {
		t.Fatalf("expected nil locker to run fn, err=%v", err)
	}
}
