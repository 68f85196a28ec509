package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Limit <= 0 {
		t.Error("Limit should be positive")
	}
	if cfg.Window <= 0 {
		t.Error("Window should be positive")
	}
}

func TestNewMemoryLimiter(t *testing.T) {
	limiter := NewMemoryLimiter(DefaultConfig())
	defer limiter.Close()

	if limiter == nil {
		t.Fatal("NewMemoryLimiter returned nil")
	}
}

func TestMemoryLimiterAllow(t *testing.T) {
	cfg := Config{Limit: 5, Window: time.Second, CleanupInterval: time.Minute}
	limiter := NewMemoryLimiter(cfg)
	defer limiter.Close()

	ctx := context.Background()
	key := "test-key"

	for i := 0; i < 5; i++ {
		d, err := limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	d, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Error("6th request should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	cfg := Config{Limit: 1, Window: time.Second, CleanupInterval: time.Minute}
	limiter := NewMemoryLimiter(cfg)
	defer limiter.Close()

	ctx := context.Background()

	d, _ := limiter.Allow(ctx, "key-a")
	if !d.Allowed {
		t.Error("first request for key-a should be allowed")
	}

	d, _ = limiter.Allow(ctx, "key-b")
	if !d.Allowed {
		t.Error("first request for key-b should be allowed independently of key-a")
	}
}

func TestMemoryLimiterWindowExpiry(t *testing.T) {
	cfg := Config{Limit: 1, Window: 20 * time.Millisecond, CleanupInterval: time.Minute}
	limiter := NewMemoryLimiter(cfg)
	defer limiter.Close()

	ctx := context.Background()
	key := "test-key"

	d, _ := limiter.Allow(ctx, key)
	if !d.Allowed {
		t.Fatal("first request should be allowed")
	}

	d, _ = limiter.Allow(ctx, key)
	if d.Allowed {
		t.Fatal("second request inside window should be denied")
	}

	time.Sleep(30 * time.Millisecond)

	d, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !d.Allowed {
		t.Error("request after window expiry should be allowed again")
	}
}

func TestMemoryLimiterClose(t *testing.T) {
	limiter := NewMemoryLimiter(DefaultConfig())

	if err := limiter.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := limiter.Close(); err != nil {
		t.Errorf("double Close() error = %v", err)
	}

	_, err := limiter.Allow(context.Background(), "key")
	if err != ErrLimiterClosed {
		t.Errorf("Allow() after close = %v, want ErrLimiterClosed", err)
	}
}

func TestNewDispatchesByRedisAddr(t *testing.T) {
	limiter, err := New(Config{Limit: 10, Window: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer limiter.Close()

	if _, ok := limiter.(*MemoryLimiter); !ok {
		t.Error("New() without RedisAddr should return a *MemoryLimiter")
	}
}
