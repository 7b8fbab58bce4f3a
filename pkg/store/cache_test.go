package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNX(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	ok, err := c.SetNX(ctx, "k", "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX must lose: ok=%v err=%v", ok, err)
	}
	val, err := c.Get(ctx, "k")
	if err != nil || val != "v1" {
		t.Fatalf("Get = %q, %v", val, err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	if err := c.Set(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after expiry, got %v", err)
	}
}

func TestMemoryCacheZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if v, err := c.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("Get = %q, %v", v, err)
	}
}

func TestRedisCache(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	ctx := context.Background()
	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("expected RedisCache, got %T", c)
	}
	ok, err := c.SetNX(ctx, "k", "v", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX: ok=%v err=%v", ok, err)
	}
	val, err := c.Get(ctx, "k")
	if err != nil || val != "v" {
		t.Fatalf("Get = %q, %v", val, err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	c := NewCache(context.Background(), client)
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("expected MemoryCache fallback, got %T", c)
	}
}
