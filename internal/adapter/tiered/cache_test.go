package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/TeamForge/internal/adapter/tiered"
	"github.com/Strob0t/TeamForge/internal/port/cache/cachetest"
)

// memCache is a simple in-memory cache for testing. A non-nil err fails every call.
type memCache struct {
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

func TestTiered_L1Hit(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	l1.data["agent:a@1.0.0"] = []byte("v1")

	val, found, err := c.Get(context.Background(), "agent:a@1.0.0")
	if err != nil || !found || string(val) != "v1" {
		t.Fatalf("expected L1 hit, got %q %v %v", val, found, err)
	}
}

func TestTiered_L2HitWithBackfill(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	l2.data["agent:a@1.0.0"] = []byte("v2")

	val, found, err := c.Get(context.Background(), "agent:a@1.0.0")
	if err != nil || !found || string(val) != "v2" {
		t.Fatalf("expected L2 hit, got %q %v %v", val, found, err)
	}
	if string(l1.data["agent:a@1.0.0"]) != "v2" || l1.ttls["agent:a@1.0.0"] != 5*time.Minute {
		t.Fatal("expected L1 backfill with the L1 lifetime")
	}
}

func TestTiered_Miss(t *testing.T) {
	c := tiered.New(newMemCache(), newMemCache(), time.Minute)
	if _, found, err := c.Get(context.Background(), "missing"); err != nil || found {
		t.Fatalf("expected miss, got %v %v", found, err)
	}
}

func TestTiered_L2FailureDegradesToMiss(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.err = errors.New("kv unavailable")
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	if _, found, err := c.Get(ctx, "k"); err != nil || found {
		t.Fatalf("expected degraded miss, got %v %v", found, err)
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("L2 set failure must not fail Set: %v", err)
	}
	if _, ok := l1.data["k"]; !ok {
		t.Fatal("expected L1 to hold the value")
	}
	if err := c.Delete(ctx, "k"); err == nil {
		t.Fatal("expected L2 delete failure to be reported")
	}
}

func TestTiered_SetCapsL1Lifetime(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, time.Minute)

	if err := c.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if l1.ttls["k"] != time.Minute || l2.ttls["k"] != time.Hour {
		t.Fatalf("unexpected lifetimes L1=%v L2=%v", l1.ttls["k"], l2.ttls["k"])
	}
}

func TestTiered_WithoutL2(t *testing.T) {
	l1 := newMemCache()
	c := tiered.New(l1, nil, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := c.Get(ctx, "k"); !found {
		t.Fatal("expected L1 hit")
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
}

func TestTiered_Contract(t *testing.T) {
	cachetest.Run(t, tiered.New(newMemCache(), newMemCache(), time.Minute))
}

func TestTiered_ContractWithoutL2(t *testing.T) {
	cachetest.Run(t, tiered.New(newMemCache(), nil, time.Minute))
}
