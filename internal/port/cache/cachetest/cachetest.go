// Package cachetest provides a behavioral suite every cache.Cache adapter must pass.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/TeamForge/internal/port/cache"
)

// Run exercises c against the cache.Cache contract. Keys are prefixed so
// the suite can share a backend with other tests.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "suite:agent:a@1.0.0", []byte("manifest"), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "suite:agent:a@1.0.0")
		if err != nil || !found {
			t.Fatalf("expected hit after Set, got %v %v", found, err)
		}
		if string(val) != "manifest" {
			t.Fatalf("expected manifest, got %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "suite:missing")
		if err != nil || found {
			t.Fatalf("expected clean miss, got %v %v", found, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "suite:del", []byte("v"), time.Minute)
		if err := c.Delete(ctx, "suite:del"); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := c.Get(ctx, "suite:del"); found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := c.Delete(ctx, "suite:never-set"); err != nil {
			t.Fatalf("Delete of a missing key should not error: %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "suite:ow", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "suite:ow", []byte("v2"), time.Minute)
		val, found, err := c.Get(ctx, "suite:ow")
		if err != nil || !found || string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %q %v %v", val, found, err)
		}
	})

	t.Run("KeysWithSeparators", func(t *testing.T) {
		key := "suite:idem:tenant-1:2f1c/9a=="
		if err := c.Set(ctx, key, []byte("resp"), time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, found, err := c.Get(ctx, key); err != nil || !found {
			t.Fatalf("expected hit for key with separators, got %v %v", found, err)
		}
	})
}
