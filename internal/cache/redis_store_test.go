package cache

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"
)

// 需要真实 redis：SHELLCACHE_TEST_REDIS_ADDR=127.0.0.1:6379 go test ./internal/cache
func TestRedisStorageContract(t *testing.T) {
	addr := os.Getenv("SHELLCACHE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHELLCACHE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	storage, err := NewRedisStorage(ctx, RedisOptions{
		Addr:   addr,
		Prefix: "shellcache-test",
		Scope:  fmt.Sprintf("site-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() {
		names, _ := storage.Keys(ctx)
		for _, name := range names {
			storage.Delete(ctx, name)
		}
		storage.Close()
	})

	store, err := storage.Open(ctx, "v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	key := NewKey(http.MethodGet, "/")
	if err := store.PutAll(ctx, []Entry{{Key: key, Response: &Response{Status: 200, Body: []byte("shell")}}}); err != nil {
		t.Fatalf("putall error: %v", err)
	}
	got, err := store.Match(ctx, key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "shell" {
		t.Fatalf("unexpected body %q", got.Body)
	}

	deleted, err := storage.Delete(ctx, "v1")
	if err != nil || !deleted {
		t.Fatalf("expected delete, got %v %v", deleted, err)
	}
	if ok, _ := storage.Has(ctx, "v1"); ok {
		t.Fatalf("v1 should be gone")
	}
}
