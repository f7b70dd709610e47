package settings

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

// Set WADM_TEST_REDIS_URL to run against a live server.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("WADM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("WADM_TEST_REDIS_URL not set")
	}
	key := "wadm:test:" + uuid.NewString()
	rs, err := NewRedisStore(url, key)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	ctx := context.Background()
	t.Cleanup(func() {
		rs.rdb.Del(ctx, key)
		rs.Close()
	})

	if on, err := rs.DeveloperMode(ctx); err != nil || on {
		t.Fatalf("default: %v %v", on, err)
	}
	if _, err := rs.Update(ctx, Settings{DeveloperMode: true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if on, err := rs.DeveloperMode(ctx); err != nil || !on {
		t.Fatalf("after update: %v %v", on, err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url", ""); err == nil {
		t.Fatal("expected error for bad URL")
	}
}
