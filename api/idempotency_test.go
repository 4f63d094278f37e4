package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisDeduperAddRemove(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})

	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()
	const owner = "org-1:user"

	added, err := deduper.Add(ctx, owner, "k1")
	if err != nil || !added {
		t.Fatalf("expected key to be added, got %v %v", added, err)
	}
	added, err = deduper.Add(ctx, owner, "k1")
	if err != nil || added {
		t.Fatalf("expected duplicate, got %v %v", added, err)
	}
	added, err = deduper.Add(ctx, "org-2:user", "k1")
	if err != nil || !added {
		t.Fatalf("expected keys to be namespaced per owner, got %v %v", added, err)
	}

	expectedKey := dedupeKeyPrefix + ":" + owner + ":k1"
	if !m.Exists(expectedKey) {
		t.Fatalf("expected redis key %q to exist", expectedKey)
	}
	if ttl := m.TTL(expectedKey); ttl != time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}

	if err := deduper.Remove(ctx, owner, "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err = deduper.Add(ctx, owner, "k1")
	if err != nil || !added {
		t.Fatalf("expected key to be added again after removal, got %v %v", added, err)
	}

	m.FastForward(2 * time.Minute)
	if m.Exists(expectedKey) {
		t.Fatalf("expected key to expire")
	}
}
