package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "k", "v", 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got != "v" {
		t.Errorf("value = %q", got)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("deleted key still present")
	}
}

func TestMemoryStoreMissingKey(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("missing key reported present")
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore()
	current := time.Unix(1700000000, 0)
	s.now = func() time.Time { return current }
	ctx := context.Background()

	if err := s.Put(ctx, "short", "v", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "forever", "v", 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	current = current.Add(30 * time.Second)
	if _, ok, _ := s.Get(ctx, "short"); !ok {
		t.Error("entry expired before its TTL")
	}

	current = current.Add(31 * time.Second)
	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("entry survived its TTL")
	}
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Error("zero-TTL entry must never expire")
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Put(ctx, "k", "v1", 0)
	_ = s.Put(ctx, "k", "v2", 0)
	got, _, _ := s.Get(ctx, "k")
	if got != "v2" {
		t.Errorf("value = %q, want latest write", got)
	}
}
