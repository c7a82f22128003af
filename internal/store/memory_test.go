package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Insert(ctx, "comments", Record{"thread_id": "1", "status": "pending", "version": int64(1)})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	second, err := s.Insert(ctx, "comments", Record{"thread_id": "2", "status": "pending", "version": int64(1)})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if first.ID() != "1" || second.ID() != "2" {
		t.Fatalf("ids = %q, %q; want sequential", first.ID(), second.ID())
	}

	got, err := s.Get(ctx, "comments", "1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got["status"] = "mutated"
	again, _ := s.Get(ctx, "comments", "1")
	if again["status"] != "pending" {
		t.Fatal("Get must return a copy")
	}

	if err := s.Replace(ctx, "comments", "1", Record{"thread_id": "1", "status": "approved", "version": int64(2)}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	items, err := s.List(ctx, "comments", map[string]any{"status": "approved"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != 1 || items[0].ID() != "1" {
		t.Fatalf("List(status=approved) = %v", items)
	}
	items, _ = s.List(ctx, "comments", map[string]any{"version": int64(1)})
	if len(items) != 1 || items[0].ID() != "2" {
		t.Fatalf("List(version=1) = %v", items)
	}

	if err := s.Delete(ctx, "comments", "2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "comments", "2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(deleted) error = %v, want ErrNotFound", err)
	}
	if err := s.Replace(ctx, "comments", "2", Record{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Replace(deleted) error = %v, want ErrNotFound", err)
	}
	if s.Len("comments") != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len("comments"))
	}
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().List(ctx, "threads", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("List() error = %v, want context.Canceled", err)
	}
}

func TestObjectKeyRoundTrip(t *testing.T) {
	key := objectKey("comments", "abc123")
	id, ok := idFromKey("comments", key)
	if !ok || id != "abc123" {
		t.Fatalf("idFromKey(%q) = %q, %v", key, id, ok)
	}
	for _, bad := range []string{"threads/abc.json", "comments/abc.txt", "comments/a/b.json", "comments/.json"} {
		if _, ok := idFromKey("comments", bad); ok {
			t.Fatalf("idFromKey(%q) unexpectedly accepted", bad)
		}
	}
}
