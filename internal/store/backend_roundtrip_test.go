package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"threadmod/api/internal/adapter"
	"threadmod/api/internal/cache"
	"threadmod/api/internal/query"
	"threadmod/api/internal/store"
)

// roundTrip drives a real backend through the adapter the service uses, so
// wire encoding and error classification are checked end to end.
func roundTrip(t *testing.T, backend store.RecordStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c := cache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	records := adapter.New(backend, c, adapter.Options{Timeout: 10 * time.Second, Logger: zerolog.Nop()})

	if err := records.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	thread, err := records.Create(ctx, store.ThreadEntity, map[string]any{
		"owner_id":         "owner-1",
		"external_page_id": "page-" + time.Now().Format("150405.000000000"),
		"title":            "Round trip",
	})
	if err != nil {
		t.Fatalf("Create(thread) error = %v", err)
	}
	other, err := records.Create(ctx, store.ThreadEntity, map[string]any{
		"owner_id":         "owner-2",
		"external_page_id": "other",
	})
	if err != nil {
		t.Fatalf("Create(other thread) error = %v", err)
	}

	var want []string
	for _, content := range []string{"first", "second"} {
		rec, err := records.Create(ctx, store.CommentEntity, map[string]any{
			"thread_id":   thread.ID(),
			"author_name": "Anonymous",
			"content":     content,
			"status":      string(store.StatusPending),
		})
		if err != nil {
			t.Fatalf("Create(comment) error = %v", err)
		}
		want = append(want, rec.ID())
	}
	if _, err := records.Create(ctx, store.CommentEntity, map[string]any{
		"thread_id": other.ID(),
		"content":   "elsewhere",
		"status":    string(store.StatusPending),
	}); err != nil {
		t.Fatalf("Create(other comment) error = %v", err)
	}

	got, err := records.GetFresh(ctx, store.CommentEntity, want[0])
	if err != nil {
		t.Fatalf("GetFresh() error = %v", err)
	}
	if got.Version() != 1 || got["content"] != "first" || got["needs_review"] != false {
		t.Fatalf("stored comment = %#v", got)
	}
	if _, ok := got[store.FieldCreatedAt].(time.Time); !ok {
		t.Fatalf("created_at = %#v", got[store.FieldCreatedAt])
	}

	// equality filters may be pushed down to the backend
	spec := query.NewSpec().Where("thread_id", query.OpEq, thread.ID())
	res, err := records.Query(ctx, store.CommentEntity, spec)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	ids := make([]string, 0, len(res.Items))
	for _, rec := range res.Items {
		ids = append(ids, rec.ID())
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("thread comments mismatch (-want +got):\n%s", diff)
	}

	updated, err := records.Update(ctx, store.CommentEntity, want[0], map[string]any{"status": "approved"}, 1)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Version() != 2 {
		t.Fatalf("version = %d, want 2", updated.Version())
	}
	// the stored version comes back through the backend's own encoding
	if _, err := records.Update(ctx, store.CommentEntity, want[0], map[string]any{"status": "rejected"}, 1); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Update(stale) error = %v, want ErrConflict", err)
	}
	fresh, err := records.GetFresh(ctx, store.CommentEntity, want[0])
	if err != nil || fresh.Version() != 2 || fresh["status"] != "approved" {
		t.Fatalf("GetFresh() after update = %#v, %v", fresh, err)
	}

	if err := records.Delete(ctx, store.CommentEntity, want[1]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := records.GetFresh(ctx, store.CommentEntity, want[1]); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetFresh(deleted) error = %v, want ErrNotFound", err)
	}
	if err := records.Delete(ctx, store.CommentEntity, want[1]); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Delete(deleted) error = %v, want ErrNotFound", err)
	}
	if err := backend.Replace(ctx, store.CommentEntity.Collection, want[1], store.Record{"content": "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Replace(deleted) error = %v, want ErrNotFound", err)
	}

	listed, err := backend.List(ctx, store.CommentEntity.Collection, map[string]any{"thread_id": thread.ID(), "status": "approved"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 1 || listed[0].ID() != want[0] {
		t.Fatalf("List(approved) = %v", listed)
	}
}
