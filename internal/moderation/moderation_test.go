package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	"threadmod/api/internal/adapter"
	"threadmod/api/internal/cache"
	"threadmod/api/internal/notify"
	"threadmod/api/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

// flakyStore fails Get for selected ids.
type flakyStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	failGet map[string]error
}

func (s *flakyStore) Get(ctx context.Context, collection, id string) (store.Record, error) {
	s.mu.Lock()
	err := s.failGet[id]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, collection, id)
}

type fixture struct {
	records *adapter.Adapter
	backend *flakyStore
	events  *recorder
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &flakyStore{MemoryStore: store.NewMemoryStore(), failGet: map[string]error{}}
	c := cache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	records := adapter.New(backend, c, adapter.Options{Logger: zerolog.Nop()})
	events := &recorder{}
	fixed := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	coord := NewCoordinator(records, events, Options{Concurrency: 2, Logger: zerolog.Nop(), Now: func() time.Time { return fixed }})
	return &fixture{records: records, backend: backend, events: events, coord: coord}
}

func (f *fixture) comment(t *testing.T, status store.Status) string {
	t.Helper()
	rec, err := f.records.Create(context.Background(), store.CommentEntity, map[string]any{
		"thread_id": "T",
		"content":   "some text",
		"status":    string(status),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return rec.ID()
}

func TestTransitionTable(t *testing.T) {
	all := store.Statuses
	legal := map[[2]store.Status]bool{
		{store.StatusPending, store.StatusApproved}:  true,
		{store.StatusPending, store.StatusRejected}:  true,
		{store.StatusPending, store.StatusDeleted}:   true,
		{store.StatusApproved, store.StatusRejected}: true,
		{store.StatusApproved, store.StatusDeleted}:  true,
		{store.StatusRejected, store.StatusApproved}: true,
		{store.StatusRejected, store.StatusDeleted}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			err := Validate(from, to)
			if legal[[2]store.Status{from, to}] {
				if err != nil {
					t.Errorf("Validate(%s, %s) = %v, want nil", from, to, err)
				}
				continue
			}
			if !errors.Is(err, store.ErrInvalidTransition) {
				t.Errorf("Validate(%s, %s) = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
	if err := Validate(store.StatusPending, "spam"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("Validate(unknown) = %v, want ErrValidation", err)
	}
}

func TestModerateSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.comment(t, store.StatusPending)

	steps := []struct {
		target store.Status
		ok     bool
	}{
		{store.StatusApproved, true},
		{store.StatusRejected, true},
		{store.StatusApproved, true},
		{store.StatusDeleted, true},
		{store.StatusApproved, false},
	}
	for _, step := range steps {
		_, err := f.coord.Moderate(ctx, id, step.target, 0)
		if step.ok && err != nil {
			t.Fatalf("Moderate(%s) error = %v", step.target, err)
		}
		if !step.ok && !errors.Is(err, store.ErrInvalidTransition) {
			t.Fatalf("Moderate(%s) error = %v, want ErrInvalidTransition", step.target, err)
		}
	}

	rec, err := f.records.GetFresh(ctx, store.CommentEntity, id)
	if err != nil {
		t.Fatalf("GetFresh() error = %v", err)
	}
	got := store.CommentFromRecord(rec)
	if got.Status != store.StatusDeleted || got.Content != store.RedactedContent {
		t.Fatalf("final comment = %s %q", got.Status, got.Content)
	}

	events := f.events.snapshot()
	if len(events) != 4 {
		t.Fatalf("published %d events, want 4", len(events))
	}
	want := notify.Event{
		Entity:         "comment",
		CommentID:      id,
		ThreadID:       "T",
		PreviousStatus: store.StatusApproved,
		NewStatus:      store.StatusDeleted,
		Timestamp:      time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, events[3]); diff != "" {
		t.Fatalf("last event mismatch (-want +got):\n%s", diff)
	}
}

func TestModerateSameStateIsInvalid(t *testing.T) {
	f := newFixture(t)
	id := f.comment(t, store.StatusApproved)
	if _, err := f.coord.Approve(context.Background(), id); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("Approve(approved) error = %v, want ErrInvalidTransition", err)
	}
	if len(f.events.snapshot()) != 0 {
		t.Fatal("rejected transition published an event")
	}
}

func TestModerateStaleVersionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.comment(t, store.StatusPending)

	if _, err := f.coord.Moderate(ctx, id, store.StatusApproved, 1); err != nil {
		t.Fatalf("Moderate(v1) error = %v", err)
	}
	// a second moderator still holding version 1
	if _, err := f.coord.Moderate(ctx, id, store.StatusRejected, 1); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Moderate(stale) error = %v, want ErrConflict", err)
	}
}

func TestModerateUnknownCommentAndStatus(t *testing.T) {
	f := newFixture(t)
	if _, err := f.coord.Reject(context.Background(), "999"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Reject(missing) error = %v, want ErrNotFound", err)
	}
	id := f.comment(t, store.StatusPending)
	if _, err := f.coord.Moderate(context.Background(), id, "hidden", 0); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("Moderate(hidden) error = %v, want ErrValidation", err)
	}
}

func TestBulkModerateReportsPerItemOutcomes(t *testing.T) {
	f := newFixture(t)
	first := f.comment(t, store.StatusPending)
	third := f.comment(t, store.StatusPending)

	report, err := f.coord.BulkModerate(context.Background(), []string{first, "404", third}, store.StatusApproved)
	if err != nil {
		t.Fatalf("BulkModerate() error = %v", err)
	}
	want := BulkReport{
		Succeeded:      []string{first, third},
		Failed:         []Failure{{ID: "404", Reason: ReasonNotFound}},
		PartialFailure: true,
	}
	if diff := cmp.Diff(want, report, cmpopts.IgnoreFields(Failure{}, "Message")); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	if len(f.events.snapshot()) != 2 {
		t.Fatalf("published %d events, want 2", len(f.events.snapshot()))
	}
}

func TestBulkModerateContinuesPastUnavailableItems(t *testing.T) {
	f := newFixture(t)
	ids := []string{
		f.comment(t, store.StatusPending),
		f.comment(t, store.StatusPending),
		f.comment(t, store.StatusDeleted),
		f.comment(t, store.StatusPending),
	}
	f.backend.failGet[ids[1]] = errors.New("connection reset")

	report, err := f.coord.BulkModerate(context.Background(), append(ids, ids[0]), store.StatusRejected)
	if err != nil {
		t.Fatalf("BulkModerate() error = %v", err)
	}
	want := BulkReport{
		Succeeded: []string{ids[0], ids[3]},
		Failed: []Failure{
			{ID: ids[1], Reason: ReasonUnavailable},
			{ID: ids[2], Reason: ReasonInvalidTransition},
		},
		PartialFailure: true,
	}
	if diff := cmp.Diff(want, report, cmpopts.IgnoreFields(Failure{}, "Message")); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestBulkModerateAllSucceed(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 0, 20)
	for range 20 {
		ids = append(ids, f.comment(t, store.StatusPending))
	}
	report, err := f.coord.BulkModerate(context.Background(), ids, store.StatusApproved)
	if err != nil {
		t.Fatalf("BulkModerate() error = %v", err)
	}
	if report.PartialFailure || len(report.Succeeded) != 20 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if diff := cmp.Diff(ids, report.Succeeded); diff != "" {
		t.Fatalf("succeeded ids not in input order (-want +got):\n%s", diff)
	}
}

func TestBulkModerateRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.coord.BulkModerate(ctx, nil, store.StatusApproved); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("BulkModerate(nil) error = %v", err)
	}
	if _, err := f.coord.BulkModerate(ctx, []string{"1"}, "spam"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("BulkModerate(spam) error = %v", err)
	}
	tooMany := make([]string, MaxBulkIDs+1)
	if _, err := f.coord.BulkModerate(ctx, tooMany, store.StatusApproved); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("BulkModerate(too many) error = %v", err)
	}
}
