package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"threadmod/api/internal/adapter"
	"threadmod/api/internal/metrics"
	"threadmod/api/internal/notify"
	"threadmod/api/internal/store"
)

const (
	DefaultConcurrency = 8
	MaxBulkIDs         = 500
)

type Reason string

const (
	ReasonNotFound          Reason = "NotFound"
	ReasonInvalidTransition Reason = "InvalidStateTransition"
	ReasonConflict          Reason = "Conflict"
	ReasonUnavailable       Reason = "Unavailable"
	ReasonValidation        Reason = "Validation"
)

// ReasonOf classifies a moderation error.
func ReasonOf(err error) Reason {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return ReasonInvalidTransition
	case errors.Is(err, store.ErrConflict):
		return ReasonConflict
	case errors.Is(err, store.ErrValidation):
		return ReasonValidation
	default:
		return ReasonUnavailable
	}
}

type Failure struct {
	ID      string `json:"id"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// BulkReport lists per-id outcomes in input order.
type BulkReport struct {
	Succeeded      []string  `json:"succeeded"`
	Failed         []Failure `json:"failed"`
	PartialFailure bool      `json:"partialFailure"`
}

type Publisher interface {
	Publish(notify.Event)
}

type Options struct {
	Concurrency int
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Coordinator struct {
	records     *adapter.Adapter
	events      Publisher
	logger      zerolog.Logger
	concurrency int
	now         func() time.Time
}

func NewCoordinator(records *adapter.Adapter, events Publisher, opts Options) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		records:     records,
		events:      events,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}
}

// Moderate moves one comment to target. The current status is read from
// the store, not the cache. A non-zero expected version must match; with
// zero the version just read is used, so a concurrent writer still causes
// ErrConflict.
func (c *Coordinator) Moderate(ctx context.Context, id string, target store.Status, expected int64) (store.Comment, error) {
	comment, err := c.moderate(ctx, id, target, expected)
	if err != nil {
		metrics.ModerationFailures.WithLabelValues(string(ReasonOf(err))).Inc()
		return store.Comment{}, err
	}
	return comment, nil
}

func (c *Coordinator) Approve(ctx context.Context, id string) (store.Comment, error) {
	return c.Moderate(ctx, id, store.StatusApproved, 0)
}

func (c *Coordinator) Reject(ctx context.Context, id string) (store.Comment, error) {
	return c.Moderate(ctx, id, store.StatusRejected, 0)
}

func (c *Coordinator) Delete(ctx context.Context, id string) (store.Comment, error) {
	return c.Moderate(ctx, id, store.StatusDeleted, 0)
}

func (c *Coordinator) moderate(ctx context.Context, id string, target store.Status, expected int64) (store.Comment, error) {
	if !target.Valid() {
		return store.Comment{}, store.Validationf("unknown status %q", target)
	}
	rec, err := c.records.GetFresh(ctx, store.CommentEntity, id)
	if err != nil {
		return store.Comment{}, err
	}
	current := store.CommentFromRecord(rec)
	if expected != 0 && current.Version != expected {
		return store.Comment{}, store.Conflictf("comment %s is at version %d, expected %d", id, current.Version, expected)
	}
	if err := Validate(current.Status, target); err != nil {
		return store.Comment{}, err
	}

	fields := map[string]any{"status": string(target)}
	if target == store.StatusDeleted {
		fields["content"] = store.RedactedContent
	}
	updated, err := c.records.Update(ctx, store.CommentEntity, id, fields, current.Version)
	if err != nil {
		return store.Comment{}, err
	}
	next := store.CommentFromRecord(updated)

	metrics.Transitions.WithLabelValues(string(current.Status), string(target)).Inc()
	c.logger.Info().
		Str("comment_id", id).
		Str("thread_id", next.ThreadID).
		Str("from", string(current.Status)).
		Str("to", string(target)).
		Int64("version", next.Version).
		Msg("comment moderated")

	c.events.Publish(notify.Event{
		Entity:         store.CommentEntity.Name,
		CommentID:      id,
		ThreadID:       next.ThreadID,
		PreviousStatus: current.Status,
		NewStatus:      target,
		Timestamp:      c.now().UTC(),
	})
	return next, nil
}

// BulkModerate applies target to every id independently on a bounded pool
// of workers. Failures never roll back earlier successes. Duplicate ids are
// processed once.
func (c *Coordinator) BulkModerate(ctx context.Context, ids []string, target store.Status) (BulkReport, error) {
	if len(ids) == 0 {
		return BulkReport{}, store.Validationf("ids must not be empty")
	}
	if len(ids) > MaxBulkIDs {
		return BulkReport{}, store.Validationf("at most %d ids per request", MaxBulkIDs)
	}
	if !target.Valid() {
		return BulkReport{}, store.Validationf("unknown status %q", target)
	}

	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	outcomes := make([]error, len(unique))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, id := range unique {
		g.Go(func() error {
			_, err := c.Moderate(ctx, id, target, 0)
			outcomes[i] = err
			return nil
		})
	}
	_ = g.Wait()

	report := BulkReport{Succeeded: []string{}, Failed: []Failure{}}
	for i, id := range unique {
		if err := outcomes[i]; err != nil {
			report.Failed = append(report.Failed, Failure{ID: id, Reason: ReasonOf(err), Message: err.Error()})
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
	}
	report.PartialFailure = len(report.Failed) > 0
	c.logger.Info().
		Str("status", string(target)).
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Msg("bulk moderation finished")
	return report, nil
}
