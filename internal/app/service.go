package app

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"threadmod/api/internal/adapter"
	"threadmod/api/internal/auth"
	"threadmod/api/internal/config"
	"threadmod/api/internal/metrics"
	"threadmod/api/internal/moderation"
	"threadmod/api/internal/notify"
	"threadmod/api/internal/query"
	"threadmod/api/internal/rbac"
	"threadmod/api/internal/store"
	"threadmod/api/internal/tree"
)

const (
	// DemoPageID groups every page served from a development host.
	DemoPageID       = "demo_site"
	DefaultAuthor    = "Anonymous"
	DefaultQueueSize = 50
)

type Session struct {
	Token    string
	UserID   string
	UserName string
	Role     string
}

type CreateThreadInput struct {
	OwnerID        string `json:"owner_id"`
	ExternalPageID string `json:"external_page_id"`
	URL            string `json:"url"`
	Title          string `json:"title"`
}

type UpdateThreadInput struct {
	Title   string `json:"title"`
	Version int64  `json:"version"`
}

type CreateCommentInput struct {
	ThreadID    string  `json:"thread_id"`
	ParentID    *string `json:"parent_id"`
	AuthorName  string  `json:"author_name"`
	AuthorEmail string  `json:"author_email"`
	Content     string  `json:"content"`
}

type ModerateInput struct {
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

type BulkModerateInput struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
}

// Page is one page of a listing in the shape clients consume.
type Page[T any] struct {
	Data       []T  `json:"data"`
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      *int `json:"total,omitempty"`
	TotalPages *int `json:"totalPages,omitempty"`
}

type QueuePage struct {
	Data   []store.Comment `json:"data"`
	Status store.Status    `json:"status"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
	Total  int             `json:"total"`
}

type BulkResult struct {
	moderation.BulkReport
	Message    string `json:"message"`
	Successful int    `json:"successful"`
	Total      int    `json:"total"`
}

type Statistics struct {
	ThreadID string `json:"thread_id,omitempty"`
	Pending  int    `json:"pending"`
	Approved int    `json:"approved"`
	Rejected int    `json:"rejected"`
	Deleted  int    `json:"deleted"`
	// Total counts visible comments and leaves tombstones out.
	Total int `json:"total"`
}

type ThreadDeletion struct {
	ThreadID        string `json:"thread_id"`
	CommentsDeleted int    `json:"comments_deleted"`
}

type Service struct {
	records     *adapter.Adapter
	moderation  *moderation.Coordinator
	notifier    *notify.Notifier
	logger      zerolog.Logger
	jwtSecret   []byte
	identityKey []byte

	// serializes the uniqueness check and insert of threads
	threadMu sync.Mutex
}

func New(cfg config.Config, records *adapter.Adapter, coordinator *moderation.Coordinator, notifier *notify.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		records:     records,
		moderation:  coordinator,
		notifier:    notifier,
		logger:      logger,
		jwtSecret:   []byte(cfg.JWTSecret),
		identityKey: []byte(cfg.IdentityHashKey),
	}
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:    token,
		UserID:   claims.Subject,
		UserName: claims.Name,
		Role:     string(rbac.Normalize(claims.Role)),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.records.Ping(ctx)
}

// PageIDFromURL derives the external page id used when a caller only knows
// the page URL.
func PageIDFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DemoPageID
	}
	if parsed, err := url.Parse(raw); err == nil {
		switch parsed.Hostname() {
		case "localhost", "127.0.0.1":
			return DemoPageID
		}
	}
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// CreateThread inserts a thread; a second thread for the same owner and
// page fails with ErrConflict.
func (s *Service) CreateThread(ctx context.Context, input CreateThreadInput) (store.Thread, error) {
	input, err := normalizeThreadInput(input)
	if err != nil {
		return store.Thread{}, err
	}

	s.threadMu.Lock()
	defer s.threadMu.Unlock()

	existing, found, err := s.findThread(ctx, input.OwnerID, input.ExternalPageID)
	if err != nil {
		return store.Thread{}, err
	}
	if found {
		return store.Thread{}, store.Conflictf("thread for page %q already exists as %s", input.ExternalPageID, existing.ID)
	}
	return s.insertThread(ctx, input)
}

// EnsureThread returns the thread for the owner's page, creating it on first
// use.
func (s *Service) EnsureThread(ctx context.Context, input CreateThreadInput) (store.Thread, bool, error) {
	input, err := normalizeThreadInput(input)
	if err != nil {
		return store.Thread{}, false, err
	}

	s.threadMu.Lock()
	defer s.threadMu.Unlock()

	existing, found, err := s.findThread(ctx, input.OwnerID, input.ExternalPageID)
	if err != nil {
		return store.Thread{}, false, err
	}
	if found {
		return existing, false, nil
	}
	thread, err := s.insertThread(ctx, input)
	if err != nil {
		return store.Thread{}, false, err
	}
	return thread, true, nil
}

func normalizeThreadInput(input CreateThreadInput) (CreateThreadInput, error) {
	input.OwnerID = strings.TrimSpace(input.OwnerID)
	input.ExternalPageID = strings.TrimSpace(input.ExternalPageID)
	input.Title = strings.TrimSpace(input.Title)
	if input.OwnerID == "" {
		return input, store.Validationf("owner_id is required")
	}
	if input.ExternalPageID == "" {
		input.ExternalPageID = PageIDFromURL(input.URL)
	}
	return input, nil
}

func (s *Service) findThread(ctx context.Context, ownerID, pageID string) (store.Thread, bool, error) {
	spec := query.NewSpec().
		Where("owner_id", query.OpEq, ownerID).
		Where("external_page_id", query.OpEq, pageID)
	spec.Limit = 1
	res, err := s.records.Query(ctx, store.ThreadEntity, spec)
	if err != nil {
		return store.Thread{}, false, err
	}
	if len(res.Items) == 0 {
		return store.Thread{}, false, nil
	}
	return store.ThreadFromRecord(res.Items[0]), true, nil
}

func (s *Service) insertThread(ctx context.Context, input CreateThreadInput) (store.Thread, error) {
	rec, err := s.records.Create(ctx, store.ThreadEntity, map[string]any{
		"owner_id":         input.OwnerID,
		"external_page_id": input.ExternalPageID,
		"url":              input.URL,
		"title":            input.Title,
	})
	if err != nil {
		return store.Thread{}, err
	}
	thread := store.ThreadFromRecord(rec)
	s.logger.Info().
		Str("thread_id", thread.ID).
		Str("owner_id", thread.OwnerID).
		Str("external_page_id", thread.ExternalPageID).
		Msg("thread created")
	return thread, nil
}

func (s *Service) GetThread(ctx context.Context, id string) (store.Thread, error) {
	rec, err := s.records.GetByID(ctx, store.ThreadEntity, id)
	if err != nil {
		return store.Thread{}, err
	}
	return store.ThreadFromRecord(rec), nil
}

func (s *Service) QueryThreads(ctx context.Context, params url.Values) (Page[store.Thread], error) {
	spec, err := query.Parse(store.ThreadEntity, params)
	if err != nil {
		return Page[store.Thread]{}, err
	}
	res, err := s.records.Query(ctx, store.ThreadEntity, spec)
	if err != nil {
		return Page[store.Thread]{}, err
	}
	return toPage(res, store.ThreadFromRecord), nil
}

// UpdateThreadTitle changes the only mutable thread field.
func (s *Service) UpdateThreadTitle(ctx context.Context, session Session, id string, input UpdateThreadInput) (store.Thread, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Thread{}, store.Validationf("title must not be empty")
	}
	if _, err := s.ownedThread(ctx, session, id); err != nil {
		return store.Thread{}, err
	}
	rec, err := s.records.Update(ctx, store.ThreadEntity, id, map[string]any{"title": title}, input.Version)
	if err != nil {
		return store.Thread{}, err
	}
	return store.ThreadFromRecord(rec), nil
}

// DeleteThread tombstones every live comment of the thread and then removes
// the thread record. When some comments cannot be deleted the thread is kept
// so the call can be retried.
func (s *Service) DeleteThread(ctx context.Context, session Session, id string) (ThreadDeletion, error) {
	if _, err := s.ownedThread(ctx, session, id); err != nil {
		return ThreadDeletion{}, err
	}
	comments, err := s.threadComments(ctx, id, "")
	if err != nil {
		return ThreadDeletion{}, err
	}
	live := make([]string, 0, len(comments))
	for _, c := range comments {
		if c.Status != store.StatusDeleted {
			live = append(live, c.ID)
		}
	}

	result := ThreadDeletion{ThreadID: id}
	for start := 0; start < len(live); start += moderation.MaxBulkIDs {
		end := min(start+moderation.MaxBulkIDs, len(live))
		report, err := s.moderation.BulkModerate(ctx, live[start:end], store.StatusDeleted)
		if err != nil {
			return result, err
		}
		result.CommentsDeleted += len(report.Succeeded)
		if report.PartialFailure {
			return result, domainError(http.StatusConflict, "CASCADE_INCOMPLETE",
				fmt.Sprintf("%d comments could not be deleted; thread kept", len(report.Failed)),
				report.Failed)
		}
	}

	if err := s.records.Delete(ctx, store.ThreadEntity, id); err != nil {
		return result, err
	}
	s.logger.Info().Str("thread_id", id).Int("comments_deleted", result.CommentsDeleted).Msg("thread deleted")
	return result, nil
}

// ownedThread loads a thread the session may change: its owner's, or any
// thread for an admin.
func (s *Service) ownedThread(ctx context.Context, session Session, id string) (store.Thread, error) {
	rec, err := s.records.GetFresh(ctx, store.ThreadEntity, id)
	if err != nil {
		return store.Thread{}, err
	}
	thread := store.ThreadFromRecord(rec)
	if rbac.Normalize(session.Role) == rbac.RoleAdmin {
		return thread, nil
	}
	if session.UserID == "" || session.UserID != thread.OwnerID {
		return store.Thread{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the thread owner may change it", nil)
	}
	return thread, nil
}

// CreateComment adds a pending comment. A parent that does not exist or
// belongs to another thread is kept as given and the comment is flagged for
// review.
func (s *Service) CreateComment(ctx context.Context, input CreateCommentInput) (store.Comment, error) {
	threadID := strings.TrimSpace(input.ThreadID)
	if threadID == "" {
		return store.Comment{}, store.Validationf("thread_id is required")
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.Comment{}, store.Validationf("content must not be empty")
	}
	if n := len([]rune(content)); n > store.MaxContentLength {
		return store.Comment{}, store.Validationf("content exceeds %d characters", store.MaxContentLength)
	}
	author := strings.TrimSpace(input.AuthorName)
	if author == "" {
		author = DefaultAuthor
	}

	if _, err := s.records.GetByID(ctx, store.ThreadEntity, threadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Comment{}, store.Validationf("thread %s does not exist", threadID)
		}
		return store.Comment{}, err
	}

	fields := map[string]any{
		"thread_id":    threadID,
		"author_name":  author,
		"content":      content,
		"status":       string(store.StatusPending),
		"needs_review": false,
	}
	if hash := auth.HashIdentity(s.identityKey, input.AuthorEmail); hash != "" {
		fields["author_identity_hash"] = hash
	}
	if input.ParentID != nil && strings.TrimSpace(*input.ParentID) != "" {
		parentID := strings.TrimSpace(*input.ParentID)
		fields["parent_id"] = parentID
		suspect, err := s.suspectParent(ctx, threadID, parentID)
		if err != nil {
			return store.Comment{}, err
		}
		fields["needs_review"] = suspect
	}

	rec, err := s.records.Create(ctx, store.CommentEntity, fields)
	if err != nil {
		return store.Comment{}, err
	}
	comment := store.CommentFromRecord(rec)
	metrics.CommentsCreated.Inc()
	event := s.logger.Info().Str("comment_id", comment.ID).Str("thread_id", threadID)
	if comment.NeedsReview {
		event = event.Bool("needs_review", true)
	}
	event.Msg("comment created")
	return comment, nil
}

func (s *Service) suspectParent(ctx context.Context, threadID, parentID string) (bool, error) {
	rec, err := s.records.GetByID(ctx, store.CommentEntity, parentID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return store.CommentFromRecord(rec).ThreadID != threadID, nil
}

func (s *Service) GetComment(ctx context.Context, id string) (store.Comment, error) {
	rec, err := s.records.GetByID(ctx, store.CommentEntity, id)
	if err != nil {
		return store.Comment{}, err
	}
	return store.CommentFromRecord(rec), nil
}

func (s *Service) QueryComments(ctx context.Context, params url.Values) (Page[store.Comment], error) {
	spec, err := query.Parse(store.CommentEntity, params)
	if err != nil {
		return Page[store.Comment]{}, err
	}
	res, err := s.records.Query(ctx, store.CommentEntity, spec)
	if err != nil {
		return Page[store.Comment]{}, err
	}
	return toPage(res, store.CommentFromRecord), nil
}

// ModerationQueue lists comments in one status, oldest first.
func (s *Service) ModerationQueue(ctx context.Context, status, threadID string, limit, offset int) (QueuePage, error) {
	target := store.StatusPending
	if status != "" {
		target = store.Status(status)
	}
	if !target.Valid() {
		return QueuePage{}, store.Validationf("unknown status %q", status)
	}
	if limit == 0 {
		limit = DefaultQueueSize
	}
	if limit < 0 || limit > query.MaxLimit {
		return QueuePage{}, store.Validationf("limit must be between 1 and %d", query.MaxLimit)
	}
	if offset < 0 {
		return QueuePage{}, store.Validationf("offset must not be negative")
	}

	comments, err := s.threadComments(ctx, threadID, target)
	if err != nil {
		return QueuePage{}, err
	}
	page := QueuePage{Data: []store.Comment{}, Status: target, Limit: limit, Offset: offset, Total: len(comments)}
	if offset < len(comments) {
		page.Data = comments[offset:min(offset+limit, len(comments))]
	}
	return page, nil
}

func (s *Service) Moderate(ctx context.Context, id string, input ModerateInput) (store.Comment, error) {
	if input.Status == "" {
		return store.Comment{}, store.Validationf("status is required")
	}
	return s.moderation.Moderate(ctx, id, store.Status(input.Status), input.Version)
}

func (s *Service) BulkModerate(ctx context.Context, input BulkModerateInput) (BulkResult, error) {
	report, err := s.moderation.BulkModerate(ctx, input.IDs, store.Status(input.Status))
	if err != nil {
		return BulkResult{}, err
	}
	total := len(report.Succeeded) + len(report.Failed)
	return BulkResult{
		BulkReport: report,
		Message:    fmt.Sprintf("%d of %d comments moved to %s", len(report.Succeeded), total, input.Status),
		Successful: len(report.Succeeded),
		Total:      total,
	}, nil
}

// GetThreadTree returns the thread's comments as a forest. An empty status
// includes every comment.
func (s *Service) GetThreadTree(ctx context.Context, threadID, status string) (*tree.Tree, error) {
	var filter store.Status
	if status != "" {
		filter = store.Status(status)
		if !filter.Valid() {
			return nil, store.Validationf("unknown status %q", status)
		}
	}
	if _, err := s.records.GetByID(ctx, store.ThreadEntity, threadID); err != nil {
		return nil, err
	}
	comments, err := s.threadComments(ctx, threadID, filter)
	if err != nil {
		return nil, err
	}
	return tree.Build(threadID, comments), nil
}

// GetStatistics counts comments per status, across all threads when
// threadID is empty.
func (s *Service) GetStatistics(ctx context.Context, threadID string) (Statistics, error) {
	comments, err := s.threadComments(ctx, threadID, "")
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ThreadID: threadID}
	for _, c := range comments {
		switch c.Status {
		case store.StatusPending:
			stats.Pending++
		case store.StatusApproved:
			stats.Approved++
		case store.StatusRejected:
			stats.Rejected++
		case store.StatusDeleted:
			stats.Deleted++
		}
	}
	stats.Total = stats.Pending + stats.Approved + stats.Rejected
	return stats, nil
}

func (s *Service) SubscribeEvents(threadID string) (*notify.Subscription, error) {
	return s.notifier.Subscribe(threadID)
}

// threadComments lists every comment matching the optional thread and
// status, in creation order.
func (s *Service) threadComments(ctx context.Context, threadID string, status store.Status) ([]store.Comment, error) {
	spec := query.NewSpec()
	spec.Unpaged = true
	if threadID != "" {
		spec = spec.Where("thread_id", query.OpEq, threadID)
	}
	if status != "" {
		spec = spec.Where("status", query.OpEq, string(status))
	}
	res, err := s.records.Query(ctx, store.CommentEntity, spec)
	if err != nil {
		return nil, err
	}
	comments := make([]store.Comment, 0, len(res.Items))
	for _, rec := range res.Items {
		comments = append(comments, store.CommentFromRecord(rec))
	}
	return comments, nil
}

func toPage[T any](res query.Result, convert func(store.Record) T) Page[T] {
	page := Page[T]{Data: make([]T, 0, len(res.Items)), Page: res.Page, Limit: res.Limit}
	for _, rec := range res.Items {
		page.Data = append(page.Data, convert(rec))
	}
	if res.HasTotal {
		total, pages := res.Total, res.TotalPages
		page.Total = &total
		page.TotalPages = &pages
	}
	return page
}
