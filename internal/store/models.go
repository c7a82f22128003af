package store

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusDeleted  Status = "deleted"
)

var Statuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusDeleted}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusDeleted:
		return true
	}
	return false
}

const (
	MaxContentLength    = 5000
	MaxAuthorNameLength = 100
	MaxTitleLength      = 300
	// RedactedContent replaces the body of a tombstoned comment.
	RedactedContent = "[deleted]"
)

var ThreadEntity = NewEntity("thread", "threads", FieldCreatedAt,
	Field{Name: "owner_id", Type: FieldString},
	Field{Name: "external_page_id", Type: FieldString, MaxLen: 200},
	Field{Name: "url", Type: FieldString, MaxLen: 2048},
	Field{Name: "title", Type: FieldString, MaxLen: MaxTitleLength},
)

var CommentEntity = NewEntity("comment", "comments", FieldCreatedAt,
	Field{Name: "thread_id", Type: FieldString},
	Field{Name: "parent_id", Type: FieldString, Nullable: true},
	Field{Name: "author_name", Type: FieldString, MaxLen: MaxAuthorNameLength},
	Field{Name: "author_identity_hash", Type: FieldString, MaxLen: 128},
	Field{Name: "content", Type: FieldString, MaxLen: MaxContentLength},
	Field{Name: "status", Type: FieldEnum, Enum: []string{
		string(StatusPending), string(StatusApproved), string(StatusRejected), string(StatusDeleted),
	}},
	Field{Name: "needs_review", Type: FieldBool},
).WithScope("thread_id")

// EntityByName resolves the collection named in a request path or event.
func EntityByName(name string) (*Entity, error) {
	switch name {
	case ThreadEntity.Name, ThreadEntity.Collection:
		return ThreadEntity, nil
	case CommentEntity.Name, CommentEntity.Collection:
		return CommentEntity, nil
	}
	return nil, Validationf("unknown entity %q", name)
}

type Thread struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	ExternalPageID string    `json:"external_page_id"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	Version        int64     `json:"version"`
}

type Comment struct {
	ID                 string    `json:"id"`
	ThreadID           string    `json:"thread_id"`
	ParentID           *string   `json:"parent_id"`
	AuthorName         string    `json:"author_name"`
	AuthorIdentityHash string    `json:"author_identity_hash,omitempty"`
	Content            string    `json:"content"`
	Status             Status    `json:"status"`
	NeedsReview        bool      `json:"needs_review"`
	CreatedAt          time.Time `json:"created_at"`
	Version            int64     `json:"version"`
}

func ThreadFromRecord(rec Record) Thread {
	return Thread{
		ID:             rec.ID(),
		OwnerID:        str(rec, "owner_id"),
		ExternalPageID: str(rec, "external_page_id"),
		URL:            str(rec, "url"),
		Title:          str(rec, "title"),
		CreatedAt:      timestamp(rec, FieldCreatedAt),
		Version:        rec.Version(),
	}
}

func CommentFromRecord(rec Record) Comment {
	c := Comment{
		ID:                 rec.ID(),
		ThreadID:           str(rec, "thread_id"),
		AuthorName:         str(rec, "author_name"),
		AuthorIdentityHash: str(rec, "author_identity_hash"),
		Content:            str(rec, "content"),
		Status:             Status(str(rec, "status")),
		CreatedAt:          timestamp(rec, FieldCreatedAt),
		Version:            rec.Version(),
	}
	if parent, ok := rec["parent_id"].(string); ok && parent != "" {
		c.ParentID = &parent
	}
	c.NeedsReview, _ = rec["needs_review"].(bool)
	return c
}

func str(rec Record, key string) string {
	s, _ := rec[key].(string)
	return s
}

func timestamp(rec Record, key string) time.Time {
	ts, _ := rec[key].(time.Time)
	return ts
}
