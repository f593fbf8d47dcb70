package store

import "time"

const (
	StatusActive   = "active"
	StatusResolved = "resolved"
	StatusArchived = "archived"
)

const (
	ContentText       = "text"
	ContentImage      = "image"
	ContentSuggestion = "suggestion"
)

// Anchor is the text snapshot a comment was attached to. Start and End are
// the offsets observed at creation time and only serve as a hint.
type Anchor struct {
	Text  string `json:"text"`
	Start *int   `json:"start,omitempty"`
	End   *int   `json:"end,omitempty"`
}

type Comment struct {
	ID              string         `json:"id"`
	DocumentID      string         `json:"documentId"`
	AuthorID        string         `json:"authorId"`
	AuthorName      string         `json:"authorName"`
	Content         string         `json:"content"`
	ContentType     string         `json:"contentType"`
	Anchor          *Anchor        `json:"anchor,omitempty"`
	Status          string         `json:"status"`
	ParentCommentID *string        `json:"parentCommentId,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	Classification  string         `json:"classification,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (c Comment) IsReply() bool {
	return c.ParentCommentID != nil && *c.ParentCommentID != ""
}

// StatusHistoryEntry is one row of the append-only resolution ledger.
type StatusHistoryEntry struct {
	ID        int64          `json:"id"`
	CommentID string         `json:"commentId"`
	OldStatus string         `json:"oldStatus"`
	NewStatus string         `json:"newStatus"`
	ChangedBy string         `json:"changedBy"`
	ChangedAt time.Time      `json:"changedAt"`
	Reason    *string        `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ResolutionTemplate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

type CommentFilter struct {
	DocumentID string
	Statuses   []string
}

type ResolutionStats struct {
	DocumentID         string  `json:"documentId"`
	Active             int     `json:"active"`
	Resolved           int     `json:"resolved"`
	Archived           int     `json:"archived"`
	Reopened           int     `json:"reopened"`
	AvgResolutionDays  float64 `json:"avgResolutionDays"`
	AutoResolvedCount  int     `json:"autoResolvedCount"`
	TemplateResolution int     `json:"templateResolutions"`
}
