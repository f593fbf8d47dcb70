package search

import "inkwell/api/internal/store"

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	AnchorText string `json:"anchorText"`
	Snippet    string `json:"snippet"`
	Status     string `json:"status"`
	AuthorName string `json:"authorName,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string // empty = all documents
	Statuses   []string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID          string `json:"id"`
	DocumentID  string `json:"documentId"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	AnchorText  string `json:"anchorText"`
	Status      string `json:"status"`
	AuthorID    string `json:"authorId"`
	AuthorName  string `json:"authorName"`
}

// RecordFromComment flattens a stored comment into its index shape. Image
// comments are indexed without their object key.
func RecordFromComment(c store.Comment) CommentRecord {
	r := CommentRecord{
		ID:          c.ID,
		DocumentID:  c.DocumentID,
		Content:     c.Content,
		ContentType: c.ContentType,
		Status:      c.Status,
		AuthorID:    c.AuthorID,
		AuthorName:  c.AuthorName,
	}
	if c.ContentType == store.ContentImage {
		r.Content = ""
	}
	if c.Anchor != nil {
		r.AnchorText = c.Anchor.Text
	}
	return r
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
