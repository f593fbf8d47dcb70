package resolution

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"inkwell/api/internal/store"
)

// memStore is an in-memory Store with optional failure hooks.
type memStore struct {
	comments   map[string]store.Comment
	history    []store.StatusHistoryEntry
	templates  map[string]store.ResolutionTemplate
	writes     int
	historyErr error
	lookupErr  error
}

func newMemStore(comments ...store.Comment) *memStore {
	m := &memStore{
		comments: map[string]store.Comment{},
		templates: map[string]store.ResolutionTemplate{
			"addressed": {ID: "addressed", Name: "Addressed", Reason: "Feedback addressed in the latest revision"},
		},
	}
	for _, c := range comments {
		m.comments[c.ID] = c
	}
	return m
}

func (m *memStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	if m.lookupErr != nil {
		return store.Comment{}, m.lookupErr
	}
	c, ok := m.comments[id]
	if !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memStore) GetCommentsByIDs(_ context.Context, ids []string) ([]store.Comment, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	out := make([]store.Comment, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.comments[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) UpdateCommentStatus(_ context.Context, id, status string) (bool, error) {
	m.writes++
	c, ok := m.comments[id]
	if !ok || c.Status == status {
		return false, nil
	}
	c.Status = status
	m.comments[id] = c
	return true, nil
}

func (m *memStore) BulkUpdateCommentStatus(ctx context.Context, ids []string, status string) (int64, error) {
	var n int64
	for _, id := range ids {
		changed, _ := m.UpdateCommentStatus(ctx, id, status)
		if changed {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListActiveCommentsOlderThan(_ context.Context, documentID string, cutoff time.Time) ([]store.Comment, error) {
	out := make([]store.Comment, 0)
	for _, c := range m.comments {
		if c.Status == store.StatusActive && c.CreatedAt.Before(cutoff) && (documentID == "" || c.DocumentID == documentID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) InsertStatusHistory(_ context.Context, entries []store.StatusHistoryEntry) error {
	if m.historyErr != nil {
		return m.historyErr
	}
	m.history = append(m.history, entries...)
	return nil
}

func (m *memStore) GetResolutionTemplate(_ context.Context, id string) (store.ResolutionTemplate, error) {
	t, ok := m.templates[id]
	if !ok {
		return store.ResolutionTemplate{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *memStore) CommentsWithPriorResolution(_ context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, h := range m.history {
		if h.NewStatus == store.StatusResolved {
			out[h.CommentID] = true
		}
	}
	return out, nil
}

func (m *memStore) historyFor(id string) []store.StatusHistoryEntry {
	out := make([]store.StatusHistoryEntry, 0)
	for _, h := range m.history {
		if h.CommentID == id {
			out = append(out, h)
		}
	}
	return out
}
