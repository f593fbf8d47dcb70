package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inkwell/api/internal/anchor"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/changefeed"
	"inkwell/api/internal/config"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

const testSecret = "test-secret"

const testDoc = `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"The quick brown fox"}]}]}`

type fakeStore struct {
	mu        sync.Mutex
	comments  map[string]store.Comment
	history   []store.StatusHistoryEntry
	templates map[string]store.ResolutionTemplate
	pingErr   error
	// historyErr fails every InsertStatusHistory call.
	historyErr error
}

func newFakeStore(comments ...store.Comment) *fakeStore {
	f := &fakeStore{
		comments: map[string]store.Comment{},
		templates: map[string]store.ResolutionTemplate{
			"addressed": {ID: "addressed", Name: "Addressed", Reason: "Feedback addressed"},
		},
	}
	for _, c := range comments {
		f.comments[c.ID] = c
	}
	return f
}

func (f *fakeStore) InsertComment(_ context.Context, c store.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[c.ID] = c
	return nil
}

func (f *fakeStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) GetCommentsByIDs(_ context.Context, ids []string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Comment, 0, len(ids))
	for _, id := range ids {
		if c, ok := f.comments[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ListComments(_ context.Context, filter store.CommentFilter) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Comment, 0)
	for _, c := range f.comments {
		if c.DocumentID != filter.DocumentID {
			continue
		}
		if len(filter.Statuses) > 0 && !contains(filter.Statuses, c.Status) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStore) UpdateCommentStatus(_ context.Context, id, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if c.Status == status {
		return false, nil
	}
	c.Status = status
	f.comments[id] = c
	return true, nil
}

func (f *fakeStore) BulkUpdateCommentStatus(_ context.Context, ids []string, status string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		if c, ok := f.comments[id]; ok && c.Status != status {
			c.Status = status
			f.comments[id] = c
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListActiveCommentsOlderThan(_ context.Context, documentID string, cutoff time.Time) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Comment, 0)
	for _, c := range f.comments {
		if c.Status == store.StatusActive && c.CreatedAt.Before(cutoff) && (documentID == "" || c.DocumentID == documentID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) InsertStatusHistory(_ context.Context, entries []store.StatusHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return f.historyErr
	}
	f.history = append(f.history, entries...)
	return nil
}

func (f *fakeStore) ListStatusHistory(_ context.Context, commentID string) ([]store.StatusHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.StatusHistoryEntry, 0)
	for _, e := range f.history {
		if e.CommentID == commentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) GetResolutionTemplate(_ context.Context, id string) (store.ResolutionTemplate, error) {
	t, ok := f.templates[id]
	if !ok {
		return store.ResolutionTemplate{}, sql.ErrNoRows
	}
	return t, nil
}

func (f *fakeStore) ListResolutionTemplates(context.Context) ([]store.ResolutionTemplate, error) {
	out := make([]store.ResolutionTemplate, 0, len(f.templates))
	for _, t := range f.templates {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) CommentsWithPriorResolution(_ context.Context, ids []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, e := range f.history {
		if e.NewStatus == store.StatusResolved && contains(ids, e.CommentID) {
			out[e.CommentID] = true
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteComment(_ context.Context, documentID, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok || c.DocumentID != documentID {
		return false, nil
	}
	delete(f.comments, id)
	kept := f.history[:0]
	for _, e := range f.history {
		if e.CommentID != id {
			kept = append(kept, e)
		}
	}
	f.history = kept
	return true, nil
}

func (f *fakeStore) ResolutionStats(_ context.Context, documentID string) (store.ResolutionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := store.ResolutionStats{DocumentID: documentID}
	for _, c := range f.comments {
		if c.DocumentID != documentID {
			continue
		}
		switch c.Status {
		case store.StatusActive:
			stats.Active++
		case store.StatusResolved:
			stats.Resolved++
		case store.StatusArchived:
			stats.Archived++
		}
	}
	return stats, nil
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeStore) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[id].Status
}

type fakeDocs struct {
	mu       sync.Mutex
	contents map[string][]docstore.Content
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{contents: map[string][]docstore.Content{}}
}

func (f *fakeDocs) put(documentID, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents[documentID] = append(f.contents[documentID], docstore.Content{Title: documentID, Doc: []byte(doc)})
}

func (f *fakeDocs) Head(documentID string) (docstore.Content, docstore.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	revs := f.contents[documentID]
	if len(revs) == 0 {
		return docstore.Content{}, docstore.CommitInfo{}, docstore.ErrDocumentNotFound
	}
	return revs[len(revs)-1], commitFor(len(revs)), nil
}

func (f *fakeDocs) Tree(documentID string) (*anchor.Document, docstore.CommitInfo, error) {
	content, info, err := f.Head(documentID)
	if err != nil {
		return nil, docstore.CommitInfo{}, err
	}
	doc, err := anchor.ParseProseMirror(content.Doc)
	if err != nil {
		return nil, docstore.CommitInfo{}, err
	}
	return doc, info, nil
}

func (f *fakeDocs) Commit(documentID string, content docstore.Content, _, _ string) (docstore.CommitInfo, bool, error) {
	if _, err := anchor.ParseProseMirror(content.Doc); err != nil {
		return docstore.CommitInfo{}, false, docstore.ErrInvalidDocument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	revs := f.contents[documentID]
	if len(revs) > 0 && string(revs[len(revs)-1].Doc) == string(content.Doc) {
		return commitFor(len(revs)), false, nil
	}
	f.contents[documentID] = append(revs, content)
	return commitFor(len(revs) + 1), true, nil
}

func (f *fakeDocs) ContentAt(documentID, hash string) (docstore.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.contents[documentID] {
		if commitFor(i+1).Hash == hash {
			return c, nil
		}
	}
	return docstore.Content{}, docstore.ErrDocumentNotFound
}

func (f *fakeDocs) History(documentID string, _ int) ([]docstore.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]docstore.CommitInfo, 0)
	for i := len(f.contents[documentID]); i > 0; i-- {
		out = append(out, commitFor(i))
	}
	return out, nil
}

func commitFor(n int) docstore.CommitInfo {
	hash := string(rune('a'+n-1)) + "000000"
	return docstore.CommitInfo{Hash: hash, ShortHash: hash}
}

type fakeSearch struct {
	mu       sync.Mutex
	indexed  []string
	deleted  []string
	statuses map[string]string
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{statuses: map[string]string{}}
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexComment(c store.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, c.ID)
}

func (f *fakeSearch) UpdateStatus(ids []string, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.statuses[id] = status
	}
}

func (f *fakeSearch) DeleteComment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeFeed struct {
	mu     sync.Mutex
	rev    map[string]int64
	events []changefeed.Event
	err    error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{rev: map[string]int64{}}
}

func (f *fakeFeed) Publish(_ context.Context, ev changefeed.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.rev[ev.DocumentID]++
	ev.Revision = f.rev[ev.DocumentID]
	f.events = append(f.events, ev)
	return ev.Revision, nil
}

func (f *fakeFeed) Revision(_ context.Context, documentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rev[documentID], nil
}

func (f *fakeFeed) Recent(_ context.Context, documentID string, limit int) ([]changefeed.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]changefeed.Event, 0)
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.events[i].DocumentID == documentID {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

func (f *fakeFeed) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store  *fakeStore
	docs   *fakeDocs
	search *fakeSearch
	feed   *fakeFeed
	svc    *Service
}

func newFixture(comments ...store.Comment) *fixture {
	f := &fixture{
		store:  newFakeStore(comments...),
		docs:   newFakeDocs(),
		search: newFakeSearch(),
		feed:   newFakeFeed(),
	}
	f.docs.put("doc-1", testDoc)
	f.svc = NewService(config.Config{JWTSecret: testSecret}, Deps{
		Store:  f.store,
		Docs:   f.docs,
		Feed:   f.feed,
		Search: f.search,
		Logger: zerolog.Nop(),
	})
	return f
}

func (f *fixture) handler() *HTTPServer {
	return NewHTTPServer(f.svc, "*", zerolog.Nop())
}

func tokenFor(subject, name, role string) string {
	token, err := auth.IssueToken([]byte(testSecret), subject, name, role, time.Hour)
	if err != nil {
		panic(err)
	}
	return token
}

func anchored(id, text, status string, created time.Time) store.Comment {
	return store.Comment{
		ID:          id,
		DocumentID:  "doc-1",
		AuthorID:    "u-author",
		AuthorName:  "Ana",
		Content:     "note on " + text,
		ContentType: store.ContentText,
		Anchor:      &store.Anchor{Text: text},
		Status:      status,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

var errBoom = errors.New("boom")
