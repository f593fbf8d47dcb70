package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkwell/api/internal/anchor"
	"inkwell/api/internal/changefeed"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/resolution"
	"inkwell/api/internal/store"
)

var (
	editor    = Session{UserID: "u-editor", UserName: "Eda", Role: "editor"}
	commenter = Session{UserID: "u-commenter", UserName: "Cal", Role: "commenter"}
)

func requireDomainStatus(t *testing.T, err error, status int) {
	t.Helper()
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr), "expected DomainError, got %v", err)
	assert.Equal(t, status, domainErr.Status)
}

func TestCreateCommentFillsAnchorOffsetsFromHead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	c, err := f.svc.CreateComment(ctx, commenter, "doc-1", CreateCommentInput{
		Content: "  tighten this  ",
		Anchor:  &store.Anchor{Text: "quick"},
	})
	require.NoError(t, err)

	assert.Equal(t, "tighten this", c.Content)
	assert.Equal(t, store.ContentText, c.ContentType)
	assert.Equal(t, store.StatusActive, c.Status)
	require.NotNil(t, c.Anchor)
	require.NotNil(t, c.Anchor.Start)
	assert.Equal(t, 4, *c.Anchor.Start)
	assert.Equal(t, 9, *c.Anchor.End)
	doc, err := anchor.ParseProseMirror([]byte(testDoc))
	require.NoError(t, err)
	assert.Equal(t, "quick", anchor.Slice(doc, *c.Anchor.Start, *c.Anchor.End))
	assert.Equal(t, []string{c.ID}, f.search.indexed)
	assert.Equal(t, []string{changefeed.EventCreated}, f.feed.types())
}

func TestCreateCommentStoresBlankAnchorAsNone(t *testing.T) {
	f := newFixture()
	c, err := f.svc.CreateComment(context.Background(), commenter, "doc-1", CreateCommentInput{
		Content: "general remark",
		Anchor:  &store.Anchor{Text: "   "},
	})
	require.NoError(t, err)
	assert.Nil(t, c.Anchor)
}

func TestCreateCommentKeepsUnresolvableAnchorWithoutOffsets(t *testing.T) {
	f := newFixture()
	c, err := f.svc.CreateComment(context.Background(), commenter, "doc-1", CreateCommentInput{
		Content: "about a removed sentence",
		Anchor:  &store.Anchor{Text: "lazy dog"},
	})
	require.NoError(t, err)
	require.NotNil(t, c.Anchor)
	assert.Equal(t, "lazy dog", c.Anchor.Text)
	assert.Nil(t, c.Anchor.Start)
}

func TestCreateCommentValidation(t *testing.T) {
	other := anchored("cmt-other", "quick", store.StatusActive, time.Now())
	other.DocumentID = "doc-2"

	cases := []struct {
		name  string
		input CreateCommentInput
	}{
		{name: "empty content", input: CreateCommentInput{Content: "  "}},
		{name: "unknown type", input: CreateCommentInput{Content: "x", ContentType: "video"}},
		{name: "parent in another document", input: CreateCommentInput{Content: "x", ParentCommentID: "cmt-other"}},
		{name: "missing parent", input: CreateCommentInput{Content: "x", ParentCommentID: "cmt-nope"}},
		{name: "image from another document", input: CreateCommentInput{Content: "doc-2/att_1.png", ContentType: store.ContentImage}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(other)
			_, err := f.svc.CreateComment(context.Background(), commenter, "doc-1", tc.input)
			requireDomainStatus(t, err, http.StatusUnprocessableEntity)
			assert.Empty(t, f.feed.types())
		})
	}
}

func TestCreateReplyAppearsUnderParent(t *testing.T) {
	root := anchored("cmt-root", "quick", store.StatusActive, time.Now().Add(-time.Hour))
	f := newFixture(root)
	ctx := context.Background()

	reply, err := f.svc.CreateComment(ctx, commenter, "doc-1", CreateCommentInput{Content: "agreed", ParentCommentID: "cmt-root"})
	require.NoError(t, err)

	view, err := f.svc.ListThreads(ctx, "doc-1", nil)
	require.NoError(t, err)
	require.Len(t, view.Threads, 1)
	assert.Equal(t, 2, view.Total)
	assert.Equal(t, 1, view.Threads[0].ReplyCount)
	assert.Equal(t, reply.ID, view.Threads[0].Replies[0].ID)
	assert.Equal(t, int64(1), view.Revision)
}

func TestListThreadsRejectsUnknownStatus(t *testing.T) {
	f := newFixture()
	_, err := f.svc.ListThreads(context.Background(), "doc-1", []string{"open"})
	requireDomainStatus(t, err, http.StatusUnprocessableEntity)
}

func TestUpdateStatusMirrorsIntoSearchAndFeed(t *testing.T) {
	f := newFixture(anchored("cmt-1", "quick", store.StatusActive, time.Now()))
	ctx := context.Background()

	res, err := f.svc.UpdateStatus(ctx, commenter, "doc-1", "cmt-1", store.StatusResolved, "done")
	require.NoError(t, err)
	require.Len(t, res.Changed, 1)

	assert.Equal(t, store.StatusResolved, f.store.status("cmt-1"))
	assert.Equal(t, store.StatusResolved, f.search.statuses["cmt-1"])
	assert.Equal(t, []string{changefeed.EventStatusChanged}, f.feed.types())

	history, err := f.svc.CommentHistory(ctx, "doc-1", "cmt-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "u-commenter", history[0].ChangedBy)

	res, err = f.svc.UpdateStatus(ctx, commenter, "doc-1", "cmt-1", store.StatusResolved, "again")
	require.NoError(t, err)
	assert.Empty(t, res.Changed)
	assert.Len(t, f.feed.types(), 1, "a no-op must not publish")
}

func TestStatusChangesAreScopedToTheDocument(t *testing.T) {
	other := anchored("cmt-other", "quick", store.StatusActive, time.Now())
	other.DocumentID = "doc-2"
	f := newFixture(other)

	_, err := f.svc.UpdateStatus(context.Background(), editor, "doc-1", "cmt-other", store.StatusResolved, "")
	require.ErrorIs(t, err, resolution.ErrCommentNotFound)
	assert.Equal(t, store.StatusActive, f.store.status("cmt-other"))

	_, err = f.svc.CommentHistory(context.Background(), "doc-1", "cmt-other")
	requireDomainStatus(t, err, http.StatusNotFound)
}

func TestBulkResolveAppliesTemplate(t *testing.T) {
	now := time.Now()
	f := newFixture(
		anchored("cmt-1", "quick", store.StatusActive, now),
		anchored("cmt-2", "brown", store.StatusResolved, now),
	)
	res, err := f.svc.BulkResolve(context.Background(), editor, "doc-1", []string{"cmt-1", "cmt-2"}, "addressed")
	require.NoError(t, err)
	require.Len(t, res.Changed, 1)
	assert.Equal(t, []string{"cmt-2"}, res.Unchanged)

	history, err := f.svc.CommentHistory(context.Background(), "doc-1", "cmt-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "addressed", history[0].Metadata["template_id"])
	assert.Equal(t, true, history[0].Metadata["bulk_operation"])

	_, err = f.svc.BulkResolve(context.Background(), editor, "doc-1", nil, "addressed")
	requireDomainStatus(t, err, http.StatusUnprocessableEntity)
}

func TestAutoResolveOnlyTouchesStaleActiveComments(t *testing.T) {
	old := time.Now().Add(-40 * 24 * time.Hour)
	f := newFixture(
		anchored("cmt-old", "quick", store.StatusActive, old),
		anchored("cmt-old-archived", "brown", store.StatusArchived, old),
		anchored("cmt-new", "fox", store.StatusActive, time.Now()),
	)
	res, err := f.svc.AutoResolve(context.Background(), editor, "doc-1", 30)
	require.NoError(t, err)
	require.Len(t, res.Changed, 1)
	assert.Equal(t, "cmt-old", res.Changed[0].CommentID)
	assert.Equal(t, store.StatusArchived, f.store.status("cmt-old-archived"))
	assert.Equal(t, store.StatusActive, f.store.status("cmt-new"))

	_, err = f.svc.AutoResolve(context.Background(), editor, "doc-1", 0)
	require.ErrorIs(t, err, resolution.ErrInvalidThreshold)
}

func TestDeleteCommentPermissions(t *testing.T) {
	f := newFixture(anchored("cmt-1", "quick", store.StatusActive, time.Now()))
	ctx := context.Background()

	err := f.svc.DeleteComment(ctx, commenter, "doc-1", "cmt-1")
	requireDomainStatus(t, err, http.StatusForbidden)

	author := Session{UserID: "u-author", UserName: "Ana", Role: "commenter"}
	require.NoError(t, f.svc.DeleteComment(ctx, author, "doc-1", "cmt-1"))
	assert.Equal(t, []string{"cmt-1"}, f.search.deleted)
	assert.Equal(t, []string{changefeed.EventDeleted}, f.feed.types())

	err = f.svc.DeleteComment(ctx, editor, "doc-1", "cmt-1")
	requireDomainStatus(t, err, http.StatusNotFound)
}

func TestSuggestionsDefaultToUnresolvedComments(t *testing.T) {
	now := time.Now()
	f := newFixture(
		anchored("cmt-old", "quick", store.StatusActive, now.Add(-40*24*time.Hour)),
		anchored("cmt-done", "brown", store.StatusResolved, now),
	)
	ctx := context.Background()

	got, err := f.svc.Suggestions(ctx, "doc-1", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, resolution.Suggestion{
		CommentID:  "cmt-old",
		Action:     resolution.ActionArchive,
		Confidence: 0.8,
		Reason:     "Older than 30 days with no replies",
	}, got[0])

	got, err = f.svc.Suggestions(ctx, "doc-1", []string{"cmt-done"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cmt-done", got[0].CommentID)
}

func TestDecorationsSkipResolvedAndReportOrphans(t *testing.T) {
	now := time.Now()
	f := newFixture(
		anchored("cmt-active", "quick", store.StatusActive, now),
		anchored("cmt-archived", "brown", store.StatusArchived, now.Add(time.Second)),
		anchored("cmt-resolved", "fox", store.StatusResolved, now.Add(2*time.Second)),
		anchored("cmt-gone", "lazy dog", store.StatusActive, now.Add(3*time.Second)),
	)

	view, err := f.svc.Decorations(context.Background(), "doc-1", nil, "cmt-archived")
	require.NoError(t, err)

	type span struct {
		ID       string
		From, To int
		Color    string
	}
	got := make([]span, 0, len(view.Decorations))
	for _, d := range view.Decorations {
		got = append(got, span{ID: d.CommentID, From: d.From, To: d.To, Color: d.Color})
	}
	want := []span{
		{ID: "cmt-active", From: 5, To: 10, Color: "rgba(255, 212, 0, 0.3)"},
		{ID: "cmt-archived", From: 11, To: 16, Color: "rgba(156, 163, 175, 0.4)"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("decorations mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"cmt-gone"}, view.Orphans)
	assert.Equal(t, "a000000", view.Commit.Hash)
}

func TestDecorationsUseInlineDocument(t *testing.T) {
	f := newFixture(anchored("cmt-gone", "lazy dog", store.StatusActive, time.Now()))
	inline := []byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"a lazy dog"}]}]}`)

	view, err := f.svc.Decorations(context.Background(), "doc-1", inline, "")
	require.NoError(t, err)
	require.Len(t, view.Decorations, 1)
	assert.Equal(t, 3, view.Decorations[0].From)
	assert.Empty(t, view.Orphans)

	_, err = f.svc.Decorations(context.Background(), "doc-1", []byte(`{"content":[]}`), "")
	requireDomainStatus(t, err, http.StatusUnprocessableEntity)
}

func TestHitRoutesPositionAndMarkers(t *testing.T) {
	now := time.Now()
	f := newFixture(
		anchored("cmt-active", "quick", store.StatusActive, now),
		anchored("cmt-resolved", "brown", store.StatusResolved, now),
	)
	ctx := context.Background()

	cases := []struct {
		name string
		req  HitRequest
		want string
	}{
		{name: "position inside highlight", req: HitRequest{Pos: 6}, want: "cmt-active"},
		{name: "position outside highlight", req: HitRequest{Pos: 12}},
		{name: "marker on ancestor", req: HitRequest{Pos: 0, Markers: []string{"", "", "cmt-active"}}, want: "cmt-active"},
		{name: "resolved marker ignored", req: HitRequest{Pos: 0, Markers: []string{"cmt-resolved"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.svc.Hit(ctx, "doc-1", tc.req)
			require.NoError(t, err)
			if tc.want == "" {
				assert.False(t, got.Found)
				return
			}
			require.True(t, got.Found)
			assert.Equal(t, tc.want, got.Comment.ID)
		})
	}
}

func TestPutContentCountsOrphanedAnchors(t *testing.T) {
	f := newFixture(
		anchored("cmt-1", "quick", store.StatusActive, time.Now()),
		anchored("cmt-2", "brown", store.StatusActive, time.Now()),
	)
	ctx := context.Background()
	next := docstore.Content{Title: "Draft", Doc: []byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"The slow brown fox"}]}]}`)}

	_, err := f.svc.PutContent(ctx, commenter, "doc-1", next, "")
	requireDomainStatus(t, err, http.StatusForbidden)

	out, err := f.svc.PutContent(ctx, editor, "doc-1", next, "")
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, 1, out.Orphaned)
	assert.Equal(t, int64(1), out.Revision)

	out, err = f.svc.PutContent(ctx, editor, "doc-1", next, "")
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, []string{changefeed.EventContentSaved}, f.feed.types())
}

func TestFeedFailureDoesNotFailMutation(t *testing.T) {
	f := newFixture(anchored("cmt-1", "quick", store.StatusActive, time.Now()))
	f.feed.err = errBoom

	_, err := f.svc.UpdateStatus(context.Background(), commenter, "doc-1", "cmt-1", store.StatusArchived, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusArchived, f.store.status("cmt-1"))
}

func TestRevisionIncludesHeadAndRecentEvents(t *testing.T) {
	f := newFixture(anchored("cmt-1", "quick", store.StatusActive, time.Now()))
	_, err := f.svc.UpdateStatus(context.Background(), commenter, "doc-1", "cmt-1", store.StatusResolved, "")
	require.NoError(t, err)

	view, err := f.svc.Revision(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Revision)
	assert.Equal(t, "a000000", view.Head)
	require.Len(t, view.Recent, 1)
	assert.Equal(t, []string{"cmt-1"}, view.Recent[0].CommentIDs)
}
