package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"inkwell/api/internal/anchor"
	"inkwell/api/internal/attachments"
	"inkwell/api/internal/changefeed"
	"inkwell/api/internal/decorate"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/resolution"
	"inkwell/api/internal/store"
	"inkwell/api/internal/thread"
	"inkwell/api/internal/util"
)

const maxCommentLength = 10000

var allowedContentTypes = map[string]struct{}{
	store.ContentText:       {},
	store.ContentImage:      {},
	store.ContentSuggestion: {},
}

type CreateCommentInput struct {
	Content         string         `json:"content"`
	ContentType     string         `json:"contentType"`
	Anchor          *store.Anchor  `json:"anchor"`
	ParentCommentID string         `json:"parentCommentId"`
	Priority        string         `json:"priority"`
	Classification  string         `json:"classification"`
	Metadata        map[string]any `json:"metadata"`
}

// ThreadView is the threaded comment listing for one document.
type ThreadView struct {
	Threads   []*thread.Node    `json:"threads"`
	Total     int               `json:"total"`
	ImageURLs map[string]string `json:"imageUrls"`
	Revision  int64             `json:"revision"`
}

func (s *Service) ListThreads(ctx context.Context, documentID string, statuses []string) (ThreadView, error) {
	for _, st := range statuses {
		if !resolution.ValidStatus(st) {
			return ThreadView{}, validationError("unknown status filter", map[string]string{"status": st})
		}
	}
	comments, err := s.store.ListComments(ctx, store.CommentFilter{DocumentID: documentID, Statuses: statuses})
	if err != nil {
		return ThreadView{}, fmt.Errorf("list comments: %w", err)
	}

	view := ThreadView{Threads: thread.Assemble(comments), Total: len(comments), ImageURLs: s.presignImages(ctx, comments)}
	if view.Revision, err = s.feed.Revision(ctx, documentID); err != nil {
		s.log.Warn().Err(err).Str("document_id", documentID).Msg("read change feed revision")
	}
	return view, nil
}

// presignImages resolves read URLs for image comments, a few at a time.
// Comments whose URL cannot be signed are left out.
func (s *Service) presignImages(ctx context.Context, comments []store.Comment) map[string]string {
	type signed struct{ id, url string }
	images := make([]store.Comment, 0)
	for _, c := range comments {
		if c.ContentType == store.ContentImage {
			images = append(images, c)
		}
	}
	results := make([]signed, len(images))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range images {
		g.Go(func() error {
			u, err := s.attachments.URL(gCtx, c.Content)
			if err != nil {
				s.log.Debug().Err(err).Str("comment_id", c.ID).Msg("presign image comment")
				return nil
			}
			results[i] = signed{id: c.ID, url: u}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]string, len(results))
	for _, r := range results {
		if r.id != "" {
			out[r.id] = r.url
		}
	}
	return out
}

func (s *Service) CreateComment(ctx context.Context, session Session, documentID string, input CreateCommentInput) (store.Comment, error) {
	content := strings.TrimSpace(input.Content)
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = store.ContentText
	}
	if _, ok := allowedContentTypes[contentType]; !ok {
		return store.Comment{}, validationError("contentType must be text, image or suggestion", nil)
	}
	if content == "" {
		return store.Comment{}, validationError("content is required", nil)
	}
	if len(content) > maxCommentLength {
		return store.Comment{}, validationError("content is too long", map[string]int{"max": maxCommentLength})
	}
	if contentType == store.ContentImage && !attachments.OwnedBy(content, documentID) {
		return store.Comment{}, validationError("image comments must reference an attachment of this document", nil)
	}

	now := s.now()
	c := store.Comment{
		ID:             util.NewID("cmt"),
		DocumentID:     documentID,
		AuthorID:       session.UserID,
		AuthorName:     session.UserName,
		Content:        content,
		ContentType:    contentType,
		Status:         store.StatusActive,
		Priority:       strings.TrimSpace(input.Priority),
		Classification: strings.TrimSpace(input.Classification),
		Metadata:       input.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if parentID := strings.TrimSpace(input.ParentCommentID); parentID != "" {
		parent, err := s.store.GetComment(ctx, parentID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parent.DocumentID != documentID) {
			return store.Comment{}, validationError("parent comment not found in this document", map[string]string{"parentCommentId": parentID})
		}
		if err != nil {
			return store.Comment{}, fmt.Errorf("lookup parent: %w", err)
		}
		c.ParentCommentID = &parentID
	}

	c.Anchor = s.normalizeAnchor(documentID, input.Anchor)

	if err := s.store.InsertComment(ctx, c); err != nil {
		return store.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	s.search.IndexComment(c)
	s.publish(ctx, changefeed.Event{
		Type:       changefeed.EventCreated,
		DocumentID: documentID,
		CommentIDs: []string{c.ID},
		Status:     c.Status,
		Actor:      session.UserID,
	})
	return c, nil
}

// normalizeAnchor drops blank snapshots and fills missing offsets from the
// current head when the snapshot resolves there. Stored offsets are flat
// character offsets, not editor positions.
func (s *Service) normalizeAnchor(documentID string, in *store.Anchor) *store.Anchor {
	if in == nil || strings.TrimSpace(in.Text) == "" {
		return nil
	}
	out := &store.Anchor{Text: in.Text, Start: in.Start, End: in.End}
	if out.Start != nil && out.End != nil {
		return out
	}
	if s.docs == nil {
		return out
	}
	doc, _, err := s.docs.Tree(documentID)
	if err != nil {
		return out
	}
	if r, ok := anchor.Resolve(doc, in.Text); ok {
		start, end := r.FlatStart, r.FlatEnd
		out.Start, out.End = &start, &end
	}
	return out
}

// DeleteComment removes a comment and its history. Authors may delete their
// own comments; anyone else needs edit rights.
func (s *Service) DeleteComment(ctx context.Context, session Session, documentID, commentID string) error {
	c, err := s.commentInDocument(ctx, documentID, commentID)
	if err != nil {
		return err
	}
	if c.AuthorID != session.UserID && !s.Can(session.Role, rbac.ActionEdit) {
		return forbidden("Only the author or an editor can delete this comment")
	}
	deleted, err := s.store.DeleteComment(ctx, documentID, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if !deleted {
		return notFound("Comment not found")
	}
	if c.ContentType == store.ContentImage {
		if err := s.attachments.Delete(ctx, c.Content); err != nil && !errors.Is(err, attachments.ErrNotConfigured) {
			s.log.Warn().Err(err).Str("comment_id", c.ID).Msg("remove image attachment")
		}
	}
	s.search.DeleteComment(commentID)
	s.publish(ctx, changefeed.Event{
		Type:       changefeed.EventDeleted,
		DocumentID: documentID,
		CommentIDs: []string{commentID},
		Actor:      session.UserID,
	})
	return nil
}

func (s *Service) commentInDocument(ctx context.Context, documentID, commentID string) (store.Comment, error) {
	c, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && c.DocumentID != documentID) {
		return store.Comment{}, notFound("Comment not found")
	}
	if err != nil {
		return store.Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

func (s *Service) CommentHistory(ctx context.Context, documentID, commentID string) ([]store.StatusHistoryEntry, error) {
	if _, err := s.commentInDocument(ctx, documentID, commentID); err != nil {
		return nil, err
	}
	return s.store.ListStatusHistory(ctx, commentID)
}

func (s *Service) ResolutionStats(ctx context.Context, documentID string) (store.ResolutionStats, error) {
	return s.store.ResolutionStats(ctx, documentID)
}

func (s *Service) UpdateStatus(ctx context.Context, session Session, documentID, commentID, status, reason string) (resolution.Result, error) {
	res, err := s.resolution.ForDocument(documentID).UpdateStatus(ctx, session.actor(), commentID, status, reason)
	if err != nil {
		return resolution.Result{}, err
	}
	s.AfterStatusChange(ctx, session.actor(), res)
	return res, nil
}

func (s *Service) Resolve(ctx context.Context, session Session, documentID, commentID, reason, templateID string) (resolution.Result, error) {
	res, err := s.resolution.ForDocument(documentID).ResolveWithReason(ctx, session.actor(), commentID, reason, templateID)
	if err != nil {
		return resolution.Result{}, err
	}
	s.AfterStatusChange(ctx, session.actor(), res)
	return res, nil
}

func (s *Service) BulkUpdateStatus(ctx context.Context, session Session, documentID string, ids []string, status, reason string) (resolution.Result, error) {
	if len(ids) == 0 {
		return resolution.Result{}, validationError("commentIds is required", nil)
	}
	res, err := s.resolution.ForDocument(documentID).BulkUpdateStatus(ctx, session.actor(), ids, status, reason)
	if err != nil {
		return resolution.Result{}, err
	}
	s.AfterStatusChange(ctx, session.actor(), res)
	return res, nil
}

func (s *Service) BulkResolve(ctx context.Context, session Session, documentID string, ids []string, templateID string) (resolution.Result, error) {
	if len(ids) == 0 {
		return resolution.Result{}, validationError("commentIds is required", nil)
	}
	res, err := s.resolution.ForDocument(documentID).BulkResolveWithTemplate(ctx, session.actor(), ids, templateID)
	if err != nil {
		return resolution.Result{}, err
	}
	s.AfterStatusChange(ctx, session.actor(), res)
	return res, nil
}

func (s *Service) AutoResolve(ctx context.Context, session Session, documentID string, days int) (resolution.Result, error) {
	res, err := s.resolution.ForDocument(documentID).AutoResolveOlderThan(ctx, session.actor(), documentID, days)
	if err != nil {
		return resolution.Result{}, err
	}
	s.AfterStatusChange(ctx, session.actor(), res)
	return res, nil
}

// Suggestions recommends an action for the requested comments, or for every
// unresolved comment when ids is empty.
func (s *Service) Suggestions(ctx context.Context, documentID string, ids []string) ([]resolution.Suggestion, error) {
	comments, err := s.store.ListComments(ctx, store.CommentFilter{DocumentID: documentID})
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	all, err := s.resolution.SuggestActions(ctx, comments)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	status := make(map[string]string, len(comments))
	for _, c := range comments {
		status[c.ID] = c.Status
	}
	out := make([]resolution.Suggestion, 0, len(all))
	for _, sg := range all {
		if len(wanted) > 0 {
			if wanted[sg.CommentID] {
				out = append(out, sg)
			}
			continue
		}
		if status[sg.CommentID] != store.StatusResolved {
			out = append(out, sg)
		}
	}
	return out, nil
}

// OrphanReport lists unresolved comments whose anchor no longer resolves in
// the head revision.
type OrphanReport struct {
	Commit   docstore.CommitInfo `json:"commit"`
	Orphans  []store.Comment     `json:"orphans"`
	Anchored int                 `json:"anchored"`
}

func (s *Service) Orphans(ctx context.Context, documentID string) (OrphanReport, error) {
	doc, info, comments, err := s.loadDocumentAndComments(ctx, documentID, nil, []string{store.StatusActive, store.StatusArchived})
	if err != nil {
		return OrphanReport{}, err
	}
	anchored := 0
	for _, c := range comments {
		if c.Anchor != nil {
			anchored++
		}
	}
	return OrphanReport{Commit: info, Orphans: decorate.Orphans(doc, comments), Anchored: anchored}, nil
}
