package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"inkwell/api/internal/anchor"
	"inkwell/api/internal/attachments"
	"inkwell/api/internal/changefeed"
	"inkwell/api/internal/decorate"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/export"
	"inkwell/api/internal/hittest"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/resolution"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

const recentEventLimit = 20

type ContentView struct {
	docstore.Content
	Commit docstore.CommitInfo `json:"commit"`
}

type SaveContentResult struct {
	Commit   docstore.CommitInfo `json:"commit"`
	Changed  bool                `json:"changed"`
	Revision int64               `json:"revision"`
	Orphaned int                 `json:"orphaned"`
}

type DecorationsView struct {
	Decorations []decorate.Decoration `json:"decorations"`
	Orphans     []string              `json:"orphans"`
	Commit      docstore.CommitInfo   `json:"commit"`
}

// HitRequest locates a pointer event. Pos is a document position; Markers
// lists the comment markers of the event target and its ancestors, target
// first, with "" for unmarked elements.
type HitRequest struct {
	Pos     int             `json:"pos"`
	Markers []string        `json:"markers"`
	Doc     json.RawMessage `json:"doc"`
}

type HitResult struct {
	Found   bool           `json:"found"`
	Comment *store.Comment `json:"comment,omitempty"`
}

type RevisionView struct {
	Revision int64              `json:"revision"`
	Head     string             `json:"head,omitempty"`
	Recent   []changefeed.Event `json:"recent"`
}

func (s *Service) requireDocs() error {
	if s.docs == nil {
		return domainError(http.StatusServiceUnavailable, "DOCUMENTS_UNAVAILABLE", "Document storage is not configured", nil)
	}
	return nil
}

func (s *Service) GetContent(documentID, version string) (ContentView, error) {
	if err := s.requireDocs(); err != nil {
		return ContentView{}, err
	}
	if version == "" || version == "latest" {
		content, info, err := s.docs.Head(documentID)
		if err != nil {
			return ContentView{}, err
		}
		return ContentView{Content: content, Commit: info}, nil
	}
	content, err := s.docs.ContentAt(documentID, version)
	if err != nil {
		return ContentView{}, err
	}
	return ContentView{Content: content, Commit: docstore.CommitInfo{Hash: version}}, nil
}

func (s *Service) ContentHistory(documentID string, limit int) ([]docstore.CommitInfo, error) {
	if err := s.requireDocs(); err != nil {
		return nil, err
	}
	return s.docs.History(documentID, limit)
}

// PutContent commits new document content and reports how many unresolved
// comments lost their anchor in the process.
func (s *Service) PutContent(ctx context.Context, session Session, documentID string, content docstore.Content, message string) (SaveContentResult, error) {
	if err := s.requireDocs(); err != nil {
		return SaveContentResult{}, err
	}
	if !s.Can(session.Role, rbac.ActionEdit) {
		return SaveContentResult{}, forbidden("Editing documents requires editor access")
	}
	if strings.TrimSpace(message) == "" {
		message = "Update content"
	}
	info, changed, err := s.docs.Commit(documentID, content, session.UserName, message)
	if err != nil {
		return SaveContentResult{}, err
	}
	out := SaveContentResult{Commit: info, Changed: changed}
	if !changed {
		out.Revision, _ = s.feed.Revision(ctx, documentID)
		return out, nil
	}

	doc, err := anchor.ParseProseMirror(content.Doc)
	if err != nil {
		return SaveContentResult{}, fmt.Errorf("%w: %v", docstore.ErrInvalidDocument, err)
	}
	comments, err := s.store.ListComments(ctx, store.CommentFilter{
		DocumentID: documentID,
		Statuses:   []string{store.StatusActive, store.StatusArchived},
	})
	if err != nil {
		return SaveContentResult{}, fmt.Errorf("list comments: %w", err)
	}
	out.Orphaned = len(decorate.Orphans(doc, comments))
	out.Revision = s.publish(ctx, changefeed.Event{
		Type:       changefeed.EventContentSaved,
		DocumentID: documentID,
		CommentIDs: []string{},
		Actor:      session.UserID,
	})
	return out, nil
}

// loadDocumentAndComments reads the tree and the comments concurrently. An
// inline doc overrides the stored head.
func (s *Service) loadDocumentAndComments(ctx context.Context, documentID string, inline json.RawMessage, statuses []string) (*anchor.Document, docstore.CommitInfo, []store.Comment, error) {
	var (
		doc      *anchor.Document
		info     docstore.CommitInfo
		comments []store.Comment
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(inline) > 0 && string(inline) != "null" {
			parsed, err := anchor.ParseProseMirror(inline)
			if err != nil {
				return validationError("doc is not a valid ProseMirror document", nil)
			}
			doc = parsed
			return nil
		}
		if err := s.requireDocs(); err != nil {
			return err
		}
		tree, head, err := s.docs.Tree(documentID)
		if err != nil {
			return err
		}
		doc, info = tree, head
		return nil
	})
	g.Go(func() error {
		list, err := s.store.ListComments(gCtx, store.CommentFilter{DocumentID: documentID, Statuses: statuses})
		if err != nil {
			return fmt.Errorf("list comments: %w", err)
		}
		comments = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, docstore.CommitInfo{}, nil, err
	}
	return doc, info, comments, nil
}

func (s *Service) Decorations(ctx context.Context, documentID string, inline json.RawMessage, highlightedID string) (DecorationsView, error) {
	doc, info, comments, err := s.loadDocumentAndComments(ctx, documentID, inline, nil)
	if err != nil {
		return DecorationsView{}, err
	}
	ids := make([]string, 0)
	for _, c := range decorate.Orphans(doc, comments) {
		if c.Status != store.StatusResolved {
			ids = append(ids, c.ID)
		}
	}
	return DecorationsView{
		Decorations: decorate.Compose(doc, comments, highlightedID),
		Orphans:     ids,
		Commit:      info,
	}, nil
}

// Hit routes a pointer event to the comment under it.
func (s *Service) Hit(ctx context.Context, documentID string, req HitRequest) (HitResult, error) {
	if req.Pos < 0 {
		return HitResult{}, validationError("pos must not be negative", nil)
	}
	doc, _, comments, err := s.loadDocumentAndComments(ctx, documentID, req.Doc, nil)
	if err != nil {
		return HitResult{}, err
	}
	surface := hittest.NewRangeSurface(decorate.Compose(doc, comments, ""))
	c, ok := hittest.Route(targetChain(req.Markers), hittest.Point{X: float64(req.Pos)}, surface, hittest.NewIndex(comments))
	if !ok {
		return HitResult{}, nil
	}
	return HitResult{Found: true, Comment: &c}, nil
}

// targetChain links markers into an element with its ancestors.
func targetChain(markers []string) hittest.Element {
	if len(markers) == 0 {
		return nil
	}
	var up *hittest.Node
	for i := len(markers) - 1; i >= 0; i-- {
		up = &hittest.Node{Marker: strings.TrimSpace(markers[i]), Up: up}
	}
	return up
}

func (s *Service) UploadAttachment(ctx context.Context, session Session, documentID, declaredType string, r io.Reader) (attachments.Object, error) {
	if !s.Can(session.Role, rbac.ActionComment) {
		return attachments.Object{}, forbidden("Uploading requires comment access")
	}
	return s.attachments.Put(ctx, documentID, declaredType, r)
}

func (s *Service) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	if s.export == nil {
		return nil, s.requireDocs()
	}
	return s.export.Export(ctx, req)
}

func (s *Service) Search(q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, validationError("q is required", nil)
	}
	for _, st := range q.Statuses {
		if !resolution.ValidStatus(st) {
			return search.Response{}, validationError("unknown status filter", map[string]string{"status": st})
		}
	}
	return s.search.Search(q), nil
}

// Revision lets a client check its snapshot against the latest change.
func (s *Service) Revision(ctx context.Context, documentID string) (RevisionView, error) {
	rev, err := s.feed.Revision(ctx, documentID)
	if err != nil {
		return RevisionView{}, fmt.Errorf("read revision: %w", err)
	}
	recent, err := s.feed.Recent(ctx, documentID, recentEventLimit)
	if err != nil {
		return RevisionView{}, fmt.Errorf("read recent events: %w", err)
	}
	view := RevisionView{Revision: rev, Recent: recent}
	if s.docs != nil {
		if _, info, err := s.docs.Head(documentID); err == nil {
			view.Head = info.Hash
		} else if !errors.Is(err, docstore.ErrDocumentNotFound) {
			s.log.Warn().Err(err).Str("document_id", documentID).Msg("read document head")
		}
	}
	return view, nil
}
