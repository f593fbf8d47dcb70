package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"inkwell/api/internal/anchor"
	"inkwell/api/internal/decorate"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/store"
	"inkwell/api/internal/thread"
)

// CommentStore lists a document's comments.
type CommentStore interface {
	ListComments(ctx context.Context, filter store.CommentFilter) ([]store.Comment, error)
}

// ContentSource reads document revisions.
type ContentSource interface {
	Head(documentID string) (docstore.Content, docstore.CommitInfo, error)
	ContentAt(documentID, hash string) (docstore.Content, error)
}

// PDFRenderer turns an HTML page into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

// Service provides document export functionality
type Service struct {
	comments CommentStore
	content  ContentSource
	pdf      PDFRenderer
	now      func() time.Time
}

// NewService creates a new export service
func NewService(comments CommentStore, content ContentSource) *Service {
	return &Service{comments: comments, content: content, pdf: renderPDF, now: time.Now}
}

// WithPDFRenderer swaps the headless browser, mainly for tests.
func (s *Service) WithPDFRenderer(r PDFRenderer) *Service {
	s.pdf = r
	return s
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatHTML && req.Format != FormatPDF {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	content, revision, err := s.load(req)
	if err != nil {
		return nil, err
	}
	doc, err := anchor.ParseProseMirror(content.Doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	comments, err := s.comments.ListComments(ctx, store.CommentFilter{DocumentID: req.DocumentID})
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	html, err := s.renderPage(req, content.Title, revision, doc, comments)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := firstNonEmpty(content.Title, req.DocumentID)
	switch req.Format {
	case FormatPDF:
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return &Result{Data: []byte(html), Filename: sanitizeFilename(title) + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}
}

func (s *Service) load(req Request) (docstore.Content, string, error) {
	if req.Version == "" || req.Version == "latest" {
		content, info, err := s.content.Head(req.DocumentID)
		if err != nil {
			if errors.Is(err, docstore.ErrDocumentNotFound) {
				return docstore.Content{}, "", err
			}
			return docstore.Content{}, "", fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
		return content, info.ShortHash, nil
	}
	content, err := s.content.ContentAt(req.DocumentID, req.Version)
	if err != nil {
		if errors.Is(err, docstore.ErrDocumentNotFound) {
			return docstore.Content{}, "", err
		}
		return docstore.Content{}, "", fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	return content, req.Version, nil
}

func (s *Service) renderPage(req Request, title, revision string, doc *anchor.Document, comments []store.Comment) (string, error) {
	orphaned := make(map[string]bool)
	for _, c := range decorate.Orphans(doc, comments) {
		orphaned[c.ID] = true
	}

	listed := make([]store.Comment, 0, len(comments))
	open := 0
	for _, c := range comments {
		if c.Status != store.StatusResolved {
			open++
		} else if !req.IncludeResolved {
			continue
		}
		listed = append(listed, c)
	}

	var threads, orphans []TemplateThread
	for _, root := range thread.Assemble(listed) {
		t := templateThread(root, orphaned)
		if t.Orphaned {
			orphans = append(orphans, t)
			continue
		}
		threads = append(threads, t)
	}

	return RenderDocumentHTML(TemplateData{
		Title:       firstNonEmpty(title, req.DocumentID),
		Revision:    revision,
		ExportedAt:  s.now().UTC(),
		ContentHTML: template.HTML(RenderHTML(doc, decorate.Compose(doc, comments, ""))),
		OpenCount:   open,
		TotalCount:  len(comments),
		Threads:     threads,
		Orphans:     orphans,
	})
}
