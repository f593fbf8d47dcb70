package app

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inkwell/api/internal/anchor"
	"inkwell/api/internal/attachments"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/changefeed"
	"inkwell/api/internal/config"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/export"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/resolution"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

// Session is the caller identity carried by a bearer token.
type Session struct {
	UserID   string
	UserName string
	Role     string
	TokenID  string
}

func (s Session) actor() resolution.Actor {
	return resolution.Actor{ID: s.UserID, Name: s.UserName, Role: s.Role}
}

// DataStore is the relational store behind the service.
type DataStore interface {
	resolution.Store
	InsertComment(context.Context, store.Comment) error
	ListComments(context.Context, store.CommentFilter) ([]store.Comment, error)
	DeleteComment(context.Context, string, string) (bool, error)
	ListStatusHistory(context.Context, string) ([]store.StatusHistoryEntry, error)
	ListResolutionTemplates(context.Context) ([]store.ResolutionTemplate, error)
	ResolutionStats(context.Context, string) (store.ResolutionStats, error)
	Ping(context.Context) error
}

// DocumentStore holds versioned document content.
type DocumentStore interface {
	Head(documentID string) (docstore.Content, docstore.CommitInfo, error)
	Tree(documentID string) (*anchor.Document, docstore.CommitInfo, error)
	Commit(documentID string, content docstore.Content, author, message string) (docstore.CommitInfo, bool, error)
	ContentAt(documentID, hash string) (docstore.Content, error)
	History(documentID string, limit int) ([]docstore.CommitInfo, error)
}

// SearchIndex is the comment search facade.
type SearchIndex interface {
	Search(q search.Query) search.Response
	IndexComment(c store.Comment)
	UpdateStatus(ids []string, status string)
	DeleteComment(id string)
}

// AttachmentStore keeps image comment payloads.
type AttachmentStore interface {
	Put(ctx context.Context, documentID, declaredType string, r io.Reader) (attachments.Object, error)
	URL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

type Deps struct {
	Store       DataStore
	Docs        DocumentStore
	Feed        changefeed.Feed
	Search      SearchIndex
	Attachments AttachmentStore
	Logger      zerolog.Logger
}

type Service struct {
	cfg         config.Config
	store       DataStore
	docs        DocumentStore
	feed        changefeed.Feed
	search      SearchIndex
	attachments AttachmentStore
	resolution  *resolution.Service
	export      *export.Service
	log         zerolog.Logger
	now         func() time.Time
}

func NewService(cfg config.Config, deps Deps) *Service {
	feed := deps.Feed
	if feed == nil {
		feed = changefeed.Nop{}
	}
	idx := deps.Search
	if idx == nil {
		idx = search.NewService(nil, nil, deps.Logger)
	}
	att := deps.Attachments
	if att == nil {
		att = (*attachments.Store)(nil)
	}
	svc := &Service{
		cfg:         cfg,
		store:       deps.Store,
		docs:        deps.Docs,
		feed:        feed,
		search:      idx,
		attachments: att,
		resolution:  resolution.NewService(deps.Store, deps.Logger),
		log:         deps.Logger.With().Str("component", "app").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if deps.Docs != nil {
		svc.export = export.NewService(deps.Store, deps.Docs)
	}
	return svc
}

// Resolution exposes the state machine for background sweeps.
func (s *Service) Resolution() *resolution.Service {
	return s.resolution
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// FeedPing reports Redis health when the change feed is Redis backed.
func (s *Service) FeedPing(ctx context.Context) (bool, error) {
	p, ok := s.feed.(interface{ Ping(context.Context) error })
	if !ok {
		return false, nil
	}
	return true, p.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Subject
	}
	return Session{
		UserID:   claims.Subject,
		UserName: name,
		Role:     string(rbac.Normalize(claims.Role)),
		TokenID:  claims.ID,
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) ListResolutionTemplates(ctx context.Context) ([]store.ResolutionTemplate, error) {
	return s.store.ListResolutionTemplates(ctx)
}

// publish records a change on the feed. Failures are logged; the feed is
// advisory.
func (s *Service) publish(ctx context.Context, ev changefeed.Event) int64 {
	ev.At = s.now()
	rev, err := s.feed.Publish(ctx, ev)
	if err != nil {
		s.log.Warn().Err(err).Str("document_id", ev.DocumentID).Str("event", ev.Type).Msg("change feed publish failed")
	}
	return rev
}

// AfterStatusChange mirrors a resolution result into search and the feed.
func (s *Service) AfterStatusChange(ctx context.Context, actor resolution.Actor, res resolution.Result) {
	if len(res.Changed) == 0 {
		return
	}
	byDoc := make(map[string][]string)
	order := make([]string, 0)
	ids := make([]string, 0, len(res.Changed))
	for _, t := range res.Changed {
		if _, ok := byDoc[t.DocumentID]; !ok {
			order = append(order, t.DocumentID)
		}
		byDoc[t.DocumentID] = append(byDoc[t.DocumentID], t.CommentID)
		ids = append(ids, t.CommentID)
	}
	s.search.UpdateStatus(ids, res.Status)
	for _, docID := range order {
		s.publish(ctx, changefeed.Event{
			Type:       changefeed.EventStatusChanged,
			DocumentID: docID,
			CommentIDs: byDoc[docID],
			Status:     res.Status,
			Actor:      actor.ID,
		})
	}
}
