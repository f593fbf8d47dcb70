// Package resolution moves comments between active, resolved and archived
// and records every real change in the status history ledger.
package resolution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inkwell/api/internal/rbac"
	"inkwell/api/internal/store"
)

type Store interface {
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	GetCommentsByIDs(ctx context.Context, ids []string) ([]store.Comment, error)
	UpdateCommentStatus(ctx context.Context, commentID, status string) (bool, error)
	BulkUpdateCommentStatus(ctx context.Context, ids []string, status string) (int64, error)
	ListActiveCommentsOlderThan(ctx context.Context, documentID string, cutoff time.Time) ([]store.Comment, error)
	InsertStatusHistory(ctx context.Context, entries []store.StatusHistoryEntry) error
	GetResolutionTemplate(ctx context.Context, templateID string) (store.ResolutionTemplate, error)
	CommentsWithPriorResolution(ctx context.Context, ids []string) (map[string]bool, error)
}

type Actor struct {
	ID   string
	Name string
	Role string
}

// SystemActor performs scheduled sweeps.
var SystemActor = Actor{ID: "system", Name: "Inkwell", Role: "system"}

type Transition struct {
	CommentID  string `json:"commentId"`
	DocumentID string `json:"documentId"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type Result struct {
	Status    string       `json:"status"`
	Changed   []Transition `json:"changed"`
	Unchanged []string     `json:"unchanged"`
	// LedgerError is set when the status changed but the history could not
	// be written. It is for server-side logging and never serialized.
	LedgerError string `json:"-"`
}

type Service struct {
	store      Store
	log        zerolog.Logger
	now        func() time.Time
	documentID string
}

func NewService(st Store, logger zerolog.Logger) *Service {
	return &Service{
		store: st,
		log:   logger.With().Str("component", "resolution").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	cp := *s
	cp.now = now
	return &cp
}

// ForDocument returns a copy that treats comments outside documentID as
// missing.
func (s *Service) ForDocument(documentID string) *Service {
	cp := *s
	cp.documentID = documentID
	return &cp
}

func ValidStatus(status string) bool {
	switch status {
	case store.StatusActive, store.StatusResolved, store.StatusArchived:
		return true
	}
	return false
}

func (s *Service) UpdateStatus(ctx context.Context, actor Actor, commentID, status, reason string) (Result, error) {
	if err := checkRequest(actor, status); err != nil {
		return Result{}, err
	}
	c, err := s.lookup(ctx, commentID)
	if err != nil {
		return Result{}, err
	}
	return s.apply(ctx, actor, []store.Comment{c}, status, reason, func(store.Comment) map[string]any {
		return nil
	})
}

func (s *Service) BulkUpdateStatus(ctx context.Context, actor Actor, ids []string, status, reason string) (Result, error) {
	if err := checkRequest(actor, status); err != nil {
		return Result{}, err
	}
	comments, err := s.lookupMany(ctx, ids)
	if err != nil {
		return Result{}, err
	}
	return s.apply(ctx, actor, comments, status, reason, func(store.Comment) map[string]any {
		return map[string]any{"bulk_operation": true, "batch_size": len(comments)}
	})
}

// ResolveWithReason resolves one comment. templateID is optional; when set
// the template supplies the reason if none is given.
func (s *Service) ResolveWithReason(ctx context.Context, actor Actor, commentID, reason, templateID string) (Result, error) {
	if err := checkRequest(actor, store.StatusResolved); err != nil {
		return Result{}, err
	}
	var tmpl *store.ResolutionTemplate
	if templateID != "" {
		t, err := s.template(ctx, templateID)
		if err != nil {
			return Result{}, err
		}
		tmpl = &t
		if strings.TrimSpace(reason) == "" {
			reason = t.Reason
		}
	}
	c, err := s.lookup(ctx, commentID)
	if err != nil {
		return Result{}, err
	}
	now := s.now()
	return s.apply(ctx, actor, []store.Comment{c}, store.StatusResolved, reason, func(c store.Comment) map[string]any {
		meta := map[string]any{"resolution_time_days": daysBetween(c.CreatedAt, now)}
		if tmpl != nil {
			meta["template_id"] = tmpl.ID
			meta["template_name"] = tmpl.Name
		}
		return meta
	})
}

func (s *Service) BulkResolveWithTemplate(ctx context.Context, actor Actor, ids []string, templateID string) (Result, error) {
	if err := checkRequest(actor, store.StatusResolved); err != nil {
		return Result{}, err
	}
	tmpl, err := s.template(ctx, templateID)
	if err != nil {
		return Result{}, err
	}
	comments, err := s.lookupMany(ctx, ids)
	if err != nil {
		return Result{}, err
	}
	now := s.now()
	return s.apply(ctx, actor, comments, store.StatusResolved, tmpl.Reason, func(c store.Comment) map[string]any {
		return map[string]any{
			"template_id":          tmpl.ID,
			"template_name":        tmpl.Name,
			"resolution_time_days": daysBetween(c.CreatedAt, now),
			"bulk_operation":       true,
			"batch_size":           len(comments),
		}
	})
}

// AutoResolveOlderThan resolves every active comment created more than days
// ago. An empty documentID sweeps all documents.
func (s *Service) AutoResolveOlderThan(ctx context.Context, actor Actor, documentID string, days int) (Result, error) {
	if err := checkRequest(actor, store.StatusResolved); err != nil {
		return Result{}, err
	}
	if days <= 0 {
		return Result{}, ErrInvalidThreshold
	}
	if s.documentID != "" {
		documentID = s.documentID
	}
	now := s.now()
	stale, err := s.store.ListActiveCommentsOlderThan(ctx, documentID, now.Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return Result{}, fmt.Errorf("auto resolve lookup: %w", err)
	}
	reason := fmt.Sprintf("Auto-resolved after %d days without resolution", days)
	return s.apply(ctx, actor, stale, store.StatusResolved, reason, func(c store.Comment) map[string]any {
		return map[string]any{
			"auto_resolved":  true,
			"age_days":       daysBetween(c.CreatedAt, now),
			"threshold_days": days,
		}
	})
}

func checkRequest(actor Actor, status string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return ErrNotAuthenticated
	}
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, commentID string) (store.Comment, error) {
	c, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, fmt.Errorf("%w: %s", ErrCommentNotFound, commentID)
	}
	if err != nil {
		return store.Comment{}, fmt.Errorf("lookup comment: %w", err)
	}
	if s.documentID != "" && c.DocumentID != s.documentID {
		return store.Comment{}, fmt.Errorf("%w: %s", ErrCommentNotFound, commentID)
	}
	return c, nil
}

func (s *Service) lookupMany(ctx context.Context, ids []string) ([]store.Comment, error) {
	unique := dedupe(ids)
	comments, err := s.store.GetCommentsByIDs(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("lookup comments: %w", err)
	}
	found := make(map[string]bool, len(comments))
	scoped := make([]store.Comment, 0, len(comments))
	for _, c := range comments {
		if s.documentID != "" && c.DocumentID != s.documentID {
			continue
		}
		found[c.ID] = true
		scoped = append(scoped, c)
	}
	missing := make([]string, 0)
	for _, id := range unique {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCommentNotFound, strings.Join(missing, ", "))
	}
	return scoped, nil
}

func (s *Service) template(ctx context.Context, templateID string) (store.ResolutionTemplate, error) {
	t, err := s.store.GetResolutionTemplate(ctx, templateID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ResolutionTemplate{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	if err != nil {
		return store.ResolutionTemplate{}, fmt.Errorf("lookup template: %w", err)
	}
	return t, nil
}

// apply writes the status for the comments whose current status differs and
// appends one ledger entry per changed comment, all stamped with the same
// time. A ledger failure is logged and reported on the result; the status
// change stands.
func (s *Service) apply(ctx context.Context, actor Actor, comments []store.Comment, status, reason string, metadata func(store.Comment) map[string]any) (Result, error) {
	result := Result{Status: status, Changed: []Transition{}, Unchanged: []string{}}
	changed := make([]store.Comment, 0, len(comments))
	for _, c := range comments {
		if c.Status == status {
			result.Unchanged = append(result.Unchanged, c.ID)
			continue
		}
		changed = append(changed, c)
	}
	if len(changed) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(changed))
	for _, c := range changed {
		ids = append(ids, c.ID)
	}
	if len(ids) == 1 {
		if _, err := s.store.UpdateCommentStatus(ctx, ids[0], status); err != nil {
			return Result{}, fmt.Errorf("write status: %w", err)
		}
	} else if _, err := s.store.BulkUpdateCommentStatus(ctx, ids, status); err != nil {
		return Result{}, fmt.Errorf("write status: %w", err)
	}

	now := s.now()
	var reasonPtr *string
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		reasonPtr = &trimmed
	}
	entries := make([]store.StatusHistoryEntry, 0, len(changed))
	for _, c := range changed {
		meta := metadata(c)
		if rbac.Role(actor.Role) == rbac.RoleAdmin {
			if meta == nil {
				meta = map[string]any{}
			}
			meta["actor_role"] = actor.Role
		}
		entries = append(entries, store.StatusHistoryEntry{
			CommentID: c.ID,
			OldStatus: c.Status,
			NewStatus: status,
			ChangedBy: actor.ID,
			ChangedAt: now,
			Reason:    reasonPtr,
			Metadata:  meta,
		})
		result.Changed = append(result.Changed, Transition{CommentID: c.ID, DocumentID: c.DocumentID, From: c.Status, To: status})
	}

	if err := s.store.InsertStatusHistory(ctx, entries); err != nil {
		s.log.Error().Err(err).
			Str("actor", actor.ID).
			Str("status", status).
			Int("entries", len(entries)).
			Msg("status history write failed; status change kept")
		result.LedgerError = err.Error()
	}

	s.log.Info().
		Str("actor", actor.ID).
		Str("status", status).
		Int("changed", len(result.Changed)).
		Int("unchanged", len(result.Unchanged)).
		Msg("comment status updated")
	return result, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// daysBetween is the whole number of days from then to now.
func daysBetween(then, now time.Time) int {
	if then.IsZero() || now.Before(then) {
		return 0
	}
	return int(math.Floor(now.Sub(then).Hours() / 24))
}
