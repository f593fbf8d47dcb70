package resolution

import (
	"context"
	"fmt"
	"time"

	"inkwell/api/internal/store"
	"inkwell/api/internal/thread"
)

const (
	ActionArchive  = "archive"
	ActionResolve  = "resolve"
	ActionEscalate = "escalate"
)

type Suggestion struct {
	CommentID  string  `json:"commentId"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Signals are the facts the suggestion rules look at.
type Signals struct {
	AgeDays         float64
	DaysSinceUpdate float64
	Replies         int
	PriorResolution bool
}

// Suggest applies the rules in order; the first that matches wins.
func Suggest(c store.Comment, sig Signals) Suggestion {
	s := Suggestion{CommentID: c.ID}
	switch {
	case sig.AgeDays > 30 && sig.Replies == 0:
		s.Action, s.Confidence, s.Reason = ActionArchive, 0.8, "Older than 30 days with no replies"
	case c.ContentType == store.ContentSuggestion && sig.DaysSinceUpdate >= 14:
		s.Action, s.Confidence, s.Reason = ActionResolve, 0.7, "Suggestion untouched for 14 days or more"
	case sig.PriorResolution && sig.DaysSinceUpdate >= 7:
		s.Action, s.Confidence, s.Reason = ActionArchive, 0.9, "Previously resolved and quiet for 7 days or more"
	case sig.AgeDays > 14 && c.Status == store.StatusActive:
		s.Action, s.Confidence, s.Reason = ActionEscalate, 0.6, "Active for more than 14 days"
	default:
		s.Action, s.Confidence, s.Reason = ActionResolve, 0.5, "No stronger signal"
	}
	return s
}

// SuggestActions recommends an action per comment. Reply counts come from
// the comments passed in, so pass whole threads. Nothing is mutated.
func (s *Service) SuggestActions(ctx context.Context, comments []store.Comment) ([]Suggestion, error) {
	ids := make([]string, 0, len(comments))
	for _, c := range comments {
		ids = append(ids, c.ID)
	}
	prior, err := s.store.CommentsWithPriorResolution(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup resolution history: %w", err)
	}

	byID := thread.Index(thread.Assemble(comments))
	now := s.now()
	out := make([]Suggestion, 0, len(comments))
	for _, c := range comments {
		replies := 0
		if n := byID[c.ID]; n != nil {
			replies = n.ReplyCount
		}
		updated := c.UpdatedAt
		if updated.IsZero() {
			updated = c.CreatedAt
		}
		out = append(out, Suggest(c, Signals{
			AgeDays:         daysSince(c.CreatedAt, now),
			DaysSinceUpdate: daysSince(updated, now),
			Replies:         replies,
			PriorResolution: prior[c.ID],
		}))
	}
	return out, nil
}

func daysSince(t, now time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return now.Sub(t).Hours() / 24
}
