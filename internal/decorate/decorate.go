// Package decorate turns comments into inline highlight decorations over a
// document tree.
package decorate

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"inkwell/api/internal/anchor"
	"inkwell/api/internal/store"
)

// MarkerAttr is the attribute every decoration carries so the pointer
// router can find its comment.
const MarkerAttr = "data-comment-id"

const (
	transparent = "transparent"

	activeRGB   = "255, 212, 0"
	archivedRGB = "156, 163, 175"

	activeAlpha              = 0.3
	activeHighlightedAlpha   = 0.6
	archivedAlpha            = 0.2
	archivedHighlightedAlpha = 0.4

	tooltipLimit = 80
)

type Style struct {
	Color     string `json:"color"`
	Border    string `json:"border"`
	Clickable bool   `json:"clickable"`
}

type Decoration struct {
	From      int               `json:"from"`
	To        int               `json:"to"`
	CommentID string            `json:"commentId"`
	Status    string            `json:"status"`
	Tooltip   string            `json:"tooltip"`
	Attrs     map[string]string `json:"attrs"`
	Style
}

// StyleFor is the color policy for one comment state.
func StyleFor(status string, highlighted bool) Style {
	switch status {
	case store.StatusActive:
		alpha := activeAlpha
		if highlighted {
			alpha = activeHighlightedAlpha
		}
		return Style{
			Color:     rgba(activeRGB, alpha),
			Border:    "2px solid " + rgba(activeRGB, 1),
			Clickable: true,
		}
	case store.StatusArchived:
		alpha := archivedAlpha
		if highlighted {
			alpha = archivedHighlightedAlpha
		}
		return Style{
			Color:     rgba(archivedRGB, alpha),
			Border:    "1px dashed " + rgba(archivedRGB, 1),
			Clickable: true,
		}
	default:
		return Style{Color: transparent, Border: "none"}
	}
}

func rgba(rgb string, alpha float64) string {
	return fmt.Sprintf("rgba(%s, %g)", rgb, alpha)
}

// Compose emits one decoration per comment whose anchor resolves in doc.
// Resolved comments and orphaned anchors produce nothing. highlightedID may
// be empty.
func Compose(doc anchor.Tree, comments []store.Comment, highlightedID string) []Decoration {
	out := make([]Decoration, 0, len(comments))
	order := make(map[string]int, len(comments))
	for i, c := range comments {
		if c.Status == store.StatusResolved || c.Anchor == nil {
			continue
		}
		r, ok := anchor.Resolve(doc, c.Anchor.Text)
		if !ok {
			continue
		}
		style := StyleFor(c.Status, c.ID == highlightedID)
		out = append(out, Decoration{
			From:      r.From.Pos,
			To:        r.To.Pos,
			CommentID: c.ID,
			Status:    c.Status,
			Tooltip:   Tooltip(c),
			Attrs: map[string]string{
				MarkerAttr: c.ID,
				"class":    "comment-highlight comment-" + c.Status,
				"style":    fmt.Sprintf("background-color: %s; border-bottom: %s; cursor: pointer;", style.Color, style.Border),
			},
			Style: style,
		})
		order[c.ID] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return order[out[i].CommentID] < order[out[j].CommentID]
	})
	return out
}

// Orphans returns the comments whose anchor no longer resolves in doc.
func Orphans(doc anchor.Tree, comments []store.Comment) []store.Comment {
	out := make([]store.Comment, 0)
	for _, c := range comments {
		if c.Anchor == nil {
			continue
		}
		if _, ok := anchor.Resolve(doc, c.Anchor.Text); !ok {
			out = append(out, c)
		}
	}
	return out
}

// Tooltip is the hover text for a decoration.
func Tooltip(c store.Comment) string {
	author := c.AuthorName
	if author == "" {
		author = c.AuthorID
	}
	body := c.Content
	if c.ContentType == store.ContentImage {
		body = "[image]"
	}
	if utf8.RuneCountInString(body) > tooltipLimit {
		runes := []rune(body)
		body = string(runes[:tooltipLimit]) + "…"
	}
	if author == "" {
		return body
	}
	return author + ": " + body
}
