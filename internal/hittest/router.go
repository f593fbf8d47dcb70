// Package hittest maps a pointer event on rendered content back to the
// comment it belongs to.
package hittest

import "inkwell/api/internal/store"

// MaxAncestorDepth bounds the upward walk from the event target.
const MaxAncestorDepth = 5

// Element is a rendered node. CommentID reports the comment marker carried
// by the element itself, if any.
type Element interface {
	CommentID() (string, bool)
	Parent() Element
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Surface answers point queries, returning the elements under a point
// front-to-back.
type Surface interface {
	ElementsAt(Point) []Element
}

type Index interface {
	Lookup(id string) (store.Comment, bool)
}

// Comments is an Index keyed by comment id.
type Comments map[string]store.Comment

func NewIndex(comments []store.Comment) Comments {
	idx := make(Comments, len(comments))
	for _, c := range comments {
		idx[c.ID] = c
	}
	return idx
}

func (c Comments) Lookup(id string) (store.Comment, bool) {
	comment, ok := c[id]
	return comment, ok
}

// Route tries the target's own marker, then every element under the
// pointer, then up to MaxAncestorDepth ancestors of the target. Resolved
// comments never match. target and surface may be nil.
func Route(target Element, at Point, surface Surface, idx Index) (store.Comment, bool) {
	if target != nil {
		if c, ok := match(target, idx); ok {
			return c, true
		}
	}

	if surface != nil {
		for _, el := range surface.ElementsAt(at) {
			if el == nil {
				continue
			}
			if c, ok := match(el, idx); ok {
				return c, true
			}
		}
	}

	if target != nil {
		el := target.Parent()
		for depth := 0; depth < MaxAncestorDepth && el != nil; depth++ {
			if c, ok := match(el, idx); ok {
				return c, true
			}
			el = el.Parent()
		}
	}
	return store.Comment{}, false
}

func match(el Element, idx Index) (store.Comment, bool) {
	id, ok := el.CommentID()
	if !ok || id == "" {
		return store.Comment{}, false
	}
	c, ok := idx.Lookup(id)
	if !ok || c.Status == store.StatusResolved {
		return store.Comment{}, false
	}
	return c, true
}
