package hittest

import "inkwell/api/internal/decorate"

// Node is a minimal Element for trees built outside a renderer.
type Node struct {
	Marker string
	Up     *Node
}

func (n *Node) CommentID() (string, bool) {
	return n.Marker, n.Marker != ""
}

func (n *Node) Parent() Element {
	if n.Up == nil {
		return nil
	}
	return n.Up
}

// RangeSurface treats Point.X as a document position and reports the
// decorations covering it. Later decorations paint over earlier ones, so
// they come first.
type RangeSurface struct {
	decorations []decorate.Decoration
}

func NewRangeSurface(decorations []decorate.Decoration) *RangeSurface {
	return &RangeSurface{decorations: decorations}
}

func (s *RangeSurface) ElementsAt(p Point) []Element {
	pos := int(p.X)
	out := make([]Element, 0)
	for i := len(s.decorations) - 1; i >= 0; i-- {
		d := s.decorations[i]
		if pos >= d.From && pos < d.To {
			out = append(out, &Node{Marker: d.Attrs[decorate.MarkerAttr]})
		}
	}
	return out
}
