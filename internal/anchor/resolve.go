// Package anchor locates a comment's text snapshot inside the current
// document tree.
package anchor

import "strings"

// Leaf is a text-bearing leaf. Pos is the tree position of its first
// character.
type Leaf struct {
	Text string
	Pos  int
}

type Tree interface {
	Leaves() []Leaf
}

// Leaves adapts a plain slice to Tree.
type Leaves []Leaf

func (l Leaves) Leaves() []Leaf {
	return l
}

type Point struct {
	Leaf   int `json:"leaf"`
	Offset int `json:"offset"`
	Pos    int `json:"pos"`
}

// Range is a resolved anchor. FlatStart and FlatEnd index the concatenated
// leaf text; From and To address the tree.
type Range struct {
	FlatStart int   `json:"flatStart"`
	FlatEnd   int   `json:"flatEnd"`
	From      Point `json:"from"`
	To        Point `json:"to"`
}

// FlatText concatenates the leaf text of doc in order, with no separators.
func FlatText(doc Tree) string {
	var b strings.Builder
	for _, leaf := range doc.Leaves() {
		b.WriteString(leaf.Text)
	}
	return b.String()
}

// Resolve finds the first exact occurrence of snapshot in doc. The second
// result is false when the snapshot is blank or absent, which leaves the
// comment orphaned.
func Resolve(doc Tree, snapshot string) (Range, bool) {
	if strings.TrimSpace(snapshot) == "" {
		return Range{}, false
	}
	leaves := doc.Leaves()
	flat := FlatText(Leaves(leaves))
	idx := strings.Index(flat, snapshot)
	if idx < 0 {
		return Range{}, false
	}

	start := TextLen(flat[:idx])
	end := start + TextLen(snapshot)
	r := Range{FlatStart: start, FlatEnd: end}

	acc := 0
	haveFrom := false
	for i, leaf := range leaves {
		n := TextLen(leaf.Text)
		if !haveFrom && acc+n > start {
			r.From = Point{Leaf: i, Offset: start - acc, Pos: leaf.Pos + start - acc}
			haveFrom = true
		}
		if acc+n >= end {
			r.To = Point{Leaf: i, Offset: end - acc, Pos: leaf.Pos + end - acc}
			return r, true
		}
		acc += n
	}
	return Range{}, false
}

// Slice returns the flat text between two flat offsets measured in UTF-16
// code units.
func Slice(doc Tree, from, to int) string {
	flat := FlatText(doc)
	var b strings.Builder
	i := 0
	for _, r := range flat {
		if i >= to {
			break
		}
		if i >= from {
			b.WriteRune(r)
		}
		i += TextLen(string(r))
	}
	return b.String()
}
