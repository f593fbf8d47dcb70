package anchor

import (
	"encoding/json"
	"fmt"
	"unicode/utf16"
)

// Node is one node of a ProseMirror JSON document.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// atomTypes are schema leaves that occupy a single position and carry no
// text. Any other node without content is an empty container.
var atomTypes = map[string]bool{
	"hardBreak":      true,
	"image":          true,
	"horizontalRule": true,
	"mention":        true,
	"emoji":          true,
}

func (n Node) IsText() bool {
	return n.Type == "text"
}

func (n Node) IsAtom() bool {
	return atomTypes[n.Type]
}

// Size is the number of positions the node occupies in its parent.
func (n Node) Size() int {
	switch {
	case n.IsText():
		return TextLen(n.Text)
	case n.IsAtom():
		return 1
	}
	size := 2
	for _, child := range n.Content {
		size += child.Size()
	}
	return size
}

// Document is a parsed ProseMirror tree with its text leaves indexed.
type Document struct {
	Root   Node
	leaves []Leaf
}

func ParseProseMirror(raw []byte) (*Document, error) {
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode prosemirror document: %w", err)
	}
	if root.Type == "" {
		return nil, fmt.Errorf("decode prosemirror document: missing root type")
	}
	return NewDocument(root), nil
}

func NewDocument(root Node) *Document {
	doc := &Document{Root: root}
	pos := 0
	for _, child := range root.Content {
		doc.collect(child, pos)
		pos += child.Size()
	}
	return doc
}

func (d *Document) collect(n Node, pos int) {
	if n.IsText() {
		d.leaves = append(d.leaves, Leaf{Text: n.Text, Pos: pos})
		return
	}
	if n.IsAtom() {
		return
	}
	inner := pos + 1
	for _, child := range n.Content {
		d.collect(child, inner)
		inner += child.Size()
	}
}

func (d *Document) Leaves() []Leaf {
	return d.leaves
}

// ContentSize is the size of the document content, excluding the root's
// own open and close tokens.
func (d *Document) ContentSize() int {
	return d.Root.Size() - 2
}

// TextLen measures s in UTF-16 code units, the unit ProseMirror positions
// count in.
func TextLen(s string) int {
	n := 0
	for _, r := range s {
		if utf16.RuneLen(r) == 2 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
