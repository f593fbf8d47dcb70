// Package thread turns a flat comment list into reply trees.
package thread

import (
	"sort"

	"inkwell/api/internal/store"
)

type Node struct {
	store.Comment
	Replies    []*Node `json:"replies"`
	ReplyCount int     `json:"replyCount"`
}

// Assemble links each comment under its parent. A comment whose parent is
// not in flat becomes a root. Roots and replies are ordered by creation time.
func Assemble(flat []store.Comment) []*Node {
	byID := make(map[string]*Node, len(flat))
	ordered := make([]*Node, 0, len(flat))
	for _, c := range flat {
		if _, dup := byID[c.ID]; dup {
			continue
		}
		n := &Node{Comment: c, Replies: []*Node{}}
		byID[c.ID] = n
		ordered = append(ordered, n)
	}
	sortByCreated(ordered)

	roots := make([]*Node, 0)
	attachedTo := make(map[string]string, len(ordered))
	for _, n := range ordered {
		if n.IsReply() {
			parentID := *n.ParentCommentID
			if parent, ok := byID[parentID]; ok && !createsCycle(parentID, n.ID, attachedTo) {
				parent.Replies = append(parent.Replies, n)
				attachedTo[n.ID] = parentID
				continue
			}
		}
		roots = append(roots, n)
	}

	for _, root := range roots {
		countReplies(root)
	}
	return roots
}

// createsCycle reports whether attaching id under parentID would close a
// loop through the links made so far.
func createsCycle(parentID, id string, attachedTo map[string]string) bool {
	for cur, ok := parentID, true; ok; cur, ok = attachedTo[cur] {
		if cur == id {
			return true
		}
	}
	return false
}

func countReplies(n *Node) int {
	total := 0
	for _, child := range n.Replies {
		total += 1 + countReplies(child)
	}
	n.ReplyCount = total
	return total
}

func sortByCreated(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
}

// Flatten walks the forest in pre-order.
func Flatten(roots []*Node) []store.Comment {
	out := make([]store.Comment, 0)
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out = append(out, n.Comment)
			walk(n.Replies)
		}
	}
	walk(roots)
	return out
}

// Index maps every node in the forest by comment id in one walk.
func Index(roots []*Node) map[string]*Node {
	out := make(map[string]*Node)
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out[n.ID] = n
			walk(n.Replies)
		}
	}
	walk(roots)
	return out
}
