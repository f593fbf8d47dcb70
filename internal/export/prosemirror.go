package export

import (
	"fmt"
	"html"
	"net/url"
	"sort"
	"strings"
	"unicode/utf16"

	"inkwell/api/internal/anchor"
	"inkwell/api/internal/decorate"
)

// renderer writes a ProseMirror tree as HTML, wrapping decorated text
// ranges in <mark> elements. Positions follow anchor.Document.
type renderer struct {
	decorations []decorate.Decoration
	sb          strings.Builder
}

// RenderHTML converts a document to HTML with decorations applied.
func RenderHTML(doc *anchor.Document, decorations []decorate.Decoration) string {
	if doc == nil {
		return ""
	}
	r := &renderer{decorations: decorations}
	pos := 0
	for _, child := range doc.Root.Content {
		r.node(child, pos)
		pos += child.Size()
	}
	return r.sb.String()
}

func (r *renderer) node(n anchor.Node, pos int) {
	switch n.Type {
	case "text":
		r.text(n, pos)
		return
	case "hardBreak":
		r.sb.WriteString("<br>")
		return
	case "horizontalRule":
		r.sb.WriteString("<hr>\n")
		return
	case "image":
		src, _ := n.Attrs["src"].(string)
		alt, _ := n.Attrs["alt"].(string)
		fmt.Fprintf(&r.sb, `<img src="%s" alt="%s">`, html.EscapeString(src), html.EscapeString(alt))
		return
	case "mention", "emoji":
		label, _ := n.Attrs["label"].(string)
		if label == "" {
			label, _ = n.Attrs["id"].(string)
		}
		r.sb.WriteString(html.EscapeString(label))
		return
	}

	openTag, closeTag := blockTags(n)
	r.sb.WriteString(openTag)
	inner := pos + 1
	for _, child := range n.Content {
		r.node(child, inner)
		inner += child.Size()
	}
	r.sb.WriteString(closeTag)
}

func blockTags(n anchor.Node) (string, string) {
	switch n.Type {
	case "paragraph":
		return "<p>", "</p>\n"
	case "heading":
		level := 1
		if lvl, ok := n.Attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
			level = int(lvl)
		}
		return fmt.Sprintf("<h%d>", level), fmt.Sprintf("</h%d>\n", level)
	case "bulletList":
		return "<ul>\n", "</ul>\n"
	case "orderedList":
		return "<ol>\n", "</ol>\n"
	case "listItem":
		return "<li>", "</li>\n"
	case "blockquote":
		return "<blockquote>\n", "</blockquote>\n"
	case "codeBlock":
		return "<pre><code>", "</code></pre>\n"
	case "table":
		return "<table>\n", "</table>\n"
	case "tableRow":
		return "<tr>\n", "</tr>\n"
	case "tableCell":
		return "<td>", "</td>\n"
	case "tableHeader":
		return "<th>", "</th>\n"
	}
	return "", ""
}

// text splits a text leaf at every decoration boundary inside it and
// nests one <mark> per covering decoration, outermost first.
func (r *renderer) text(n anchor.Node, pos int) {
	units := utf16.Encode([]rune(n.Text))
	end := pos + len(units)

	cuts := []int{pos, end}
	for _, d := range r.decorations {
		if d.From > pos && d.From < end {
			cuts = append(cuts, d.From)
		}
		if d.To > pos && d.To < end {
			cuts = append(cuts, d.To)
		}
	}
	sort.Ints(cuts)

	var body strings.Builder
	for i := 0; i+1 < len(cuts); i++ {
		from, to := cuts[i], cuts[i+1]
		if from == to {
			continue
		}
		segment := html.EscapeString(string(utf16.Decode(units[from-pos : to-pos])))
		covering := r.covering(from, to)
		for _, d := range covering {
			fmt.Fprintf(&body, `<mark %s="%s" class="%s" title="%s" style="%s">`,
				decorate.MarkerAttr, html.EscapeString(d.CommentID),
				html.EscapeString(d.Attrs["class"]), html.EscapeString(d.Tooltip),
				html.EscapeString(d.Attrs["style"]))
		}
		body.WriteString(segment)
		for range covering {
			body.WriteString("</mark>")
		}
	}
	r.sb.WriteString(applyMarks(body.String(), n.Marks))
}

func (r *renderer) covering(from, to int) []decorate.Decoration {
	var out []decorate.Decoration
	for _, d := range r.decorations {
		if d.From <= from && to <= d.To {
			out = append(out, d)
		}
	}
	return out
}

// applyMarks wraps already-escaped HTML with formatting marks, the first
// mark outermost.
func applyMarks(htmlText string, marks []anchor.Mark) string {
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			htmlText = "<strong>" + htmlText + "</strong>"
		case "italic":
			htmlText = "<em>" + htmlText + "</em>"
		case "code":
			htmlText = "<code>" + htmlText + "</code>"
		case "strike":
			htmlText = "<s>" + htmlText + "</s>"
		case "underline":
			htmlText = "<u>" + htmlText + "</u>"
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			if safeHref(href) {
				htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
			}
		}
	}
	return htmlText
}

// safeHref accepts absolute http, https and mailto links only. Anything else
// renders as plain text.
func safeHref(href string) bool {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto":
		return true
	}
	return false
}
