package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"inkwell/api/internal/store"
	"inkwell/api/internal/thread"
)

//go:embed templates/*.html
var templateFS embed.FS

var documentTemplate = template.Must(template.New("document.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/document.html"))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Revision    string
	ExportedAt  time.Time
	ContentHTML template.HTML
	OpenCount   int
	TotalCount  int
	Threads     []TemplateThread
	Orphans     []TemplateThread
}

// TemplateThread is one comment and its replies.
type TemplateThread struct {
	ID        string
	Anchor    string
	Author    string
	Body      string
	Status    string
	CreatedAt time.Time
	Orphaned  bool
	Replies   []TemplateThread
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func templateThreads(nodes []*thread.Node, orphaned map[string]bool) []TemplateThread {
	out := make([]TemplateThread, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, templateThread(n, orphaned))
	}
	return out
}

func templateThread(n *thread.Node, orphaned map[string]bool) TemplateThread {
	t := TemplateThread{
		ID:        n.ID,
		Author:    firstNonEmpty(n.AuthorName, n.AuthorID),
		Body:      n.Content,
		Status:    n.Status,
		CreatedAt: n.CreatedAt,
		Orphaned:  orphaned[n.ID],
		Replies:   templateThreads(n.Replies, orphaned),
	}
	if n.Anchor != nil {
		t.Anchor = n.Anchor.Text
	}
	if n.ContentType == store.ContentImage {
		t.Body = "[image attachment]"
	}
	return t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
