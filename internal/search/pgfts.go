package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// commentVector matches the expression behind idx_comments_fts so the
// planner can use the GIN index.
const commentVector = `to_tsvector('simple', coalesce(c.content, '') || ' ' || coalesce(c.anchor_text, ''))`

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks comments with ts_rank and builds snippets with ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	dataSQL, args := buildCommentQuery(q)

	rows, err := p.db.QueryContext(context.Background(), dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.AnchorText, &r.Snippet, &r.Status, &r.AuthorName, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func buildCommentQuery(q Query) (string, []any) {
	args := []any{q.Text}
	where := []string{commentVector + " @@ q.query", "c.content_type <> 'image'"}
	if q.DocumentID != "" {
		args = append(args, q.DocumentID)
		where = append(where, fmt.Sprintf("c.document_id = $%d", len(args)))
	}
	if len(q.Statuses) > 0 {
		args = append(args, q.Statuses)
		where = append(where, fmt.Sprintf("c.status = ANY($%d::text[])", len(args)))
	}

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	return fmt.Sprintf(`
		SELECT c.id, c.document_id, coalesce(c.anchor_text, ''),
			ts_headline('simple', c.content, q.query, 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet,
			c.status, c.author_name,
			count(*) OVER () AS total
		FROM comments c, plainto_tsquery('simple', $1) AS q(query)
		WHERE %s
		ORDER BY ts_rank(%s, q.query) DESC, c.created_at ASC
		LIMIT %d OFFSET %d`,
		strings.Join(where, " AND "), commentVector, normalizeLimit(q.Limit), offset), args
}

// LoadAllRecords returns every comment for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, document_id, content, content_type, coalesce(anchor_text, ''), status, author_id, author_name
		FROM comments
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Content, &r.ContentType, &r.AnchorText, &r.Status, &r.AuthorID, &r.AuthorName); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if r.ContentType == "image" {
			r.Content = ""
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
