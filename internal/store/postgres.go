package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const commentColumns = `id, document_id, author_id, author_name, content, content_type, anchor_text, anchor_start, anchor_end,
	status, parent_comment_id, priority, classification, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (Comment, error) {
	var (
		item        Comment
		anchorText  sql.NullString
		anchorStart sql.NullInt64
		anchorEnd   sql.NullInt64
		parentID    sql.NullString
		metadataRaw []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.AuthorID,
		&item.AuthorName,
		&item.Content,
		&item.ContentType,
		&anchorText,
		&anchorStart,
		&anchorEnd,
		&item.Status,
		&parentID,
		&item.Priority,
		&item.Classification,
		&metadataRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Comment{}, err
	}
	if anchorText.Valid {
		item.Anchor = &Anchor{Text: anchorText.String}
		if anchorStart.Valid {
			start := int(anchorStart.Int64)
			item.Anchor.Start = &start
		}
		if anchorEnd.Valid {
			end := int(anchorEnd.Int64)
			item.Anchor.End = &end
		}
	}
	if parentID.Valid {
		parent := parentID.String
		item.ParentCommentID = &parent
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &item.Metadata); err != nil {
			return Comment{}, fmt.Errorf("decode comment metadata: %w", err)
		}
	}
	return item, nil
}

func scanComments(rows *sql.Rows, label string) ([]Comment, error) {
	defer rows.Close()
	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", label, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", label, err)
	}
	return items, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) error {
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal comment metadata: %w", err)
	}
	var anchorText *string
	var anchorStart, anchorEnd *int
	if c.Anchor != nil {
		anchorText = &c.Anchor.Text
		anchorStart = c.Anchor.Start
		anchorEnd = c.Anchor.End
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, author_id, author_name, content, content_type, anchor_text, anchor_start, anchor_end,
			status, parent_comment_id, priority, classification, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15, $15)
	`, c.ID, c.DocumentID, c.AuthorID, c.AuthorName, c.Content, c.ContentType, anchorText, anchorStart, anchorEnd,
		c.Status, c.ParentCommentID, c.Priority, c.Classification, metadata, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID)
	return scanComment(row)
}

func (s *PostgresStore) ListComments(ctx context.Context, filter CommentFilter) ([]Comment, error) {
	statuses := filter.Statuses
	if statuses == nil {
		statuses = []string{}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id=$1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at ASC, id ASC
	`, filter.DocumentID, statuses)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return scanComments(rows, "comments")
}

func (s *PostgresStore) GetCommentsByIDs(ctx context.Context, ids []string) ([]Comment, error) {
	if len(ids) == 0 {
		return []Comment{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE id = ANY($1::text[])
		ORDER BY created_at ASC, id ASC
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get comments by ids: %w", err)
	}
	return scanComments(rows, "comments by ids")
}

// ListActiveCommentsOlderThan returns active comments created before cutoff.
// An empty documentID scans every document.
func (s *PostgresStore) ListActiveCommentsOlderThan(ctx context.Context, documentID string, cutoff time.Time) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE status='active'
		  AND created_at < $1
		  AND ($2='' OR document_id=$2)
		ORDER BY created_at ASC, id ASC
	`, cutoff, documentID)
	if err != nil {
		return nil, fmt.Errorf("list stale comments: %w", err)
	}
	return scanComments(rows, "stale comments")
}

func (s *PostgresStore) UpdateCommentStatus(ctx context.Context, commentID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status <> $2
	`, commentID, status)
	if err != nil {
		return false, fmt.Errorf("update comment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) BulkUpdateCommentStatus(ctx context.Context, ids []string, status string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET status=$2, updated_at=NOW()
		WHERE id = ANY($1::text[]) AND status <> $2
	`, ids, status)
	if err != nil {
		return 0, fmt.Errorf("bulk update comment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk update comment status rows: %w", err)
	}
	return affected, nil
}

// DeleteComment removes the comment permanently. History rows go with it
// through the foreign key cascade.
func (s *PostgresStore) DeleteComment(ctx context.Context, documentID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE document_id=$1 AND id=$2`, documentID, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertStatusHistory(ctx context.Context, entries []StatusHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, entry := range entries {
		metadata, err := encodeMetadata(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal history metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comment_status_history (comment_id, old_status, new_status, changed_by, changed_at, reason, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		`, entry.CommentID, entry.OldStatus, entry.NewStatus, entry.ChangedBy, entry.ChangedAt, entry.Reason, metadata); err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStatusHistory(ctx context.Context, commentID string) ([]StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, comment_id, old_status, new_status, changed_by, changed_at, reason, metadata
		FROM comment_status_history
		WHERE comment_id=$1
		ORDER BY changed_at ASC, id ASC
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	items := make([]StatusHistoryEntry, 0)
	for rows.Next() {
		var item StatusHistoryEntry
		var reason sql.NullString
		var metadataRaw []byte
		if err := rows.Scan(&item.ID, &item.CommentID, &item.OldStatus, &item.NewStatus, &item.ChangedBy, &item.ChangedAt, &reason, &metadataRaw); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		if reason.Valid {
			value := reason.String
			item.Reason = &value
		}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &item.Metadata); err != nil {
				return nil, fmt.Errorf("decode history metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status history: %w", err)
	}
	return items, nil
}

// CommentsWithPriorResolution reports which of ids have ever been moved to
// resolved according to the ledger.
func (s *PostgresStore) CommentsWithPriorResolution(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT comment_id
		FROM comment_status_history
		WHERE comment_id = ANY($1::text[]) AND new_status='resolved'
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list prior resolutions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan prior resolution: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prior resolutions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListResolutionTemplates(ctx context.Context) ([]ResolutionTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, reason, description FROM resolution_templates ORDER BY sort_order ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list resolution templates: %w", err)
	}
	defer rows.Close()

	items := make([]ResolutionTemplate, 0)
	for rows.Next() {
		var item ResolutionTemplate
		if err := rows.Scan(&item.ID, &item.Name, &item.Reason, &item.Description); err != nil {
			return nil, fmt.Errorf("scan resolution template: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolution templates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetResolutionTemplate(ctx context.Context, templateID string) (ResolutionTemplate, error) {
	var item ResolutionTemplate
	err := s.db.QueryRowContext(ctx, `SELECT id, name, reason, description FROM resolution_templates WHERE id=$1`, templateID).
		Scan(&item.ID, &item.Name, &item.Reason, &item.Description)
	return item, err
}

func (s *PostgresStore) ResolutionStats(ctx context.Context, documentID string) (ResolutionStats, error) {
	stats := ResolutionStats{DocumentID: documentID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status='active'),
			COUNT(*) FILTER (WHERE status='resolved'),
			COUNT(*) FILTER (WHERE status='archived')
		FROM comments
		WHERE document_id=$1
	`, documentID).Scan(&stats.Active, &stats.Resolved, &stats.Archived)
	if err != nil {
		return ResolutionStats{}, fmt.Errorf("count comment statuses: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE h.old_status='resolved' AND h.new_status='active'),
			COALESCE(AVG((h.metadata->>'resolution_time_days')::float8) FILTER (WHERE h.metadata ? 'resolution_time_days'), 0)::float8,
			COUNT(*) FILTER (WHERE h.metadata->>'auto_resolved' = 'true'),
			COUNT(*) FILTER (WHERE h.metadata ? 'template_id')
		FROM comment_status_history h
		JOIN comments c ON c.id = h.comment_id
		WHERE c.document_id=$1
	`, documentID).Scan(&stats.Reopened, &stats.AvgResolutionDays, &stats.AutoResolvedCount, &stats.TemplateResolution)
	if err != nil {
		return ResolutionStats{}, fmt.Errorf("aggregate status history: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
