package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kbcrawler/pkg/types"
)

const pageColumns = `id, task_id, url, COALESCE(final_url, '') AS final_url, COALESCE(title, '') AS title,
    COALESCE(content, '') AS content, status, COALESCE(error_message, '') AS error_message,
    depth, created_at, updated_at`

func (s *SQLStore) SavePage(ctx context.Context, rec *types.PageRecord) error {
	if rec == nil {
		return errors.New("save page: nil record")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	query := `
        INSERT INTO crawl_pages (task_id, url, final_url, title, content, status, error_message,
            depth, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING id
    `
	err := s.withSchemaRetry(ctx, func() error {
		return s.db.QueryRowxContext(ctx, query,
			rec.TaskID,
			rec.URL,
			nullString(rec.FinalURL),
			nullString(rec.Title),
			nullString(rec.Content),
			string(rec.Status),
			nullString(rec.ErrorMessage),
			rec.Depth,
			rec.CreatedAt,
			rec.UpdatedAt,
		).Scan(&rec.ID)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %d: %w", rec.TaskID, ErrDuplicatePage)
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *SQLStore) ListPages(ctx context.Context, taskID int64) ([]*types.PageRecord, error) {
	pages := []*types.PageRecord{}
	query := `SELECT ` + pageColumns + ` FROM crawl_pages WHERE task_id = $1 ORDER BY depth ASC, created_at ASC, id ASC`
	if err := s.db.SelectContext(ctx, &pages, query, taskID); err != nil {
		return nil, fmt.Errorf("list pages for task %d: %w", taskID, err)
	}
	return pages, nil
}

func (s *SQLStore) DeletePages(ctx context.Context, taskID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM crawl_pages WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete pages for task %d: %w", taskID, err)
	}
	return nil
}
