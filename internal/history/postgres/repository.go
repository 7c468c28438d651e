package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pbibridge/pbibridge/internal/history"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, entry history.Entry) (history.Entry, error) {
	executedAt := entry.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}

	query := `
INSERT INTO query_history (catalog, tool, query, question, status, error_kind, row_count, truncated, duration_ms, archive_key, executed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`
	if err := r.db.QueryRowContext(ctx, query,
		entry.Catalog,
		entry.Tool,
		entry.Query,
		entry.Question,
		entry.Status,
		entry.ErrorKind,
		entry.RowCount,
		entry.Truncated,
		entry.DurationMS,
		entry.ArchiveKey,
		executedAt,
	).Scan(&entry.ID); err != nil {
		return history.Entry{}, fmt.Errorf("record history entry: %w", err)
	}
	entry.ExecutedAt = executedAt
	return entry, nil
}

func (r *Repository) Recent(ctx context.Context, catalog string, limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, catalog, tool, query, question, status, error_kind, row_count, truncated, duration_ms, archive_key, executed_at
FROM query_history
WHERE ($1 = '' OR catalog = $1)
ORDER BY id DESC
LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, catalog, limit)
	if err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]history.Entry, 0)
	for rows.Next() {
		var entry history.Entry
		if err := rows.Scan(
			&entry.ID,
			&entry.Catalog,
			&entry.Tool,
			&entry.Query,
			&entry.Question,
			&entry.Status,
			&entry.ErrorKind,
			&entry.RowCount,
			&entry.Truncated,
			&entry.DurationMS,
			&entry.ArchiveKey,
			&entry.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}
