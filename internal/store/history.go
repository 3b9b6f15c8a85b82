package store

import (
	"context"
	"fmt"

	"github.com/datallboy/fetchq/internal/domain"
)

const DefaultHistoryLimit = 100

// RecordOutcome appends one terminal transfer result and returns its row id.
func (s *PersistentStore) RecordOutcome(ctx context.Context, out domain.Outcome) (int64, error) {
	var dbo outcomeDBO
	dbo.FromDomain(out)

	query := `INSERT INTO transfer_history (url, file_name, status, bytes, error, recorded_at)
              VALUES (?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		dbo.URL,
		dbo.FileName,
		dbo.Status,
		dbo.Bytes,
		dbo.Error,
		dbo.RecordedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record outcome for %s: %w", out.URL, err)
	}
	return res.LastInsertId()
}

// History returns the most recent outcomes first. A non-positive limit uses
// DefaultHistoryLimit.
func (s *PersistentStore) History(ctx context.Context, limit int) ([]domain.Outcome, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `
			SELECT id, url, file_name, status, bytes, error, recorded_at
			FROM transfer_history
			ORDER BY recorded_at DESC, id DESC
			LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := make([]domain.Outcome, 0)
	for rows.Next() {
		var dbo outcomeDBO
		if err := rows.Scan(&dbo.ID, &dbo.URL, &dbo.FileName, &dbo.Status, &dbo.Bytes, &dbo.Error, &dbo.RecordedAt); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, dbo.ToDomain())
	}
	return outcomes, rows.Err()
}
