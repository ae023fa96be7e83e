package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/model"
)

// AppendProgress appends one entry to a run's progress log, taking the next
// sequence number from runs.progress_seq inside the same transaction.
func (s *Store) AppendProgress(ctx context.Context, runID uuid.UUID, phase, detail string, status model.ProgressStatus) (model.ProgressEntry, error) {
	entry := model.ProgressEntry{
		RunID:     runID,
		Phase:     phase,
		Detail:    detail,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`UPDATE runs SET progress_seq = progress_seq + 1 WHERE id = ? RETURNING progress_seq`, runID,
	).Scan(&entry.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProgressEntry{}, runNotFound(runID)
	}
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("sqlite: next progress seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_progress (run_id, seq, phase, detail, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, entry.Seq, phase, detail, string(status), formatTime(entry.CreatedAt),
	); err != nil {
		return model.ProgressEntry{}, fmt.Errorf("sqlite: append progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.ProgressEntry{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return entry, nil
}

// ListProgress returns a run's entries with seq > afterSeq in seq order.
func (s *Store) ListProgress(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]model.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, phase, detail, status, created_at
		 FROM run_progress WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.ProgressEntry
	for rows.Next() {
		var (
			e       model.ProgressEntry
			created string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Phase, &e.Detail, &e.Status, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan progress: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("sqlite: scan progress: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
