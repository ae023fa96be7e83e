package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiori/internal/model"
)

// AppendProgress appends one entry to a run's progress log. The sequence number
// is taken from runs.progress_seq in the same statement, so concurrent appends
// for one run are serialized by the row lock and never share a seq.
func (db *DB) AppendProgress(ctx context.Context, runID uuid.UUID, phase, detail string, status model.ProgressStatus) (model.ProgressEntry, error) {
	entry := model.ProgressEntry{
		RunID:     runID,
		Phase:     phase,
		Detail:    detail,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	err := db.pool.QueryRow(ctx,
		`WITH next AS (
			UPDATE runs SET progress_seq = progress_seq + 1 WHERE id = $1 RETURNING progress_seq
		)
		INSERT INTO run_progress (run_id, seq, phase, detail, status, created_at)
		SELECT $1, progress_seq, $2, $3, $4, $5 FROM next
		RETURNING seq`,
		runID, phase, detail, string(status), entry.CreatedAt,
	).Scan(&entry.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProgressEntry{}, runNotFound(runID)
	}
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("storage: append progress: %w", err)
	}
	return entry, nil
}

// ListProgress returns a run's entries with seq > afterSeq in seq order.
func (db *DB) ListProgress(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]model.ProgressEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, seq, phase, detail, status, created_at
		 FROM run_progress WHERE run_id = $1 AND seq > $2 ORDER BY seq`,
		runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("storage: list progress: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ProgressEntry, error) {
		var e model.ProgressEntry
		err := row.Scan(&e.RunID, &e.Seq, &e.Phase, &e.Detail, &e.Status, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan progress: %w", err)
	}
	return entries, nil
}
