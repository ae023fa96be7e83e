package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiori/internal/model"
)

const runColumns = `id, org_id, user_id, module, stage, parent_run_id, scope, status,
	input_config, input_sources, extracted_data, generated_output,
	error_message, error_kind, created_at, completed_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.OrgID, &r.UserID, &r.Module, &r.Stage, &r.ParentRunID, &r.Scope, &r.Status,
		&r.InputConfig, &r.InputSources, &r.ExtractedData, &r.GeneratedOutput,
		&r.ErrorMessage, &r.ErrorKind, &r.CreatedAt, &r.CompletedAt,
	)
	return r, err
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// CreateRun inserts a new run in the running state and returns it.
func (db *DB) CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: generate run id: %w", err)
	}
	run := model.Run{
		ID:           id,
		OrgID:        req.OrgID,
		UserID:       req.UserID,
		Module:       req.Module,
		Stage:        req.Stage,
		ParentRunID:  req.ParentRunID,
		Scope:        req.Scope,
		Status:       model.RunStatusRunning,
		InputConfig:  req.InputConfig,
		InputSources: req.InputSources,
		CreatedAt:    time.Now().UTC(),
	}
	if run.InputConfig == nil {
		run.InputConfig = map[string]any{}
	}
	var sources any
	if len(run.InputSources) > 0 {
		sources = run.InputSources
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (id, org_id, user_id, module, stage, parent_run_id, scope, status, input_config, input_sources, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.OrgID, run.UserID, string(run.Module), string(run.Stage), run.ParentRunID,
		run.Scope, string(run.Status), run.InputConfig, sources, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID, scoped to the given org.
func (db *DB) GetRun(ctx context.Context, orgID int64, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND org_id = $2`, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, runNotFound(id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs for an org matching the filter, newest first, plus the total match count.
func (db *DB) ListRuns(ctx context.Context, orgID int64, f model.RunFilter) ([]model.Run, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	conds := []string{"org_id = $1"}
	args := []any{orgID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Module != "" {
		add("module = $%d", string(f.Module))
	}
	if f.Stage != "" {
		add("stage = $%d", string(f.Stage))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ParentRunID != nil {
		add("parent_run_id = $%d", *f.ParentRunID)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			runColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// LatestCompletedChild returns the newest completed run of the given stage whose parent is parentID.
func (db *DB) LatestCompletedChild(ctx context.Context, orgID int64, parentID uuid.UUID, stage model.Stage) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE org_id = $1 AND parent_run_id = $2 AND stage = $3 AND status = 'completed'
		 ORDER BY completed_at DESC, id DESC LIMIT 1`,
		orgID, parentID, string(stage)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: no completed %s run for %s: %w", stage, parentID, model.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: latest child run: %w", err)
	}
	return run, nil
}

// CompleteExtraction stores the extracted payload and flips the run to completed
// in one statement. If the run is no longer running the stored row is returned unchanged.
func (db *DB) CompleteExtraction(ctx context.Context, orgID int64, id uuid.UUID, scope string, data json.RawMessage) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET status = 'completed', completed_at = $1, scope = $2, extracted_data = $3
		 WHERE id = $4 AND org_id = $5 AND status = 'running'
		 RETURNING `+runColumns,
		time.Now().UTC(), scope, nullJSON(data), id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.GetRun(ctx, orgID, id)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: complete extraction: %w", err)
	}
	return run, nil
}

// CompleteGeneration stores the generated output, inserts docs (superseding the current
// document for each key), and flips the run to completed, all in one transaction.
// If the run is no longer running nothing is written and the stored row is returned.
func (db *DB) CompleteGeneration(ctx context.Context, orgID int64, id uuid.UUID, output json.RawMessage, docs []model.ContextDocument) (model.Run, error) {
	var run model.Run
	var stale bool
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		stale = false
		var status model.RunStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM runs WHERE id = $1 AND org_id = $2 FOR UPDATE`, id, orgID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return runNotFound(id)
		}
		if err != nil {
			return err
		}
		if status.Terminal() {
			stale = true
			return nil
		}

		now := time.Now().UTC()
		for i := range docs {
			if err := insertDocument(ctx, tx, &docs[i], now); err != nil {
				return err
			}
		}

		run, err = scanRun(tx.QueryRow(ctx,
			`UPDATE runs SET status = 'completed', completed_at = $1, generated_output = $2
			 WHERE id = $3 RETURNING `+runColumns,
			now, nullJSON(output), id))
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Run{}, err
		}
		return model.Run{}, fmt.Errorf("storage: complete generation: %w", err)
	}
	if stale {
		return db.GetRun(ctx, orgID, id)
	}
	return run, nil
}

// FinalizeRun applies a terminal transition without payload. Only running rows
// are updated; otherwise the stored run is returned unchanged, which makes
// repeated finalization a no-op.
func (db *DB) FinalizeRun(ctx context.Context, orgID int64, id uuid.UUID, fin model.Finalization) (model.Run, error) {
	if !fin.Status.Terminal() {
		return model.Run{}, fmt.Errorf("storage: finalize run: %q is not terminal", fin.Status)
	}
	var msg *string
	if fin.ErrorMessage != "" {
		msg = &fin.ErrorMessage
	}
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET status = $1, completed_at = $2, error_kind = $3, error_message = $4
		 WHERE id = $5 AND org_id = $6 AND status = 'running'
		 RETURNING `+runColumns,
		string(fin.Status), time.Now().UTC(), string(fin.ErrorKind), msg, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.GetRun(ctx, orgID, id)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: finalize run: %w", err)
	}
	return run, nil
}

// InterruptRunningRuns fails every run still marked running. Called once at
// startup: a run row that outlived its process has no worker left to finish it.
func (db *DB) InterruptRunningRuns(ctx context.Context, message string) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE runs SET status = 'failed', completed_at = $1, error_kind = $2, error_message = $3
		 WHERE status = 'running'
		 RETURNING `+runColumns,
		time.Now().UTC(), string(model.ErrorKindInterrupted), message)
	if err != nil {
		return nil, fmt.Errorf("storage: interrupt running runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan interrupted run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
