// Package sqlite is an embedded run store backed by modernc.org/sqlite.
// It serves single-node deployments (DATABASE_URL=sqlite:<path>) and tests,
// and mirrors the semantics of the Postgres store method for method.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/shiori/internal/model"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a RunStore over a single SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database that lives as long as the Store.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func runNotFound(id uuid.UUID) error {
	return fmt.Errorf("sqlite: run %s: %w", id, model.ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, org_id, user_id, module, stage, parent_run_id, scope, status,
	input_config, input_sources, extracted_data, generated_output,
	error_message, error_kind, created_at, completed_at`

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                          model.Run
		inputConfig                string
		sources, extracted, output sql.NullString
		createdAt                  string
		completedAt                sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.OrgID, &r.UserID, &r.Module, &r.Stage, &r.ParentRunID, &r.Scope, &r.Status,
		&inputConfig, &sources, &extracted, &output,
		&r.ErrorMessage, &r.ErrorKind, &createdAt, &completedAt,
	); err != nil {
		return model.Run{}, err
	}
	if err := json.Unmarshal([]byte(inputConfig), &r.InputConfig); err != nil {
		return model.Run{}, fmt.Errorf("decode input_config: %w", err)
	}
	if sources.Valid {
		if err := json.Unmarshal([]byte(sources.String), &r.InputSources); err != nil {
			return model.Run{}, fmt.Errorf("decode input_sources: %w", err)
		}
	}
	if extracted.Valid {
		r.ExtractedData = json.RawMessage(extracted.String)
	}
	if output.Valid {
		r.GeneratedOutput = json.RawMessage(output.String)
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Run{}, fmt.Errorf("decode created_at: %w", err)
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return model.Run{}, fmt.Errorf("decode completed_at: %w", err)
	}
	return r, nil
}

// CreateRun inserts a new run in the running state and returns it.
func (s *Store) CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: generate run id: %w", err)
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
	cfg, err := json.Marshal(run.InputConfig)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: encode input_config: %w", err)
	}
	var sources []byte
	if len(run.InputSources) > 0 {
		if sources, err = json.Marshal(run.InputSources); err != nil {
			return model.Run{}, fmt.Errorf("sqlite: encode input_sources: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, org_id, user_id, module, stage, parent_run_id, scope, status, input_config, input_sources, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrgID, run.UserID, string(run.Module), string(run.Stage), run.ParentRunID,
		run.Scope, string(run.Status), string(cfg), nullText(sources), formatTime(run.CreatedAt),
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID, scoped to the given org.
func (s *Store) GetRun(ctx context.Context, orgID int64, id uuid.UUID) (model.Run, error) {
	return getRun(ctx, s.db, orgID, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRun(ctx context.Context, q queryer, orgID int64, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? AND org_id = ?`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, runNotFound(id)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs for an org matching the filter, newest first, plus the total match count.
func (s *Store) ListRuns(ctx context.Context, orgID int64, f model.RunFilter) ([]model.Run, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	conds := []string{"org_id = ?"}
	args := []any{orgID}
	if f.Module != "" {
		conds, args = append(conds, "module = ?"), append(args, string(f.Module))
	}
	if f.Stage != "" {
		conds, args = append(conds, "stage = ?"), append(args, string(f.Stage))
	}
	if f.Status != "" {
		conds, args = append(conds, "status = ?"), append(args, string(f.Status))
	}
	if f.ParentRunID != nil {
		conds, args = append(conds, "parent_run_id = ?"), append(args, *f.ParentRunID)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// LatestCompletedChild returns the newest completed run of the given stage whose parent is parentID.
func (s *Store) LatestCompletedChild(ctx context.Context, orgID int64, parentID uuid.UUID, stage model.Stage) (model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE org_id = ? AND parent_run_id = ? AND stage = ? AND status = 'completed'
		 ORDER BY completed_at DESC, id DESC LIMIT 1`,
		orgID, parentID, string(stage)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("sqlite: no completed %s run for %s: %w", stage, parentID, model.ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: latest child run: %w", err)
	}
	return run, nil
}

// CompleteExtraction stores the extracted payload and flips the run to completed
// in one statement. If the run is no longer running the stored row is returned unchanged.
func (s *Store) CompleteExtraction(ctx context.Context, orgID int64, id uuid.UUID, scope string, data json.RawMessage) (model.Run, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'completed', completed_at = ?, scope = ?, extracted_data = ?
		 WHERE id = ? AND org_id = ? AND status = 'running'`,
		formatTime(time.Now()), scope, nullText(data), id, orgID,
	); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: complete extraction: %w", err)
	}
	return s.GetRun(ctx, orgID, id)
}

// CompleteGeneration stores the generated output and docs and flips the run to
// completed in one transaction. A run that is no longer running is left untouched.
func (s *Store) CompleteGeneration(ctx context.Context, orgID int64, id uuid.UUID, output json.RawMessage, docs []model.ContextDocument) (model.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getRun(ctx, tx, orgID, id)
	if err != nil {
		return model.Run{}, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	now := time.Now().UTC()
	for i := range docs {
		if err := insertDocument(ctx, tx, &docs[i], now); err != nil {
			return model.Run{}, fmt.Errorf("sqlite: complete generation: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = 'completed', completed_at = ?, generated_output = ? WHERE id = ?`,
		formatTime(now), nullText(output), id,
	); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: complete generation: %w", err)
	}
	run, err := getRun(ctx, tx, orgID, id)
	if err != nil {
		return model.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return run, nil
}

// FinalizeRun applies a terminal transition without payload. Only running rows
// are updated; otherwise the stored run is returned unchanged.
func (s *Store) FinalizeRun(ctx context.Context, orgID int64, id uuid.UUID, fin model.Finalization) (model.Run, error) {
	if !fin.Status.Terminal() {
		return model.Run{}, fmt.Errorf("sqlite: finalize run: %q is not terminal", fin.Status)
	}
	var msg any
	if fin.ErrorMessage != "" {
		msg = fin.ErrorMessage
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, error_kind = ?, error_message = ?
		 WHERE id = ? AND org_id = ? AND status = 'running'`,
		string(fin.Status), formatTime(time.Now()), string(fin.ErrorKind), msg, id, orgID,
	); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: finalize run: %w", err)
	}
	return s.GetRun(ctx, orgID, id)
}

// InterruptRunningRuns fails every run still marked running.
func (s *Store) InterruptRunningRuns(ctx context.Context, message string) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE runs SET status = 'failed', completed_at = ?, error_kind = ?, error_message = ?
		 WHERE status = 'running'
		 RETURNING `+runColumns,
		formatTime(time.Now()), string(model.ErrorKindInterrupted), message)
	if err != nil {
		return nil, fmt.Errorf("sqlite: interrupt running runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan interrupted run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
