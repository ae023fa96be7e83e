package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/model"
)

const documentColumns = `id, org_id, module, scope, doc_key, name, content, run_id, source_run_id,
	provider, model, input_tokens, output_tokens, superseded_by, superseded_at, created_at`

func insertDocument(ctx context.Context, tx *sql.Tx, doc *model.ContextDocument, now time.Time) error {
	if doc.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate document id: %w", err)
		}
		doc.ID = id
	}
	doc.CreatedAt = now
	ts := formatTime(now)

	if _, err := tx.ExecContext(ctx,
		`UPDATE context_documents SET superseded_by = ?, superseded_at = ?
		 WHERE org_id = ? AND module = ? AND scope = ? AND doc_key = ? AND superseded_by IS NULL`,
		doc.ID, ts, doc.OrgID, string(doc.Module), doc.Scope, string(doc.Key),
	); err != nil {
		return fmt.Errorf("supersede %s: %w", doc.Key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO context_documents (id, org_id, module, scope, doc_key, name, content, run_id, source_run_id,
		     provider, model, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OrgID, string(doc.Module), doc.Scope, string(doc.Key), doc.Name, doc.Content,
		doc.RunID, doc.SourceRunID, doc.Provider, doc.Model, doc.InputTokens, doc.OutputTokens, ts,
	); err != nil {
		return fmt.Errorf("insert %s: %w", doc.Key, err)
	}
	return nil
}

// ListDocuments returns an org's context documents, current versions only unless
// IncludeSuperseded is set.
func (s *Store) ListDocuments(ctx context.Context, orgID int64, f model.DocumentFilter) ([]model.ContextDocument, error) {
	if f.Limit <= 0 {
		f.Limit = 200
	}
	conds := []string{"org_id = ?"}
	args := []any{orgID}
	if f.Module != "" {
		conds, args = append(conds, "module = ?"), append(args, string(f.Module))
	}
	if f.Scope != "" {
		conds, args = append(conds, "scope = ?"), append(args, f.Scope)
	}
	if f.Key != "" {
		conds, args = append(conds, "doc_key = ?"), append(args, string(f.Key))
	}
	if f.RunID != nil {
		conds, args = append(conds, "run_id = ?"), append(args, *f.RunID)
	}
	if !f.IncludeSuperseded {
		conds = append(conds, "superseded_by IS NULL")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM context_documents WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY module, scope, doc_key, created_at DESC LIMIT ?`,
		append(args, f.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []model.ContextDocument
	for rows.Next() {
		var (
			d            model.ContextDocument
			supersededAt sql.NullString
			created      string
		)
		if err := rows.Scan(
			&d.ID, &d.OrgID, &d.Module, &d.Scope, &d.Key, &d.Name, &d.Content, &d.RunID, &d.SourceRunID,
			&d.Provider, &d.Model, &d.InputTokens, &d.OutputTokens, &d.SupersededBy, &supersededAt, &created,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan document: %w", err)
		}
		if d.SupersededAt, err = parseNullTime(supersededAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan document: %w", err)
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("sqlite: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
