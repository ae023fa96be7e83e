package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiori/internal/model"
)

const documentColumns = `id, org_id, module, scope, doc_key, name, content, run_id, source_run_id,
	provider, model, input_tokens, output_tokens, superseded_by, superseded_at, created_at`

// insertDocument supersedes the current document for the same (org, module, scope, key)
// and inserts doc as the new current version. The superseded_by foreign key is deferred,
// so the old row may point at the new id before it exists.
func insertDocument(ctx context.Context, tx pgx.Tx, doc *model.ContextDocument, now time.Time) error {
	if doc.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate document id: %w", err)
		}
		doc.ID = id
	}
	doc.CreatedAt = now

	if _, err := tx.Exec(ctx,
		`UPDATE context_documents SET superseded_by = $1, superseded_at = $2
		 WHERE org_id = $3 AND module = $4 AND scope = $5 AND doc_key = $6 AND superseded_by IS NULL`,
		doc.ID, now, doc.OrgID, string(doc.Module), doc.Scope, string(doc.Key),
	); err != nil {
		return fmt.Errorf("supersede %s: %w", doc.Key, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO context_documents (id, org_id, module, scope, doc_key, name, content, run_id, source_run_id,
		     provider, model, input_tokens, output_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		doc.ID, doc.OrgID, string(doc.Module), doc.Scope, string(doc.Key), doc.Name, doc.Content,
		doc.RunID, doc.SourceRunID, doc.Provider, doc.Model, doc.InputTokens, doc.OutputTokens, now,
	); err != nil {
		return fmt.Errorf("insert %s: %w", doc.Key, err)
	}
	return nil
}

// ListDocuments returns an org's context documents, current versions only unless
// IncludeSuperseded is set. Ordered by module, scope, key, newest first.
func (db *DB) ListDocuments(ctx context.Context, orgID int64, f model.DocumentFilter) ([]model.ContextDocument, error) {
	if f.Limit <= 0 {
		f.Limit = 200
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
	if f.Scope != "" {
		add("scope = $%d", f.Scope)
	}
	if f.Key != "" {
		add("doc_key = $%d", string(f.Key))
	}
	if f.RunID != nil {
		add("run_id = $%d", *f.RunID)
	}
	if !f.IncludeSuperseded {
		conds = append(conds, "superseded_by IS NULL")
	}
	args = append(args, f.Limit)

	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM context_documents WHERE %s
			ORDER BY module, scope, doc_key, created_at DESC LIMIT $%d`,
			documentColumns, strings.Join(conds, " AND "), len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list documents: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ContextDocument, error) {
		var d model.ContextDocument
		err := row.Scan(
			&d.ID, &d.OrgID, &d.Module, &d.Scope, &d.Key, &d.Name, &d.Content, &d.RunID, &d.SourceRunID,
			&d.Provider, &d.Model, &d.InputTokens, &d.OutputTokens, &d.SupersededBy, &d.SupersededAt, &d.CreatedAt,
		)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan documents: %w", err)
	}
	return docs, nil
}
