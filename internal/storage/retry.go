package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// txPolicy bounds how often a conflicting transaction is replayed.
type txPolicy struct {
	attempts  int
	baseDelay time.Duration
}

var defaultTxPolicy = txPolicy{attempts: 4, baseDelay: 20 * time.Millisecond}

// conflictCode classifies Postgres errors that a replay can resolve.
func conflictCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return pgErr.Code, true
	case "23505":
		// Two generations superseding the same (org, module, scope, key) at once.
		return pgErr.Code, pgErr.ConstraintName == "context_documents_current_idx"
	}
	return "", false
}

// inTx runs fn in a transaction, replaying the whole transaction when it loses
// a conflict to a concurrent writer. fn must be safe to call more than once.
func (db *DB) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	delay := defaultTxPolicy.baseDelay
	for attempt := 1; ; attempt++ {
		err := pgx.BeginFunc(ctx, db.pool, fn)
		code, retry := conflictCode(err)
		if !retry || attempt == defaultTxPolicy.attempts {
			return err
		}
		db.logger.Debug("storage: replaying conflicted transaction", "code", code, "attempt", attempt)

		wait := delay + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
