package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey string

const ctxTxKey = txContextKey("tx")

// Tx is the slice of sqlx.Tx the repositories use, with context-aware
// Commit and Rollback that understand shared transactions.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// sharedTx lets nested repository calls join an already open transaction.
// Only the call that opened it actually commits; joiners see their Commit
// and Rollback become no-ops through the owned flag.
type sharedTx struct {
	*sqlx.Tx
	logger ectologger.Logger
	owned  bool
	closed *bool
}

// GetTx returns the transaction attached to ctx when one is open, as a
// non-owning handle. Otherwise it begins a new transaction, attaches it to
// the returned context and hands back the owning handle.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(ctxTxKey).(*sharedTx); ok && !*existing.closed {
		joined := &sharedTx{Tx: existing.Tx, logger: logger, owned: false, closed: existing.closed}
		return ctx, joined, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("failed to begin transaction")
		return ctx, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	closed := false
	owner := &sharedTx{Tx: tx, logger: logger, owned: true, closed: &closed}
	return context.WithValue(ctx, ctxTxKey, owner), owner, nil
}

func (t *sharedTx) Commit(ctx context.Context) error {
	if !t.owned || *t.closed {
		return nil
	}

	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("failed to commit transaction")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	*t.closed = true
	return nil
}

// Rollback is meant for defer. After a successful Commit, or on a handle
// that joined someone else's transaction, it does nothing.
func (t *sharedTx) Rollback(ctx context.Context) error {
	if !t.owned || *t.closed {
		return nil
	}

	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("failed to roll back transaction")
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	*t.closed = true
	return nil
}
