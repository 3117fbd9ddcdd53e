package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/utils"
)

type archiveTxKey struct{}

// TransactionManager runs archive writes inside a transaction carried by the context.
// Nested calls join the outer transaction instead of opening a second one.
type TransactionManager struct {
	db  *sqlx.DB
	log *logrus.Entry
}

func NewTransactionManager(db *sqlx.DB, log *logrus.Entry) *TransactionManager {
	return &TransactionManager{db: db, log: log}
}

// WithTransaction commits when fn returns nil and rolls back otherwise. Row locks taken
// with SELECT ... FOR UPDATE through GetExecutor(txCtx, ...) are held until commit.
// Begin and commit failures are reported as utils.ErrDatabase; fn's own error is returned as is.
func (tm *TransactionManager) WithTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := tm.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin archive transaction: %w", utils.ErrDatabase, err)
	}

	if err := fn(context.WithValue(ctx, archiveTxKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			tm.log.Warnf("Rollback after %v failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit archive transaction: %w", utils.ErrDatabase, err)
	}
	return nil
}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(archiveTxKey{}).(*sqlx.Tx)
	return tx
}

// GetExecutor returns the context's transaction if there is one, the pool otherwise
func GetExecutor(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db
}
