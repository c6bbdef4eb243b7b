package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mkravets/authgate/internal/model"
)

type txKey struct{}

var _ model.TxManager = (*TxManager)(nil)

// TxManager runs functions inside a pgx transaction carried in the context;
// repositories pick it up through Connection.querier. Nested calls join the
// outer transaction.
type TxManager struct {
	db *Connection
}

func NewTxManager(db *Connection) *TxManager {
	return &TxManager{db: db}
}

// WithinTx begins a transaction, runs fn with a transactional context, and
// commits on success or rolls back on error or panic. Panics are rethrown;
// fn's error is returned unchanged.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx))
	return err
}
