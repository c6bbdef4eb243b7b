package model

import "context"

// TxManager runs a function with transactional semantics: every store call
// made through the derived context commits or rolls back as one unit. The
// function's error is returned unchanged after rollback.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
