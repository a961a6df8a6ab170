package application

import (
	"context"
	"errors"
	"fmt"
)

// UnitOfWork scopes a set of repository calls to one transaction. Begin
// returns a context that carries the transaction; repositories resolve their
// executor from it.
type UnitOfWork interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WithUnitOfWork runs fn inside a transaction. The transaction is committed
// when fn returns nil and rolled back when it returns an error or panics.
// A failed rollback is joined to fn's error so callers can still match on it.
func WithUnitOfWork(ctx context.Context, uow UnitOfWork, fn func(txCtx context.Context) error) error {
	txCtx, err := uow.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			_ = uow.Rollback(txCtx)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := uow.Rollback(txCtx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	committed = true
	if err := uow.Commit(txCtx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
