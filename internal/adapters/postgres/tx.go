package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/causal/internal/adapters/metrics"
	"github.com/longregen/causal/internal/adapters/tracing"
	"go.opentelemetry.io/otel/codes"
)

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTx returns the transaction WithTransaction stored in ctx, or nil.
func GetTx(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// WithTransaction runs fn with a context whose store calls share one
// transaction. A call made inside another joins the outer transaction, so
// commit and rollback happen once, at the outermost level. A panic in fn
// rolls back and is returned as an error.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if GetTx(ctx) != nil {
		return fn(ctx)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	ctx, span := tracing.Tracer("causal/postgres").Start(ctx, "postgres.transaction")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(fmt.Errorf("transaction panicked: %v", r), rollback(ctx, tx))
		}
	}()

	if err = fn(withTx(ctx, tx)); err != nil {
		return errors.Join(err, rollback(ctx, tx))
	}
	if err = tx.Commit(ctx); err != nil {
		metrics.PersistenceErrorsTotal.WithLabelValues("commit").Inc()
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx) error {
	metrics.PersistenceErrorsTotal.WithLabelValues("rollback").Inc()
	// The caller's deadline may be what failed the transaction.
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
