package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// Querier is the statement surface shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// TxFunc is executed within a transaction. The supplied context carries the transaction.
type TxFunc func(ctx context.Context) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts  int
	timeout   time.Duration
	isolation pgx.TxIsoLevel
}

// WithTxAttempts overrides how many times a serialization failure is replayed.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithIsolation overrides the isolation level. Read committed is the default.
func WithIsolation(level pgx.TxIsoLevel) TxOption {
	return func(cfg *txConfig) {
		if level != "" {
			cfg.isolation = level
		}
	}
}

type txContextKey struct{}

// ContextWithTx binds tx to ctx so repositories pick it up through QuerierFrom.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction bound to ctx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// QuerierFrom returns the transaction carried by ctx or falls back to q.
func QuerierFrom(ctx context.Context, q Querier) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return q
}

// RunInTx executes fn inside a transaction. When ctx already carries a transaction fn joins it
// and the outer caller owns commit and rollback.
func RunInTx(ctx context.Context, db TxBeginner, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	if db == nil {
		return WrapError("transaction", errors.New("postgres: database is nil"))
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout, isolation: pgx.ReadCommitted}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	if cfg.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > cfg.timeout {
			var cancel context.CancelFunc
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}
	}

	var err error
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		err = runOnce(txnCtx, db, fn, cfg)
		if err == nil || !IsRetryable(err) || txnCtx.Err() != nil {
			break
		}
	}

	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return cbErr.err
	}
	return WrapError("transaction", err)
}

// callbackError marks failures returned by the caller's TxFunc so they surface unchanged.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

func runOnce(ctx context.Context, db TxBeginner, fn TxFunc, cfg txConfig) (err error) {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: cfg.isolation})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			// Rollback on a context that survives cancellation so the connection is released.
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if fnErr := fn(ContextWithTx(ctx, tx)); fnErr != nil {
		err = &callbackError{err: fnErr}
		return err
	}
	return tx.Commit(ctx)
}
