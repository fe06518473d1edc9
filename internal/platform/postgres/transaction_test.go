package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeTx struct {
	pgx.Tx
	commitErr  error
	committed  int
	rolledBack int
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed++
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack++
	return nil
}

type fakeBeginner struct {
	txs   []*fakeTx
	begun int
	err   error
}

func (b *fakeBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	tx := &fakeTx{}
	if b.begun < len(b.txs) {
		tx = b.txs[b.begun]
	}
	b.begun++
	return tx, nil
}

func TestRunInTxCommits(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeBeginner{txs: []*fakeTx{tx}}

	var sawTx bool
	err := RunInTx(context.Background(), db, func(ctx context.Context) error {
		_, sawTx = TxFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	if !sawTx {
		t.Fatalf("expected transaction on context")
	}
	if tx.committed != 1 || tx.rolledBack != 0 {
		t.Fatalf("expected single commit, got commit=%d rollback=%d", tx.committed, tx.rolledBack)
	}
}

func TestRunInTxRollsBackAndReturnsCallbackError(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeBeginner{txs: []*fakeTx{tx}}
	sentinel := errors.New("insufficient stock")

	err := RunInTx(context.Background(), db, func(context.Context) error { return sentinel })
	if err != sentinel {
		t.Fatalf("expected callback error to surface unchanged, got %v", err)
	}
	if tx.rolledBack != 1 || tx.committed != 0 {
		t.Fatalf("expected rollback only, got commit=%d rollback=%d", tx.committed, tx.rolledBack)
	}
	if db.begun != 1 {
		t.Fatalf("business errors must not be retried, begun=%d", db.begun)
	}
}

func TestRunInTxRetriesSerializationFailure(t *testing.T) {
	first := &fakeTx{commitErr: &pgconn.PgError{Code: "40001"}}
	second := &fakeTx{}
	db := &fakeBeginner{txs: []*fakeTx{first, second}}

	calls := 0
	err := RunInTx(context.Background(), db, func(context.Context) error {
		calls++
		return nil
	}, WithTxAttempts(3))
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if second.committed != 1 {
		t.Fatalf("expected second transaction to commit")
	}
}

func TestRunInTxGivesUpAfterAttempts(t *testing.T) {
	db := &fakeBeginner{txs: []*fakeTx{
		{commitErr: &pgconn.PgError{Code: "40P01"}},
		{commitErr: &pgconn.PgError{Code: "40P01"}},
	}}

	err := RunInTx(context.Background(), db, func(context.Context) error { return nil }, WithTxAttempts(2))
	var repoErr *Error
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if db.begun != 2 {
		t.Fatalf("expected 2 attempts, got %d", db.begun)
	}
}

func TestRunInTxJoinsOuterTransaction(t *testing.T) {
	outer := &fakeTx{}
	db := &fakeBeginner{txs: []*fakeTx{outer}}

	err := RunInTx(context.Background(), db, func(ctx context.Context) error {
		return RunInTx(ctx, db, func(inner context.Context) error {
			tx, ok := TxFromContext(inner)
			if !ok || tx != outer {
				t.Fatalf("expected nested call to join outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	if db.begun != 1 {
		t.Fatalf("expected one transaction, got %d", db.begun)
	}
	if outer.committed != 1 {
		t.Fatalf("expected outer commit")
	}
}

func TestRunInTxBeginFailureIsUnavailable(t *testing.T) {
	db := &fakeBeginner{err: &pgconn.PgError{Code: "57P03"}}
	err := RunInTx(context.Background(), db, func(context.Context) error { return nil })
	var repoErr *Error
	if !errors.As(err, &repoErr) || !repoErr.IsUnavailable() {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
