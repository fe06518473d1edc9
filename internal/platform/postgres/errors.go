package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sqlStateUniqueViolation      = "23505"
	sqlStateForeignKeyViolation  = "23503"
	sqlStateCheckViolation       = "23514"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateAdminShutdown        = "57P01"
	sqlStateCannotConnectNow     = "57P03"
	sqlStateQueryCanceled        = "57014"
)

// Error implements repositories.RepositoryError for Postgres backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing row.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a constraint violation or lost serialization race.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// NotFound builds a not-found error for lookups that resolve no row.
func NotFound(op string, what string) error {
	return &Error{op: op, err: fmt.Errorf("%s not found", what), notFound: true}
}

// Conflict builds a conflict error for optimistic concurrency failures detected by callers.
func Conflict(op string, msg string) error {
	return &Error{op: op, err: errors.New(msg), conflict: true}
}

func newError(op string, err error) *Error {
	e := &Error{op: op, err: err}
	if errors.Is(err, pgx.ErrNoRows) {
		e.notFound = true
		return e
	}
	if errors.Is(err, ErrProviderClosed) {
		e.unavailable = true
		return e
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation, sqlStateForeignKeyViolation, sqlStateCheckViolation,
			sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			e.conflict = true
		case sqlStateAdminShutdown, sqlStateCannotConnectNow, sqlStateQueryCanceled:
			e.unavailable = true
		default:
			// Class 08 is connection exceptions, class 53 is insufficient resources.
			if len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53") {
				e.unavailable = true
			}
		}
		return e
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		e.unavailable = true
	}
	return e
}

// WrapError annotates pgx errors with repository semantics. Context cancellations are passed through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	return newError(op, err)
}

// IsRetryable reports whether the transaction failed on a serialization or deadlock abort
// and can be replayed from the start.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}
