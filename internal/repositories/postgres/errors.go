package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes mapped to repository semantics.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
)

// Error implements repositories.RepositoryError for PostgreSQL backed repositories.
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
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports whether the error represents a constraint or serialization conflict.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }

// UniqueViolation reports whether err was caused by a unique constraint. constraint may be empty to match any.
func UniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

func notFound(op string, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), notFound: true}
}

// wrapError annotates driver errors with repository semantics. Context cancellations are passed through.
func wrapError(op string, err error) error {
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

	e := &Error{op: op, err: err}
	if errors.Is(err, pgx.ErrNoRows) {
		e.notFound = true
		return e
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeForeignKeyViolation, codeCheckViolation,
			codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			e.conflict = true
		case codeTooManyConnections, codeAdminShutdown, codeCannotConnectNow:
			e.unavailable = true
		}
		return e
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		e.unavailable = true
	}
	return e
}
