package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// TxFunc is the unit of work executed inside a transaction.
type TxFunc func(exec sqlx.ExtContext) error

// TxRunner executes work inside a transaction and re-runs it when PostgreSQL
// aborts the transaction because of a concurrent writer.
type TxRunner struct {
	db          *sqlx.DB
	maxAttempts int
	backoff     time.Duration
	opts        *sql.TxOptions
	onRetry     func(attempt int, err error)
}

// NewTxRunner constructs a runner. maxAttempts <= 0 falls back to 5.
func NewTxRunner(db *sqlx.DB, maxAttempts int) *TxRunner {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &TxRunner{db: db, maxAttempts: maxAttempts, backoff: 15 * time.Millisecond}
}

// WithRetryHook registers a callback invoked before every retry.
func (r *TxRunner) WithRetryHook(fn func(attempt int, err error)) *TxRunner {
	r.onRetry = fn
	return r
}

// WithOptions sets the isolation options used for every attempt.
func (r *TxRunner) WithOptions(opts *sql.TxOptions) *TxRunner {
	r.opts = opts
	return r
}

// RunInTx runs fn in a transaction, committing on success and rolling back on error.
func (r *TxRunner) RunInTx(ctx context.Context, fn TxFunc) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = r.runOnce(ctx, fn)
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == r.maxAttempts {
			break
		}
		if r.onRetry != nil {
			r.onRetry(attempt, lastErr)
		}
		timer := time.NewTimer(time.Duration(attempt) * r.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", r.maxAttempts, lastErr)
}

func (r *TxRunner) runOnce(ctx context.Context, fn TxFunc) (err error) {
	tx, err := r.db.BeginTxx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		committed = true
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// IsRetryable reports whether err is a serialization failure or deadlock.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}
