package signalbus

import (
	"context"
	"database/sql"
	"time"

	"github.com/oagudo/signalbus/internal/dberr"
)

// ErrorClass tells whether a failed transaction can be re-run.
type ErrorClass = dberr.Class

const (
	// Fatal errors abort the transaction and are returned to the caller.
	Fatal = dberr.Fatal
	// Conflict errors are serialization failures and deadlocks.
	Conflict = dberr.Conflict
)

// Classify returns Conflict for serialization failures and deadlocks of the
// supported drivers and for *ConflictError, and Fatal for everything else.
func Classify(err error) ErrorClass {
	return dberr.Classify(err)
}

// TxFunc is the unit of work run by a RetryPolicy. It may be invoked several
// times, so it must not keep state from a previous attempt.
type TxFunc func(ctx context.Context, tx Tx) error

// RetryPolicy re-runs transactions that failed with a conflict.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// Delay is consulted before every retry except the first, which is immediate.
	Delay DelayFunc
	// OnConflict, when set, is called after every conflicting attempt that
	// will be retried.
	OnConflict func(attempt int, err error)
}

// DefaultRetryPolicy retries up to 12 attempts with jittered exponential
// delays between 100 milliseconds and 1 second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 12,
		Delay:       Jittered(Exponential(100*time.Millisecond, time.Second)),
	}
}

// Do begins a transaction, calls fn and commits. When any of these steps fails
// with a conflict the transaction is rolled back and run again.
// Non-conflict errors are returned immediately; running out of attempts returns
// a *RetryExhaustedError wrapping the last conflict.
func (p RetryPolicy) Do(ctx context.Context, db DB, opts *sql.TxOptions, fn TxFunc) error {
	maxAttempts := max(p.MaxAttempts, 1)

	for failures := 0; ; {
		err := runTx(ctx, db, opts, fn)
		if err == nil {
			return nil
		}
		if Classify(err) != Conflict {
			return err
		}

		failures++
		if failures >= maxAttempts {
			return &RetryExhaustedError{Attempts: failures, Err: err}
		}
		if p.OnConflict != nil {
			p.OnConflict(failures, err)
		}

		if failures > 1 && p.Delay != nil {
			if err := sleep(ctx, p.Delay(failures-2)); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func runTx(ctx context.Context, db DB, opts *sql.TxOptions, fn TxFunc) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return &StoreError{Op: "begin transaction", Err: err}
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "commit transaction", Err: err}
	}
	committed = true
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
