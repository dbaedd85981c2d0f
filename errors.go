package signalbus

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSignalType is returned when a name does not match a registered signal type.
	ErrUnknownSignalType = errors.New("signalbus: unknown signal type")
	// ErrNoSender is returned when a signal type is registered without a Sender.
	ErrNoSender = errors.New("signalbus: signal type has no sender")
	// ErrNoPositionColumn is returned when scanning a table on a dialect that
	// has no physical row address and no position column was configured.
	ErrNoPositionColumn = errors.New("signalbus: position column required for this dialect")
	// ErrInvalidBurstCount is returned for a negative burst count.
	ErrInvalidBurstCount = errors.New("signalbus: burst count must be positive")
)

// ConflictError marks an error as a transient transaction conflict.
// Returning it from a transaction function makes the retry policy re-run the
// whole transaction.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return "transaction conflict"
	}
	return fmt.Sprintf("transaction conflict: %v", e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Conflict reports that the error is retryable.
func (e *ConflictError) Conflict() bool { return true }

// RetryExhaustedError is returned when a transaction kept conflicting until
// the retry policy gave up. Err is the last conflict.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d conflicting attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// DeliveryError indicates that the broker did not acknowledge a burst.
// The burst transaction was rolled back and none of the signals were deleted.
type DeliveryError struct {
	Type    string
	Signals []*Signal
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering %d %s signal(s): %v", len(e.Signals), e.Type, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StoreError indicates a failing database operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// FlushError reports a signal type whose flush loop stopped on an error.
// Sent is the number of signals delivered before the failure.
type FlushError struct {
	Type string
	Sent int
	Err  error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flushing %s after %d sent: %v", e.Type, e.Sent, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// ScanError reports a scan that aborted. Scanning can be resumed from
// LowerBound with WithStartPosition.
type ScanError struct {
	Table      string
	LowerBound int64
	Err        error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanning %s at position %d: %v", e.Table, e.LowerBound, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// JobError reports a pool job that failed or panicked.
// Index is the position of the item in the order it was pulled from the source.
type JobError struct {
	Index int
	Item  any
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d: %v", e.Index, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
