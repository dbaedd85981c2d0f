package signalbus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Writer records signals as part of user-defined queries within a database
// transaction. It optionally flushes the recorded signal types right after
// the transaction commits.
type Writer struct {
	dbCtx     *DBContext
	registry  *Registry
	unmanaged *UnmanagedWriter

	autoFlush    *Bus
	flushTimeout time.Duration
	logger       *slog.Logger
}

// UnmanagedWriter records signals with a transaction owned by the caller.
// It neither commits nor rolls back, and never triggers automatic flushing.
//
// An UnmanagedWriter must be obtained via Writer.Unmanaged().
type UnmanagedWriter struct {
	dbCtx    *DBContext
	registry *Registry
}

// WorkFunc is the user supplied callback for [Writer.Write]. It runs
// business queries and records signals in the same transaction.
type WorkFunc func(ctx context.Context, tx TxQueryer, sw SignalWriter) error

// SignalWriter records signals within a managed transaction.
type SignalWriter interface {
	// Record inserts a row into the table of the named signal type. The row
	// becomes pending when the enclosing transaction commits.
	Record(ctx context.Context, typeName string, values map[string]any) error
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithAutoFlush makes the Writer flush the signal types recorded by a
// transaction asynchronously once it committed. Signals that are not
// delivered this way stay pending for the next dispatcher run.
func WithAutoFlush(bus *Bus) WriterOption {
	return func(w *Writer) {
		w.autoFlush = bus
	}
}

// WithAutoFlushTimeout bounds an automatic flush. Default is 10 seconds.
func WithAutoFlushTimeout(timeout time.Duration) WriterOption {
	return func(w *Writer) {
		w.flushTimeout = timeout
	}
}

// WithWriterLogger sets the logger. Default is slog.Default().
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter creates a Writer for the signal types of registry.
func NewWriter(dbCtx *DBContext, registry *Registry, opts ...WriterOption) *Writer {
	w := &Writer{
		dbCtx:        dbCtx,
		registry:     registry,
		unmanaged:    &UnmanagedWriter{dbCtx: dbCtx, registry: registry},
		flushTimeout: 10 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write runs fn in a transaction. The transaction commits if fn returns nil
// and rolls back if it returns an error or panics, so signals are recorded
// atomically with the business changes.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx signalbus.TxQueryer, sw signalbus.SignalWriter) error {
//	    if _, err := tx.ExecContext(ctx, "UPDATE account SET balance = balance - $1 WHERE id = $2", amount, id); err != nil {
//	        return err
//	    }
//	    return sw.Record(ctx, "AccountDebited", map[string]any{"account_id": id, "amount": amount})
//	})
func (w *Writer) Write(ctx context.Context, fn WorkFunc) error {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	sw := &signalWriter{dbCtx: w.dbCtx, registry: w.registry, tx: tx}
	if err := fn(ctx, tx, sw); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true

	if w.autoFlush != nil && len(sw.types) > 0 {
		go w.flush(context.WithoutCancel(ctx), sw.types)
	}
	return nil
}

// Unmanaged returns an UnmanagedWriter sharing the writer's registry.
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return w.unmanaged
}

// Record inserts a signal row using a caller-managed transaction.
func (w *UnmanagedWriter) Record(ctx context.Context, tx TxQueryer, typeName string, values map[string]any) error {
	return insertSignal(ctx, w.dbCtx, w.registry, tx, typeName, values)
}

func (w *Writer) flush(ctx context.Context, types []string) {
	ctx, cancel := context.WithTimeout(ctx, w.flushTimeout)
	defer cancel()

	if _, err := w.autoFlush.Flush(ctx, types...); err != nil {
		w.logger.Debug("Automatic flush failed, signals stay pending",
			slog.String("error", err.Error()),
		)
	}
}

type signalWriter struct {
	dbCtx    *DBContext
	registry *Registry
	tx       TxQueryer
	types    []string
}

func (w *signalWriter) Record(ctx context.Context, typeName string, values map[string]any) error {
	if err := insertSignal(ctx, w.dbCtx, w.registry, w.tx, typeName, values); err != nil {
		return err
	}
	if !slices.Contains(w.types, typeName) {
		w.types = append(w.types, typeName)
	}
	return nil
}

func insertSignal(ctx context.Context, dbCtx *DBContext, registry *Registry, tx TxQueryer, typeName string, values map[string]any) error {
	st, ok := registry.Lookup(typeName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSignalType, typeName)
	}
	if len(values) == 0 {
		return fmt.Errorf("recording %s: no values", typeName)
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		if err := validateIdentifier("column", col); err != nil {
			return fmt.Errorf("recording %s: %w", typeName, err)
		}
		cols = append(cols, col)
	}
	slices.Sort(cols)

	q := dbCtx.newQuery()
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		placeholders[i] = q.Bind(values[col])
	}

	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		st.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, q.Args()...); err != nil {
		return fmt.Errorf("recording %s: %w", typeName, err)
	}
	return nil
}
