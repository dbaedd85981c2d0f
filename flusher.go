package signalbus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// BurstFlusher delivers the pending signals of one signal type in bursts.
//
// Every burst is one transaction: it picks up to BurstCount unlocked rows,
// sends them, deletes them and commits. A row is only deleted after its send
// returned nil, and the delete commits or rolls back with the whole burst, so
// a crash or a delivery failure at any point leaves the row pending.
type BurstFlusher struct {
	dbCtx    *DBContext
	st       *SignalType
	selector *RowSelector

	retry     RetryPolicy
	txOptions *sql.TxOptions
	logger    *slog.Logger
	inst      *instruments
	limiter   *rate.Limiter
}

// NewBurstFlusher returns a flusher for st. Only the logging, retry,
// transaction and telemetry options apply.
func NewBurstFlusher(dbCtx *DBContext, st *SignalType, opts ...BusOption) (*BurstFlusher, error) {
	if err := st.validate(); err != nil {
		return nil, err
	}
	cfg := newBusConfig(opts)
	return newBurstFlusher(dbCtx, st, cfg, newInstruments(cfg.meterProvider, cfg.tracerProvider)), nil
}

func newBurstFlusher(dbCtx *DBContext, st *SignalType, cfg busConfig, inst *instruments) *BurstFlusher {
	return &BurstFlusher{
		dbCtx:     dbCtx,
		st:        st,
		selector:  NewRowSelector(dbCtx, st),
		retry:     cfg.retry,
		txOptions: cfg.txOptions,
		logger:    cfg.logger.With(slog.String("signal_type", st.Name)),
		inst:      inst,
		limiter:   cfg.limiter,
	}
}

// Flush runs one burst and returns the number of signals delivered.
// It returns 0 and a nil error when no unlocked signal is pending.
//
// Signals delivered by a committed burst are detached. When the broker does
// not acknowledge the burst, the returned error is a *DeliveryError and every
// row of the burst stays pending.
func (f *BurstFlusher) Flush(ctx context.Context) (int, error) {
	ctx, span := f.inst.startBurst(ctx, f.st.Name)
	start := time.Now()

	policy := f.retry
	onConflict := policy.OnConflict
	policy.OnConflict = func(attempt int, err error) {
		f.inst.conflict(ctx, f.st.Name)
		f.logger.Debug("Burst conflicted, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if onConflict != nil {
			onConflict(attempt, err)
		}
	}

	var signals []*Signal
	err := policy.Do(ctx, f.dbCtx.db, f.txOptions, func(ctx context.Context, tx Tx) error {
		var err error
		signals, err = f.burst(ctx, tx)
		return err
	})
	if err != nil {
		signals = nil
	}
	f.inst.endBurst(ctx, span, f.st.Name, len(signals), time.Since(start), err)
	if err != nil {
		return 0, err
	}

	for _, sig := range signals {
		sig.detach()
	}
	if len(signals) > 0 {
		f.logger.Debug("Burst delivered",
			slog.Int("count", len(signals)),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	return len(signals), nil
}

// FlushAll runs bursts until none is left and returns the total delivered.
// On failure the count delivered by the preceding bursts is returned with
// the error.
func (f *BurstFlusher) FlushAll(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return total, err
			}
		}
		n, err := f.Flush(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// Pending counts the rows of the signal table.
func (f *BurstFlusher) Pending(ctx context.Context) (int64, error) {
	rows, err := f.dbCtx.db.QueryContext(ctx, f.selector.PendingQuery())
	if err != nil {
		return 0, &StoreError{Op: "count pending signals", Err: err}
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, &StoreError{Op: "count pending signals", Err: err}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, &StoreError{Op: "count pending signals", Err: err}
	}
	return n, nil
}

func (f *BurstFlusher) burst(ctx context.Context, tx TxQueryer) ([]*Signal, error) {
	for _, hint := range f.selector.PlanHints() {
		if _, err := tx.ExecContext(ctx, hint); err != nil {
			return nil, &StoreError{Op: "set plan hints", Err: err}
		}
	}

	query, args := f.selector.CandidateQuery(f.st.BurstCount)
	keys, err := queryKeys(ctx, tx, query, args, f.st.BurstCount)
	if err != nil {
		return nil, &StoreError{Op: "select candidates", Err: err}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	query, args = f.selector.LockQuery(keys)
	signals, err := f.loadSignals(ctx, tx, query, args)
	if err != nil {
		return nil, &StoreError{Op: "lock signals", Err: err}
	}
	if len(signals) == 0 {
		return nil, nil
	}
	sortByCandidates(signals, keys)

	if err := f.send(ctx, signals); err != nil {
		return nil, &DeliveryError{Type: f.st.Name, Signals: signals, Err: err}
	}

	sentKeys := make([]Key, len(signals))
	for i, sig := range signals {
		sentKeys[i] = sig.Key
	}
	query, args = f.selector.DeleteQuery(sentKeys)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "delete signals", Err: err}
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted != int64(len(signals)) {
		f.logger.Warn("Deleted row count differs from sent signals",
			slog.Int("sent", len(signals)),
			slog.Int64("deleted", deleted),
		)
	}

	return signals, nil
}

func (f *BurstFlusher) send(ctx context.Context, signals []*Signal) error {
	if bs, ok := f.st.Sender.(BatchSender); ok && len(signals) > 1 {
		return bs.SendMany(ctx, signals)
	}
	for _, sig := range signals {
		if err := f.st.Sender.Send(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

func (f *BurstFlusher) loadSignals(ctx context.Context, tx TxQueryer, query string, args []any) ([]*Signal, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	keyIdx := make([]int, len(f.st.PrimaryKey))
	for i, pk := range f.st.PrimaryKey {
		keyIdx[i] = columnIndex(cols, pk)
		if keyIdx[i] < 0 {
			return nil, fmt.Errorf("key column %s missing from result", pk)
		}
	}

	var signals []*Signal
	for rows.Next() {
		vals, err := scanValues(rows, len(cols))
		if err != nil {
			return nil, err
		}
		sig := &Signal{
			Type:   f.st.Name,
			Table:  f.st.Table,
			Key:    make(Key, len(keyIdx)),
			Values: make(map[string]any, len(cols)),
		}
		for i, idx := range keyIdx {
			sig.Key[i] = normalizeKeyValue(vals[idx])
		}
		for i, col := range cols {
			sig.Values[col] = vals[i]
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// sortByCandidates restores the primary key order of the candidate query,
// which the lock query does not guarantee.
func sortByCandidates(signals []*Signal, keys []Key) {
	rank := make(map[string]int, len(keys))
	for i, k := range keys {
		rank[k.rankKey()] = i
	}
	slices.SortStableFunc(signals, func(a, b *Signal) int {
		return rank[a.Key.rankKey()] - rank[b.Key.rankKey()]
	})
}

// queryKeys reads at most limit result rows as keys.
func queryKeys(ctx context.Context, tx TxQueryer, query string, args []any, limit int) ([]Key, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var keys []Key
	for len(keys) < limit && rows.Next() {
		vals, err := scanValues(rows, len(cols))
		if err != nil {
			return nil, err
		}
		key := make(Key, len(vals))
		for i, v := range vals {
			key[i] = normalizeKeyValue(v)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanValues(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

// normalizeKeyValue turns text keys returned as bytes into strings so they
// bind as text in the lock and delete queries.
func normalizeKeyValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}
