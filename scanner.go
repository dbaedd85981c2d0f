package signalbus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/oagudo/signalbus/internal/rhythm"
)

// Row is one row visited by a Scanner.
type Row struct {
	// Position is the physical position of the row: the heap block number on
	// PostgreSQL, the rowid on SQLite and the position column elsewhere.
	Position int64
	// Block groups neighbouring rows. It equals Position on PostgreSQL and is
	// Position divided by the logical block size elsewhere.
	Block int64
	// Address is the PostgreSQL tuple identifier, for example "(12,3)".
	// It is empty on other dialects.
	Address string
	Values  map[string]any
}

// Block is a run of rows sharing the same block number.
type Block struct {
	Number int64
	Rows   []*Row
}

// RowsFunc processes the rows of one scan step inside the step transaction.
type RowsFunc func(ctx context.Context, tx TxQueryer, rows []*Row) error

// BlockFunc processes the rows of one block inside the step transaction.
type BlockFunc func(ctx context.Context, tx TxQueryer, block Block) error

// ScanStats summarizes a finished scan.
type ScanStats struct {
	Steps   int
	Rows    int
	Elapsed time.Duration
}

// Scanner visits every row of a table in windows of physical positions.
//
// Each step reads the rows of one window and runs the processor in the same
// transaction, so the processor's writes commit with the step. The window
// size follows the observed pace so that a step takes about the target
// duration, which keeps lock hold times short on very large tables.
type Scanner struct {
	dbCtx *DBContext
	table string

	columns        []string
	positionColumn string
	blockSize      int64
	target         time.Duration
	maxRows        int
	statsInterval  time.Duration
	refreshStats   bool
	start          int64
	hasStart       bool
	retry          RetryPolicy
	logger         *slog.Logger
}

// ScanOption configures a Scanner.
type ScanOption func(*Scanner)

// WithTargetStepDuration sets the duration a scan step aims at. Default is 250 milliseconds.
func WithTargetStepDuration(d time.Duration) ScanOption {
	return func(s *Scanner) {
		s.target = d
	}
}

// WithMaxRowsPerStep bounds the size of a step window. Default is 5000.
func WithMaxRowsPerStep(n int) ScanOption {
	return func(s *Scanner) {
		s.maxRows = n
	}
}

// WithScanColumns restricts the columns loaded into Row.Values. Default is all columns.
func WithScanColumns(columns ...string) ScanOption {
	return func(s *Scanner) {
		s.columns = columns
	}
}

// WithPositionColumn scans by an integer column instead of the physical row
// address. It is required on MySQL, MariaDB, Oracle and SQL Server.
func WithPositionColumn(column string) ScanOption {
	return func(s *Scanner) {
		s.positionColumn = column
	}
}

// WithLogicalBlockSize sets how many positions form one block on dialects
// without physical blocks. Default is 64.
func WithLogicalBlockSize(n int64) ScanOption {
	return func(s *Scanner) {
		s.blockSize = n
	}
}

// WithStatsInterval sets how often table statistics are re-read during a
// scan. Default is 1 minute.
func WithStatsInterval(d time.Duration) ScanOption {
	return func(s *Scanner) {
		s.statsInterval = d
	}
}

// WithoutStatsRefresh skips refreshing the planner statistics before the scan.
func WithoutStatsRefresh() ScanOption {
	return func(s *Scanner) {
		s.refreshStats = false
	}
}

// WithStartPosition starts the scan at the given position instead of the
// first one, typically the LowerBound of a *ScanError.
func WithStartPosition(pos int64) ScanOption {
	return func(s *Scanner) {
		s.start = pos
		s.hasStart = true
	}
}

// WithScanRetryPolicy sets the policy scan steps run under. Default is DefaultRetryPolicy().
func WithScanRetryPolicy(p RetryPolicy) ScanOption {
	return func(s *Scanner) {
		s.retry = p
	}
}

// WithScanLogger sets the logger. Default is slog.Default().
func WithScanLogger(logger *slog.Logger) ScanOption {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScanner returns a Scanner for table.
func NewScanner(dbCtx *DBContext, table string, opts ...ScanOption) (*Scanner, error) {
	s := &Scanner{
		dbCtx:         dbCtx,
		table:         table,
		blockSize:     64,
		target:        250 * time.Millisecond,
		maxRows:       5000,
		statsInterval: time.Minute,
		refreshStats:  true,
		retry:         DefaultRetryPolicy(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := validateIdentifier("table", table); err != nil {
		return nil, err
	}
	for _, col := range s.columns {
		if err := validateIdentifier("column", col); err != nil {
			return nil, err
		}
	}
	if s.positionColumn != "" {
		if err := validateIdentifier("column", s.positionColumn); err != nil {
			return nil, err
		}
	} else if !s.physical() && dbCtx.dialect != SQLDialectSQLite {
		return nil, fmt.Errorf("scanning %s on %s: %w", table, dbCtx.dialect, ErrNoPositionColumn)
	}
	if s.blockSize < 1 {
		return nil, fmt.Errorf("logical block size must be positive, got %d", s.blockSize)
	}
	if s.maxRows < 1 {
		return nil, fmt.Errorf("max rows per step must be positive, got %d", s.maxRows)
	}

	s.logger = s.logger.With(slog.String("table", table))
	return s, nil
}

// physical reports whether positions are PostgreSQL heap blocks.
func (s *Scanner) physical() bool {
	return s.dbCtx.dialect == SQLDialectPostgres && s.positionColumn == ""
}

func (s *Scanner) positionExpr() string {
	if s.positionColumn != "" {
		return s.positionColumn
	}
	if s.physical() {
		return "ctid"
	}
	return "rowid"
}

// Scan runs fn once for every non-empty step until the whole table was
// visited. Rows appended while the scan runs are visited as long as they are
// stored past the current position.
func (s *Scanner) Scan(ctx context.Context, fn RowsFunc) (ScanStats, error) {
	return s.run(ctx, fn, false)
}

// ScanBlocks is like Scan but runs fn once per non-empty block. Steps end on
// block boundaries, so a block is never split over two transactions.
func (s *Scanner) ScanBlocks(ctx context.Context, fn BlockFunc) (ScanStats, error) {
	return s.run(ctx, func(ctx context.Context, tx TxQueryer, rows []*Row) error {
		for start := 0; start < len(rows); {
			end := start + 1
			for end < len(rows) && rows[end].Block == rows[start].Block {
				end++
			}
			if err := fn(ctx, tx, Block{Number: rows[start].Block, Rows: rows[start:end]}); err != nil {
				return err
			}
			start = end
		}
		return nil
	}, true)
}

// blockEnd returns the first position past the logical block of pos.
func (s *Scanner) blockEnd(pos int64) int64 {
	return (floorDiv(pos, s.blockSize) + 1) * s.blockSize
}

func (s *Scanner) run(ctx context.Context, fn RowsFunc, alignBlocks bool) (ScanStats, error) {
	var stats ScanStats
	began := time.Now()

	if s.refreshStats {
		if err := s.refreshPlannerStats(ctx); err != nil {
			s.logger.Warn("Refreshing table statistics failed", slog.String("error", err.Error()))
		}
	}

	ts, err := s.readStats(ctx)
	if err != nil {
		return stats, &ScanError{Table: s.table, LowerBound: s.start, Err: err}
	}
	statsAt := time.Now()

	lower := ts.first
	if s.hasStart {
		lower = s.start
	}
	rh := rhythm.New(s.target, s.maxRows, ts.rows, ts.positions())

	s.logger.Info("Scan started",
		slog.Int64("from", lower),
		slog.Int64("last", ts.last),
		slog.Float64("estimated_rows", ts.rows),
	)

	for {
		if err := ctx.Err(); err != nil {
			return stats, &ScanError{Table: s.table, LowerBound: lower, Err: err}
		}

		if time.Since(statsAt) >= s.statsInterval {
			fresh, err := s.readStats(ctx)
			if err != nil {
				return stats, &ScanError{Table: s.table, LowerBound: lower, Err: err}
			}
			if rh.Rebase(fresh.rows, fresh.positions()) {
				s.logger.Debug("Scan rhythm rebased", slog.Float64("estimated_rows", fresh.rows))
			}
			ts, statsAt = fresh, time.Now()
		}

		window := rh.Window()
		upper := lower + window
		if alignBlocks && !s.physical() {
			upper = s.blockEnd(upper - 1)
			window = upper - lower
		}

		stepStart := time.Now()
		n, err := s.step(ctx, lower, upper, fn)
		if err != nil {
			return stats, &ScanError{Table: s.table, LowerBound: lower, Err: err}
		}
		rh.Observe(n, window, time.Since(stepStart))

		stats.Steps++
		stats.Rows += n
		lower = upper

		if n == 0 && lower > ts.last {
			fresh, err := s.readStats(ctx)
			if err != nil {
				return stats, &ScanError{Table: s.table, LowerBound: lower, Err: err}
			}
			if lower > fresh.last {
				break
			}
			ts = fresh
		}
	}

	stats.Elapsed = time.Since(began)
	s.logger.Info("Scan finished",
		slog.Int("steps", stats.Steps),
		slog.Int("rows", stats.Rows),
		slog.Duration("elapsed", stats.Elapsed),
	)
	return stats, nil
}

func (s *Scanner) step(ctx context.Context, lower, upper int64, fn RowsFunc) (int, error) {
	var n int
	err := s.retry.Do(ctx, s.dbCtx.db, nil, func(ctx context.Context, tx Tx) error {
		rows, err := s.readWindow(ctx, tx, lower, upper)
		if err != nil {
			return &StoreError{Op: "read scan window", Err: err}
		}
		n = len(rows)
		if n == 0 {
			return nil
		}
		return fn(ctx, tx, rows)
	})
	return n, err
}

func (s *Scanner) windowQuery(lower, upper int64) (string, []any) {
	cols := s.table + ".*"
	if len(s.columns) > 0 {
		cols = strings.Join(s.columns, ", ")
	}

	if s.physical() {
		// TID range scans need the bounds as literals.
		return fmt.Sprintf(
			"SELECT ctid::text, %s FROM %s WHERE ctid >= '(%d,0)'::tid AND ctid < '(%d,0)'::tid ORDER BY ctid",
			cols, s.table, lower, upper,
		), nil
	}

	q := s.dbCtx.newQuery()
	pos := s.positionExpr()
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s >= %s AND %s < %s ORDER BY %s",
		pos, cols, s.table, pos, q.Bind(lower), pos, q.Bind(upper), pos)
	return query, q.Args()
}

func (s *Scanner) readWindow(ctx context.Context, tx TxQueryer, lower, upper int64) ([]*Row, error) {
	query, args := s.windowQuery(lower, upper)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []*Row
	for rows.Next() {
		vals, err := scanValues(rows, len(cols))
		if err != nil {
			return nil, err
		}
		row := &Row{Values: make(map[string]any, len(cols)-1)}
		if s.physical() {
			row.Address = asString(vals[0])
			block, _, err := parseTID(row.Address)
			if err != nil {
				return nil, err
			}
			row.Position, row.Block = block, block
		} else {
			pos, err := asInt64(vals[0])
			if err != nil {
				return nil, fmt.Errorf("position %s: %w", s.positionExpr(), err)
			}
			row.Position, row.Block = pos, floorDiv(pos, s.blockSize)
		}
		for i := 1; i < len(cols); i++ {
			row.Values[cols[i]] = vals[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// DeleteRows deletes the given scanned rows by their position. It is meant
// to be called from a processor with the step transaction.
func (s *Scanner) DeleteRows(ctx context.Context, tx TxQueryer, rows []*Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var query string
	var args []any
	if s.physical() {
		tids := make([]string, len(rows))
		for i, r := range rows {
			block, offset, err := parseTID(r.Address)
			if err != nil {
				return 0, err
			}
			tids[i] = fmt.Sprintf("'(%d,%d)'::tid", block, offset)
		}
		query = fmt.Sprintf("DELETE FROM %s WHERE ctid IN (%s)", s.table, strings.Join(tids, ", "))
	} else {
		q := s.dbCtx.newQuery()
		placeholders := make([]string, len(rows))
		for i, r := range rows {
			placeholders[i] = q.Bind(r.Position)
		}
		query = fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", s.table, s.positionExpr(), strings.Join(placeholders, ", "))
		args = q.Args()
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &StoreError{Op: "delete scanned rows", Err: err}
	}
	return res.RowsAffected()
}

type tableStats struct {
	// rows is the estimated row count, negative when unknown.
	rows  float64
	first int64
	// last is below first for an empty table.
	last int64
}

func (t tableStats) positions() int64 {
	return max(t.last-t.first+1, 0)
}

func (s *Scanner) refreshPlannerStats(ctx context.Context) error {
	stmts := s.dbCtx.statsRefreshStatements(s.table)
	if len(stmts) == 0 {
		return nil
	}
	return s.retry.Do(ctx, s.dbCtx.db, nil, func(ctx context.Context, tx Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Scanner) readStats(ctx context.Context) (tableStats, error) {
	if s.physical() {
		return s.readHeapStats(ctx)
	}

	ts := tableStats{rows: -1}
	pos := s.positionExpr()
	query := fmt.Sprintf("SELECT COALESCE(MIN(%s), 0), COALESCE(MAX(%s), -1) FROM %s", pos, pos, s.table)
	if err := s.queryRow(ctx, query, nil, &ts.first, &ts.last); err != nil {
		return ts, &StoreError{Op: "read position range", Err: err}
	}

	query, args := s.estimateQuery()
	var est sql.NullFloat64
	if err := s.queryRow(ctx, query, args, &est); err != nil {
		s.logger.Warn("Reading row estimate failed", slog.String("error", err.Error()))
	} else if est.Valid {
		ts.rows = est.Float64
	}
	return ts, nil
}

func (s *Scanner) readHeapStats(ctx context.Context) (tableStats, error) {
	const query = "SELECT c.reltuples::float8, (pg_relation_size(c.oid) / current_setting('block_size')::int8)::int8 " +
		"FROM pg_class c WHERE c.oid = $1::regclass"

	var blocks int64
	ts := tableStats{}
	if err := s.queryRow(ctx, query, []any{s.table}, &ts.rows, &blocks); err != nil {
		return ts, &StoreError{Op: "read table statistics", Err: err}
	}
	ts.last = blocks - 1
	return ts, nil
}

func (s *Scanner) estimateQuery() (string, []any) {
	q := s.dbCtx.newQuery()
	switch s.dbCtx.dialect {
	case SQLDialectMySQL, SQLDialectMariaDB:
		return "SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = " +
			q.Bind(s.table), q.Args()
	case SQLDialectSQLServer:
		return "SELECT CAST(SUM(p.rows) AS FLOAT) FROM sys.partitions p WHERE p.object_id = OBJECT_ID(" +
			q.Bind(s.table) + ") AND p.index_id IN (0, 1)", q.Args()
	case SQLDialectOracle:
		return "SELECT NUM_ROWS FROM user_tables WHERE table_name = " + q.Bind(strings.ToUpper(s.table)), q.Args()
	case SQLDialectPostgres:
		return "SELECT reltuples::float8 FROM pg_class WHERE oid = " + q.Bind(s.table) + "::regclass", q.Args()
	default:
		return fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table), nil
	}
}

func (s *Scanner) queryRow(ctx context.Context, query string, args []any, dest ...any) error {
	rows, err := s.dbCtx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	return rows.Err()
}

// parseTID parses a PostgreSQL tuple identifier such as "(12,3)".
func parseTID(s string) (block, offset int64, err error) {
	inner, ok := strings.CutPrefix(s, "(")
	if ok {
		inner, ok = strings.CutSuffix(inner, ")")
	}
	b, o, found := strings.Cut(inner, ",")
	if !ok || !found {
		return 0, 0, fmt.Errorf("malformed tuple identifier %q", s)
	}
	if block, err = strconv.ParseInt(b, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed tuple identifier %q: %w", s, err)
	}
	if offset, err = strconv.ParseInt(o, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed tuple identifier %q: %w", s, err)
	}
	return block, offset, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil // nolint:gosec
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported position type %T", v)
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
