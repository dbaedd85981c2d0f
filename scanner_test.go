package signalbus

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventSchema = `CREATE TABLE event (
	id INTEGER PRIMARY KEY,
	created_at INTEGER NOT NULL,
	kind TEXT NOT NULL
)`

func seedEvents(t *testing.T, db *sql.DB, from, to int) {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	for i := from; i <= to; i++ {
		_, err := tx.Exec("INSERT INTO event (id, created_at, kind) VALUES (?, ?, ?)", i, i, "k")
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func newEventScanner(t *testing.T, dbCtx *DBContext, opts ...ScanOption) *Scanner {
	t.Helper()
	logger, _ := newTestLogger()
	s, err := NewScanner(dbCtx, "event", append([]ScanOption{
		WithMaxRowsPerStep(50),
		WithTargetStepDuration(time.Millisecond),
		WithScanLogger(logger),
	}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestScannerVisitsEveryRowOnce(t *testing.T) {
	db, dbCtx := openSQLite(t, eventSchema)
	seedEvents(t, db, 1, 1000)

	visits := map[int64]int{}
	stats, err := newEventScanner(t, dbCtx).Scan(context.Background(), func(_ context.Context, _ TxQueryer, rows []*Row) error {
		require.LessOrEqual(t, len(rows), 50)
		for _, r := range rows {
			visits[r.Position]++
			assert.Equal(t, "k", r.Values["kind"])
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1000, stats.Rows)
	assert.Greater(t, stats.Steps, 20)
	require.Len(t, visits, 1000)
	for pos, n := range visits {
		require.Equal(t, 1, n, "position %d", pos)
	}
}

func TestScannerOnEmptyTable(t *testing.T) {
	_, dbCtx := openSQLite(t, eventSchema)

	stats, err := newEventScanner(t, dbCtx).Scan(context.Background(), func(context.Context, TxQueryer, []*Row) error {
		t.Fatal("processor must not run for an empty table")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, stats.Rows)
}

func TestScannerBlocks(t *testing.T) {
	db, dbCtx := openSQLite(t, eventSchema)
	seedEvents(t, db, 1, 300)

	total := 0
	calls := map[int64]int{}
	_, err := newEventScanner(t, dbCtx, WithLogicalBlockSize(10)).ScanBlocks(context.Background(), func(_ context.Context, _ TxQueryer, b Block) error {
		require.NotEmpty(t, b.Rows)
		for _, r := range b.Rows {
			require.Equal(t, b.Number, r.Position/10)
		}
		total += len(b.Rows)
		calls[b.Number]++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 300, total)
	assert.Len(t, calls, 31) // positions 1..300 span blocks 0..30
	for block, n := range calls {
		require.Equal(t, 1, n, "block %d", block)
	}
}

func TestScannerBlocksWithUnalignedWindows(t *testing.T) {
	db, dbCtx := openSQLite(t, eventSchema)
	seedEvents(t, db, 1, 500)

	calls := map[int64]int{}
	sizes := map[int64]int{}
	_, err := newEventScanner(t, dbCtx, WithLogicalBlockSize(7), WithMaxRowsPerStep(13)).ScanBlocks(context.Background(), func(_ context.Context, _ TxQueryer, b Block) error {
		calls[b.Number]++
		sizes[b.Number] += len(b.Rows)
		return nil
	})

	require.NoError(t, err)
	for block, n := range calls {
		require.Equal(t, 1, n, "block %d", block)
	}
	assert.Equal(t, 6, sizes[0]) // positions 1..6
	assert.Equal(t, 7, sizes[1])
	assert.Equal(t, 4, sizes[71]) // positions 497..500
}

func TestScannerBlockEnd(t *testing.T) {
	s := &Scanner{blockSize: 10}
	assert.Equal(t, int64(10), s.blockEnd(0))
	assert.Equal(t, int64(10), s.blockEnd(9))
	assert.Equal(t, int64(20), s.blockEnd(10))
	assert.Equal(t, int64(0), s.blockEnd(-1))
}

func TestScannerPurgeIsIdempotent(t *testing.T) {
	db, dbCtx := openSQLite(t, eventSchema)
	seedEvents(t, db, 1, 500)
	s := newEventScanner(t, dbCtx, WithScanColumns("created_at"))

	purge := func() int64 {
		var deleted int64
		_, err := s.Scan(context.Background(), func(ctx context.Context, tx TxQueryer, rows []*Row) error {
			var old []*Row
			for _, r := range rows {
				if r.Values["created_at"].(int64) <= 200 {
					old = append(old, r)
				}
			}
			n, err := s.DeleteRows(ctx, tx, old)
			deleted += n
			return err
		})
		require.NoError(t, err)
		return deleted
	}

	assert.Equal(t, int64(200), purge())
	assert.Equal(t, 300, countRows(t, db, "event"))
	assert.Equal(t, int64(0), purge())
	assert.Equal(t, 300, countRows(t, db, "event"))
}

func TestScannerVisitsRowsAppendedDuringScan(t *testing.T) {
	db, dbCtx := openSQLite(t, eventSchema)
	seedEvents(t, db, 1, 100)

	appended := false
	seen := map[int64]bool{}
	_, err := newEventScanner(t, dbCtx).Scan(context.Background(), func(ctx context.Context, tx TxQueryer, rows []*Row) error {
		if !appended {
			appended = true
			for i := 101; i <= 120; i++ {
				if _, err := tx.ExecContext(ctx, "INSERT INTO event (id, created_at, kind) VALUES (?, ?, ?)", i, i, "late"); err != nil {
					return err
				}
			}
		}
		for _, r := range rows {
			seen[r.Position] = true
		}
		return nil
	})

	require.NoError(t, err)
	assert.Len(t, seen, 120)
	assert.True(t, seen[120])
}

func TestScannerErrorCanBeResumed(t *testing.T) {
	db, dbCtx := openSQLite(t, eventSchema)
	seedEvents(t, db, 1, 400)
	poisoned := errors.New("processor failed")

	seen := map[int64]bool{}
	process := func(fail bool) RowsFunc {
		return func(_ context.Context, _ TxQueryer, rows []*Row) error {
			for _, r := range rows {
				if fail && r.Position == 250 {
					return poisoned
				}
			}
			for _, r := range rows {
				seen[r.Position] = true
			}
			return nil
		}
	}

	_, err := newEventScanner(t, dbCtx).Scan(context.Background(), process(true))
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	require.ErrorIs(t, err, poisoned)
	assert.Equal(t, "event", scanErr.Table)
	assert.LessOrEqual(t, scanErr.LowerBound, int64(250))
	assert.False(t, seen[250])

	_, err = newEventScanner(t, dbCtx, WithStartPosition(scanErr.LowerBound)).Scan(context.Background(), process(false))
	require.NoError(t, err)
	assert.Len(t, seen, 400)
}

func TestScannerRetriesConflictingSteps(t *testing.T) {
	db, _ := openSQLite(t, eventSchema)
	seedEvents(t, db, 1, 100)
	conflicting := &conflictingDB{DB: &dbAdapter{DB: db}, conflicts: 3}
	dbCtx := NewDBContextWithDB(conflicting, SQLDialectSQLite)

	visits := map[int64]int{}
	_, err := newEventScanner(t, dbCtx, WithoutStatsRefresh()).Scan(context.Background(), func(_ context.Context, _ TxQueryer, rows []*Row) error {
		for _, r := range rows {
			visits[r.Position]++
		}
		return nil
	})

	require.NoError(t, err)
	assert.Len(t, visits, 100)
	for pos, n := range visits {
		require.Equal(t, 1, n, "position %d", pos)
	}
}

func TestScannerStopsOnCancel(t *testing.T) {
	db, dbCtx := openSQLite(t, eventSchema)
	seedEvents(t, db, 1, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := newEventScanner(t, dbCtx).Scan(ctx, func(context.Context, TxQueryer, []*Row) error {
		cancel()
		return nil
	})

	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewScannerRequiresPositionColumn(t *testing.T) {
	for _, d := range []SQLDialect{SQLDialectMySQL, SQLDialectMariaDB, SQLDialectOracle, SQLDialectSQLServer} {
		_, err := NewScanner(NewDBContextWithDB(&fakeDB{}, d), "event")
		assert.ErrorIs(t, err, ErrNoPositionColumn, d)

		_, err = NewScanner(NewDBContextWithDB(&fakeDB{}, d), "event", WithPositionColumn("id"))
		assert.NoError(t, err, d)
	}

	_, err := NewScanner(NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres), "event")
	assert.NoError(t, err)

	_, err = NewScanner(NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres), "event", WithLogicalBlockSize(0))
	assert.Error(t, err)
}

func TestScannerWindowQueries(t *testing.T) {
	pg, err := NewScanner(NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres), "big")
	require.NoError(t, err)
	query, args := pg.windowQuery(10, 20)
	assert.Equal(t, "SELECT ctid::text, big.* FROM big WHERE ctid >= '(10,0)'::tid AND ctid < '(20,0)'::tid ORDER BY ctid", query)
	assert.Empty(t, args)

	ms, err := NewScanner(NewDBContextWithDB(&fakeDB{}, SQLDialectSQLServer), "big", WithPositionColumn("id"), WithScanColumns("a", "b"))
	require.NoError(t, err)
	query, args = ms.windowQuery(10, 20)
	assert.Equal(t, "SELECT id, a, b FROM big WHERE id >= @p1 AND id < @p2 ORDER BY id", query)
	assert.Equal(t, []any{int64(10), int64(20)}, args)
}

func TestParseTID(t *testing.T) {
	block, offset, err := parseTID("(12,3)")
	require.NoError(t, err)
	assert.Equal(t, int64(12), block)
	assert.Equal(t, int64(3), offset)

	for _, bad := range []string{"", "12,3", "(12)", "(a,3)", "(12,3"} {
		_, _, err := parseTID(bad)
		assert.Error(t, err, bad)
	}
}

func TestFloorDiv(t *testing.T) {
	assert.Equal(t, int64(1), floorDiv(10, 10))
	assert.Equal(t, int64(0), floorDiv(9, 10))
	assert.Equal(t, int64(-1), floorDiv(-1, 10))
	assert.Equal(t, int64(-2), floorDiv(-11, 10))
}
