package signalbus

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// openSQLite returns a file-backed SQLite database. A single connection
// keeps concurrent transactions from failing with "database is locked".
func openSQLite(t *testing.T, schema ...string) (*sql.DB, *DBContext) {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "signals.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return db, NewDBContext(db, SQLDialectSQLite)
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// conflictingDB injects a conflict into the first queries run inside
// transactions.
type conflictingDB struct {
	DB
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := c.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &conflictingTx{Tx: tx, db: c}, nil
}

func (c *conflictingDB) takeConflict() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conflicts == 0 {
		return false
	}
	c.conflicts--
	return true
}

type conflictingTx struct {
	Tx
	db *conflictingDB
}

func (c *conflictingTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.db.takeConflict() {
		return nil, &ConflictError{}
	}
	return c.Tx.QueryContext(ctx, query, args...)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
