package signalbus

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection and the SQL dialect used to talk to it.
type DBContext struct {
	db      DB
	dialect SQLDialect
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect) *DBContext {
	return &DBContext{
		db:      db,
		dialect: dialect,
	}
}

// Dialect returns the SQL dialect of the connection.
func (c *DBContext) Dialect() SQLDialect {
	return c.dialect
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier checks table and column names before they are spliced into queries.
func validateIdentifier(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name cannot be empty", kind)
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid %s name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			kind, name,
		)
	}
	return nil
}

// getSQLPlaceholder returns the appropriate SQL placeholder for the given index.
func (c *DBContext) getSQLPlaceholder(index int) string {
	switch c.dialect {
	case SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)

	case SQLDialectOracle:
		return fmt.Sprintf(":%d", index)

	case SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

// supportsRowLocks reports whether the dialect can lock rows with skip-locked semantics.
func (c *DBContext) supportsRowLocks() bool {
	return c.dialect != SQLDialectSQLite
}

// lockTableHint is appended after a table reference. Only SQL Server locks through table hints.
func (c *DBContext) lockTableHint() string {
	if c.dialect == SQLDialectSQLServer {
		return " WITH (UPDLOCK, ROWLOCK, READPAST)"
	}
	return ""
}

// lockClause is the trailing skip-locked clause. When of is not empty only that
// table (alias) is locked; Oracle locks by column, so of must then be "alias.column".
func (c *DBContext) lockClause(of string) string {
	switch c.dialect {
	case SQLDialectPostgres, SQLDialectMySQL, SQLDialectMariaDB, SQLDialectOracle:
		if of == "" {
			return " FOR UPDATE SKIP LOCKED"
		}
		return fmt.Sprintf(" FOR UPDATE OF %s SKIP LOCKED", of)
	default:
		return ""
	}
}

// planHints returns statements that keep the planner from reusing a generic plan
// for queries with literal-dependent predicates. joined asks for nested loops over
// the chosen rows instead of hash or merge joins against the whole table.
func (c *DBContext) planHints(joined bool) []string {
	if c.dialect != SQLDialectPostgres {
		return nil
	}
	hints := []string{"SET LOCAL plan_cache_mode = force_custom_plan"}
	if joined {
		hints = append(hints,
			"SET LOCAL enable_hashjoin = off",
			"SET LOCAL enable_mergejoin = off",
		)
	}
	return hints
}

// statsRefreshStatements returns the statements that refresh the planner
// statistics of a table without blocking on concurrent writers.
func (c *DBContext) statsRefreshStatements(table string) []string {
	switch c.dialect {
	case SQLDialectPostgres:
		return []string{
			"SET LOCAL default_statistics_target = 1",
			fmt.Sprintf("ANALYZE (SKIP_LOCKED) %s", table),
		}
	case SQLDialectMySQL, SQLDialectMariaDB:
		return []string{fmt.Sprintf("ANALYZE TABLE %s", table)}
	case SQLDialectSQLite:
		return []string{fmt.Sprintf("ANALYZE %s", table)}
	case SQLDialectSQLServer:
		return []string{fmt.Sprintf("UPDATE STATISTICS %s", table)}
	case SQLDialectOracle:
		return []string{fmt.Sprintf("BEGIN DBMS_STATS.GATHER_TABLE_STATS(USER, '%s'); END;", strings.ToUpper(table))}
	default:
		return nil
	}
}

// Query accumulates bind arguments while a statement is being built.
// Bind returns the dialect placeholder for the newly bound value.
type Query struct {
	dbCtx *DBContext
	args  []any
}

func (c *DBContext) newQuery() *Query {
	return &Query{dbCtx: c}
}

// Dialect returns the dialect the query is built for.
func (q *Query) Dialect() SQLDialect {
	return q.dbCtx.dialect
}

// Bind adds a bind argument and returns its placeholder.
func (q *Query) Bind(v any) string {
	q.args = append(q.args, v)
	return q.dbCtx.getSQLPlaceholder(len(q.args))
}

// Args returns the bound arguments in placeholder order.
func (q *Query) Args() []any {
	return q.args
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
