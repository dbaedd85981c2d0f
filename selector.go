package signalbus

import (
	"fmt"
	"regexp"
	"strings"
)

// RowChooser returns a relation producing exactly the given keys, one row per
// key, with the key columns in the given order. Values must be bound through q.
//
// A chooser lets the planner drive the lock and delete queries from a small
// derived relation instead of a long key predicate.
type RowChooser interface {
	ChooseRows(q *Query, columns []string, keys []Key) string
}

// ValuesChooser is a RowChooser yielding the keys as a VALUES list.
//
// On PostgreSQL the bound values have no declared type, so Types should name
// the SQL type of every key column (for example "bigint"); each value is
// then wrapped in a CAST.
type ValuesChooser struct {
	Types []string
}

var sqlTypeRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_ ]*(\([0-9, ]+\))?$`)

func (c ValuesChooser) validate() error {
	for _, typ := range c.Types {
		if typ != "" && !sqlTypeRegexp.MatchString(typ) {
			return fmt.Errorf("invalid SQL type %q", typ)
		}
	}
	return nil
}

// ChooseRows implements RowChooser.
func (c ValuesChooser) ChooseRows(q *Query, columns []string, keys []Key) string {
	dialect := q.Dialect()
	rows := make([]string, len(keys))

	for i, key := range keys {
		vals := make([]string, len(key))
		for j, v := range key {
			p := q.Bind(v)
			if j < len(c.Types) && c.Types[j] != "" {
				p = fmt.Sprintf("CAST(%s AS %s)", p, c.Types[j])
			}
			if dialect == SQLDialectOracle {
				p += " AS " + columns[j]
			}
			vals[j] = p
		}

		switch dialect {
		case SQLDialectOracle:
			rows[i] = "SELECT " + strings.Join(vals, ", ") + " FROM dual"
		case SQLDialectMySQL:
			rows[i] = "ROW(" + strings.Join(vals, ", ") + ")"
		default:
			rows[i] = "(" + strings.Join(vals, ", ") + ")"
		}
	}

	switch dialect {
	case SQLDialectOracle:
		return strings.Join(rows, " UNION ALL ")
	case SQLDialectSQLServer:
		return fmt.Sprintf("SELECT * FROM (VALUES %s) AS v (%s)",
			strings.Join(rows, ", "), strings.Join(columns, ", "))
	default:
		return "VALUES " + strings.Join(rows, ", ")
	}
}

// RowSelector builds the statements a burst runs against one signal table.
//
// The candidate query picks the next keys in primary key order, skipping rows
// locked by concurrent flushers. The lock query re-selects those rows with all
// their columns and the delete query removes them. Without a Chooser, rows are
// matched with a key predicate; with one, they are joined with the chooser
// relation and only the signal table is locked.
type RowSelector struct {
	dbCtx *DBContext
	st    *SignalType
}

// NewRowSelector returns a RowSelector for st.
func NewRowSelector(dbCtx *DBContext, st *SignalType) *RowSelector {
	return &RowSelector{dbCtx: dbCtx, st: st}
}

// PlanHints returns the statements issued at the start of every burst.
func (s *RowSelector) PlanHints() []string {
	return s.dbCtx.planHints(s.st.Chooser != nil)
}

// CandidateQuery selects up to limit keys. On Oracle the query is not
// limited and only its first limit rows must be read.
func (s *RowSelector) CandidateQuery(limit int) (string, []any) {
	q := s.dbCtx.newQuery()
	pk := strings.Join(s.st.PrimaryKey, ", ")
	table := s.st.Table

	var query string
	switch s.dbCtx.dialect {
	case SQLDialectSQLServer:
		query = fmt.Sprintf("SELECT TOP (%s) %s FROM %s%s ORDER BY %s",
			q.Bind(limit), pk, table, s.dbCtx.lockTableHint(), pk)
	case SQLDialectOracle:
		// ROWNUM filters before ORDER BY and before skipping locked rows, and
		// FETCH FIRST cannot be combined with FOR UPDATE. The caller stops
		// reading after limit rows instead.
		query = fmt.Sprintf("SELECT %s FROM %s ORDER BY %s%s",
			pk, table, pk, s.dbCtx.lockClause(""))
	default:
		query = fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %s%s",
			pk, table, pk, q.Bind(limit), s.dbCtx.lockClause(""))
	}
	return query, q.Args()
}

// LockQuery selects the rows of keys with the columns loaded into signals.
func (s *RowSelector) LockQuery(keys []Key) (string, []any) {
	q := s.dbCtx.newQuery()
	table := s.st.Table

	if s.st.Chooser == nil {
		query := fmt.Sprintf("SELECT %s FROM %s%s WHERE %s%s",
			s.selectList(""), table, s.dbCtx.lockTableHint(),
			s.keyPredicate(q, keys), s.dbCtx.lockClause(""))
		return query, q.Args()
	}

	const alias = "t"
	lockOf := alias
	if s.dbCtx.dialect == SQLDialectOracle {
		lockOf = alias + "." + s.st.PrimaryKey[0]
	}

	query := fmt.Sprintf("WITH chosen (%s) AS (%s) SELECT %s FROM %s %s%s JOIN chosen ON %s%s",
		strings.Join(s.st.PrimaryKey, ", "),
		s.st.Chooser.ChooseRows(q, s.st.PrimaryKey, keys),
		s.selectList(alias), table, alias, s.dbCtx.lockTableHint(),
		s.joinCondition(alias), s.dbCtx.lockClause(lockOf))
	return query, q.Args()
}

// DeleteQuery deletes the rows of keys.
func (s *RowSelector) DeleteQuery(keys []Key) (string, []any) {
	q := s.dbCtx.newQuery()
	table := s.st.Table

	if s.st.Chooser == nil {
		return fmt.Sprintf("DELETE FROM %s WHERE %s", table, s.keyPredicate(q, keys)), q.Args()
	}

	relation := s.st.Chooser.ChooseRows(q, s.st.PrimaryKey, keys)
	cond := s.joinCondition(table)

	// Oracle has no WITH ... DELETE.
	if s.dbCtx.dialect == SQLDialectOracle {
		query := fmt.Sprintf("DELETE FROM %s WHERE EXISTS (SELECT 1 FROM (%s) chosen WHERE %s)",
			table, relation, cond)
		return query, q.Args()
	}

	query := fmt.Sprintf("WITH chosen (%s) AS (%s) DELETE FROM %s WHERE EXISTS (SELECT 1 FROM chosen WHERE %s)",
		strings.Join(s.st.PrimaryKey, ", "), relation, table, cond)
	return query, q.Args()
}

// PendingQuery counts the rows of the signal table.
func (s *RowSelector) PendingQuery() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", s.st.Table)
}

func (s *RowSelector) selectList(alias string) string {
	cols := s.st.loadColumns()
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	if cols == nil {
		return prefix + "*"
	}
	qualified := make([]string, len(cols))
	for i, c := range cols {
		qualified[i] = prefix + c
	}
	return strings.Join(qualified, ", ")
}

// keyPredicate matches keys with IN for single-column keys and with a
// disjunction of equalities for composite keys.
func (s *RowSelector) keyPredicate(q *Query, keys []Key) string {
	pk := s.st.PrimaryKey

	if len(pk) == 1 {
		placeholders := make([]string, len(keys))
		for i, k := range keys {
			placeholders[i] = q.Bind(k[0])
		}
		return fmt.Sprintf("%s IN (%s)", pk[0], strings.Join(placeholders, ", "))
	}

	terms := make([]string, len(keys))
	for i, k := range keys {
		eqs := make([]string, len(pk))
		for j, col := range pk {
			eqs[j] = fmt.Sprintf("%s = %s", col, q.Bind(k[j]))
		}
		terms[i] = "(" + strings.Join(eqs, " AND ") + ")"
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

func (s *RowSelector) joinCondition(table string) string {
	eqs := make([]string, len(s.st.PrimaryKey))
	for i, col := range s.st.PrimaryKey {
		eqs[i] = fmt.Sprintf("%s.%s = chosen.%s", table, col, col)
	}
	return strings.Join(eqs, " AND ")
}
