// Package dberr classifies driver errors into transient transaction conflicts
// and everything else.
package dberr

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Class is the outcome of classifying a store error.
type Class int

const (
	// Fatal errors are returned to the caller as they are.
	Fatal Class = iota
	// Conflict errors are serialization failures or deadlocks. The whole
	// transaction can be re-run.
	Conflict
)

func (c Class) String() string {
	if c == Conflict {
		return "conflict"
	}
	return "fatal"
}

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"

	mysqlErrLockDeadlock   = 1213
	mssqlErrDeadlockVictim = 1205
)

// conflicter is implemented by errors that mark themselves as retryable.
type conflicter interface {
	Conflict() bool
}

// mssqlError matches go-mssqldb's Error without importing the driver.
type mssqlError interface {
	SQLErrorNumber() int32
}

// Classify returns Conflict when err, or any error it wraps, is a transient
// transaction conflict reported by one of the supported drivers.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}

	var c conflicter
	if errors.As(err, &c) && c.Conflict() {
		return Conflict
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code))
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.Number == mysqlErrLockDeadlock || string(myErr.SQLState[:]) == sqlStateSerializationFailure {
			return Conflict
		}
		return Fatal
	}

	var msErr mssqlError
	if errors.As(err, &msErr) {
		if msErr.SQLErrorNumber() == mssqlErrDeadlockVictim {
			return Conflict
		}
		return Fatal
	}

	return classifyMessage(err.Error())
}

// IsConflict is shorthand for Classify(err) == Conflict.
func IsConflict(err error) bool {
	return Classify(err) == Conflict
}

func classifySQLState(code string) Class {
	switch code {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return Conflict
	default:
		return Fatal
	}
}

// classifyMessage covers drivers that are not imported here. go-ora prefixes
// messages with "ORA-NNNNN". mattn/go-sqlite3 keeps the result code in a
// struct field, and its message for SQLITE_BUSY and SQLITE_LOCKED is the
// result code text.
func classifyMessage(msg string) Class {
	switch {
	case strings.Contains(msg, "ORA-08177"), strings.Contains(msg, "ORA-00060"):
		return Conflict
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return Conflict
	default:
		return Fatal
	}
}
