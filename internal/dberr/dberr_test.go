package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

type markedConflict struct{}

func (markedConflict) Error() string  { return "marked" }
func (markedConflict) Conflict() bool { return true }

type fakeMSSQLError struct{ number int32 }

func (e fakeMSSQLError) Error() string          { return fmt.Sprintf("mssql: error %d", e.number) }
func (e fakeMSSQLError) SQLErrorNumber() int32 { return e.number }

func TestClassify(t *testing.T) {
	deadlock := &mysql.MySQLError{Number: 1213}
	copy(deadlock.SQLState[:], "40001")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: Fatal},
		{name: "plain error", err: errors.New("boom"), want: Fatal},
		{name: "marked conflict", err: markedConflict{}, want: Conflict},
		{name: "pgx serialization failure", err: &pgconn.PgError{Code: "40001"}, want: Conflict},
		{name: "pgx deadlock", err: &pgconn.PgError{Code: "40P01"}, want: Conflict},
		{name: "pgx unique violation", err: &pgconn.PgError{Code: "23505"}, want: Fatal},
		{name: "pq serialization failure", err: &pq.Error{Code: "40001"}, want: Conflict},
		{name: "pq deadlock wrapped", err: fmt.Errorf("delete: %w", &pq.Error{Code: "40P01"}), want: Conflict},
		{name: "pq syntax error", err: &pq.Error{Code: "42601"}, want: Fatal},
		{name: "mysql deadlock", err: deadlock, want: Conflict},
		{name: "mysql lock wait timeout", err: &mysql.MySQLError{Number: 1205}, want: Fatal},
		{name: "mssql deadlock victim", err: fakeMSSQLError{number: 1205}, want: Conflict},
		{name: "mssql other", err: fakeMSSQLError{number: 2627}, want: Fatal},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: Conflict},
		{name: "sqlite locked wrapped", err: fmt.Errorf("lock signals: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), want: Conflict},
		{name: "sqlite constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: Fatal},
		{name: "sqlite message", err: errors.New("database is locked"), want: Conflict},
		{name: "oracle serialization", err: errors.New("ORA-08177: can't serialize access for this transaction"), want: Conflict},
		{name: "oracle deadlock", err: errors.New("ORA-00060: deadlock detected while waiting for resource"), want: Conflict},
		{name: "oracle other", err: errors.New("ORA-00942: table or view does not exist"), want: Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.want == Conflict, IsConflict(tt.err))
		})
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "conflict", Conflict.String())
	assert.Equal(t, "fatal", Fatal.String())
}
