package test

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/oagudo/signalbus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	db *sql.DB
)

// envDSN points the tests at a running database instead of a container.
const envDSN = "SIGNALBUS_TEST_DSN"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS order_signal (
		id BIGINT PRIMARY KEY,
		order_ref TEXT NOT NULL,
		payload BYTEA
	)`,
	`CREATE TABLE IF NOT EXISTS transfer_signal (
		debtor_id BIGINT NOT NULL,
		seqnum INT NOT NULL,
		note TEXT,
		PRIMARY KEY (debtor_id, seqnum)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		message TEXT NOT NULL
	)`,
}

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()
	dsn := os.Getenv(envDSN)
	if dsn == "" {
		container, err := pgmodule.Run(ctx,
			"postgres:16-alpine",
			pgmodule.WithDatabase("outbox"),
			pgmodule.WithUsername("postgres"),
			pgmodule.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			log.Printf("Failed to start postgres container: %s", err)
			return 1
		}
		defer func() {
			if err := container.Terminate(ctx); err != nil {
				log.Printf("Failed to terminate container: %s", err)
			}
		}()
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			log.Printf("Failed to get connection string: %s", err)
			return 1
		}
	}

	var err error
	db, err = sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("Failed to connect to database: %s", err)
		return 1
	}
	defer func() {
		_ = db.Close()
	}()

	err = db.Ping()
	if err != nil {
		log.Printf("Failed to ping database: %s", err)
		return 1
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			log.Printf("Failed to create schema: %s", err)
			return 1
		}
	}

	return m.Run()
}

func setupTest(t *testing.T) *signalbus.DBContext {
	t.Helper()
	_, err := db.Exec("TRUNCATE TABLE order_signal, transfer_signal, audit_log")
	require.NoError(t, err)
	return signalbus.NewDBContext(db, signalbus.SQLDialectPostgres)
}

func seedOrders(t *testing.T, n int) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO order_signal (id, order_ref, payload)
		SELECT i, 'order-' || i, convert_to('{}', 'UTF8') FROM generate_series(1, $1) AS i`, n)
	require.NoError(t, err)
}

func countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n))
	return n
}

type countingSender struct {
	mu    sync.Mutex
	sends map[string]int
}

func newCountingSender() *countingSender {
	return &countingSender{sends: map[string]int{}}
}

func (s *countingSender) Send(_ context.Context, sig *signalbus.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[sig.Key.String()]++
	return nil
}

func (s *countingSender) counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.sends))
	for k, v := range s.sends {
		out[k] = v
	}
	return out
}
