package signalbus

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// fakeDB hands out fakeTx values and remembers every transaction it began.
type fakeDB struct {
	mu         sync.Mutex
	beginTxErr error
	commitErrs []error // consumed one per commit
	txs        []*fakeTx
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	tx := &fakeTx{}
	if len(f.commitErrs) > 0 {
		tx.commitErr = f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
	}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return nil, errors.New("fakeDB: exec outside transaction")
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, errors.New("fakeDB: query outside transaction")
}

type fakeTx struct {
	commitErr error

	execs      []string
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	return nil, nil
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, errors.New("fakeTx: query not supported")
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return nil
}

// recordingSender collects delivered signals. failWith makes every Send fail.
type recordingSender struct {
	mu       sync.Mutex
	sent     []*Signal
	keys     []string
	failWith error
	onSend   func(*Signal)
}

func (s *recordingSender) Send(_ context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.onSend != nil {
		s.onSend(sig)
	}
	s.sent = append(s.sent, sig)
	s.keys = append(s.keys, sig.Key.String())
	return nil
}

func (s *recordingSender) sentKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// batchRecordingSender also implements BatchSender.
type batchRecordingSender struct {
	recordingSender
	batches [][]string
}

func (s *batchRecordingSender) SendMany(ctx context.Context, sigs []*Signal) error {
	keys := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		if err := s.Send(ctx, sig); err != nil {
			return err
		}
		keys = append(keys, sig.Key.String())
	}
	s.mu.Lock()
	s.batches = append(s.batches, keys)
	s.mu.Unlock()
	return nil
}
