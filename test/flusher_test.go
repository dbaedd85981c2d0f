package test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/oagudo/signalbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentFlushersSkipLockedRows(t *testing.T) {
	dbCtx := setupTest(t)
	seedOrders(t, 2000)
	sender := newCountingSender()

	var wg sync.WaitGroup
	totals := make([]int, 8)
	errs := make([]error, 8)
	for i := range totals {
		f, err := signalbus.NewBurstFlusher(dbCtx, &signalbus.SignalType{
			Name:       "OrderCreated",
			Table:      "order_signal",
			PrimaryKey: []string{"id"},
			BurstCount: 25,
			Sender:     sender,
		})
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			totals[i], errs[i] = f.FlushAll(context.Background())
		}()
	}
	wg.Wait()

	sum := 0
	for i := range totals {
		require.NoError(t, errs[i])
		sum += totals[i]
	}
	assert.Equal(t, 2000, sum)
	assert.Equal(t, 0, countRows(t, "order_signal"))

	counts := sender.counts()
	require.Len(t, counts, 2000)
	for key, n := range counts {
		require.Equal(t, 1, n, "signal %s was sent more than once", key)
	}
}

func TestBusFlushConcurrentlyWithChooseRows(t *testing.T) {
	dbCtx := setupTest(t)
	_, err := db.Exec(`INSERT INTO transfer_signal (debtor_id, seqnum, note)
		SELECT d, s, 'n' FROM generate_series(1, 20) AS d, generate_series(1, 50) AS s`)
	require.NoError(t, err)
	sender := newCountingSender()

	registry, err := signalbus.NewRegistry(signalbus.SignalType{
		Name:       "TransferCommitted",
		Table:      "transfer_signal",
		PrimaryKey: []string{"debtor_id", "seqnum"},
		BurstCount: 40,
		Sender:     sender,
		Chooser:    signalbus.ValuesChooser{Types: []string{"bigint", "int"}},
	})
	require.NoError(t, err)
	bus := signalbus.NewBus(dbCtx, registry, signalbus.WithFlushersPerType(4))

	sent, err := bus.FlushConcurrently(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"TransferCommitted": 1000}, sent)
	assert.Equal(t, 0, countRows(t, "transfer_signal"))

	counts := sender.counts()
	require.Len(t, counts, 1000)
	assert.Equal(t, 1, counts[fmt.Sprintf("%d,%d", 20, 50)])
}

func TestPendingCountsRows(t *testing.T) {
	dbCtx := setupTest(t)
	seedOrders(t, 42)

	f, err := signalbus.NewBurstFlusher(dbCtx, &signalbus.SignalType{
		Name:       "OrderCreated",
		Table:      "order_signal",
		PrimaryKey: []string{"id"},
		Sender:     newCountingSender(),
	})
	require.NoError(t, err)

	n, err := f.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
