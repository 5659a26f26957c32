package tx_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/tx"
)

func TestMutex_TryLock(t *testing.T) {
	mu := tx.NewMutex()
	require.True(t, mu.TryLock())
	require.False(t, mu.TryLock())
	mu.Unlock()
	require.True(t, mu.TryLock())
	mu.Unlock()
	require.Same(t, mu, mu.TxMutex())
}

// Concurrent transactions incrementing one shared counter must not lose updates.
func TestMutex_SerializesTransactions(t *testing.T) {
	h, err := heap.NewVolatile(heap.Options{Size: 1 << 20, Lanes: 8, LaneSize: 4096})
	require.NoError(t, err)
	m, err := tx.NewManager(h, tx.Config{LockTimeout: 5 * time.Millisecond, MaxAttempts: 200})
	require.NoError(t, err)
	counter, err := h.Region(h.ArenaStart(), 8)
	require.NoError(t, err)
	mu := tx.NewMutex()

	const workers, rounds = 8, 25
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for range rounds {
				err := m.Run(context.Background(), func(ctx context.Context) error {
					w, err := tx.FromContext(ctx).Region(counter)
					if err != nil {
						return err
					}
					w.PutLong(0, w.GetLong(0)+1)
					return nil
				}, mu)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(workers*rounds), counter.GetLong(0))
}

func TestMutex_CancelledWait(t *testing.T) {
	h, err := heap.NewVolatile(heap.Options{Size: 1 << 20, Lanes: 2, LaneSize: 4096})
	require.NoError(t, err)
	m, err := tx.NewManager(h, tx.Config{NonTxLockTimeout: time.Minute})
	require.NoError(t, err)

	mu := tx.NewMutex()
	require.True(t, mu.TryLock())
	defer mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var werr error
	go func() {
		defer wg.Done()
		werr = m.WithLock(ctx, mu, func() error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()
	require.ErrorIs(t, werr, context.Canceled)
}
