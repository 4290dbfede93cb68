package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLock_SerializesSameKey(t *testing.T) {
	t.Parallel()

	table := New()
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := table.WithLock(context.Background(), "k", func(context.Context) error {
				n := active.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxSeen.Load())
	require.Zero(t, table.Len())
}

func TestWithLock_FIFOOrder(t *testing.T) {
	t.Parallel()

	table := New()
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = table.WithLock(context.Background(), "k", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = table.WithLock(context.Background(), "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Queue the waiters one at a time so their arrival order is known.
		require.Eventually(t, func() bool { return table.waiting("k") == i+1 }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWithLock_DistinctKeysOverlap(t *testing.T) {
	t.Parallel()

	table := New()
	bothInside := make(chan struct{})
	var inside atomic.Int32
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = table.WithLock(context.Background(), key, func(context.Context) error {
				if inside.Add(1) == 2 {
					close(bothInside)
				}
				select {
				case <-bothInside:
				case <-time.After(time.Second):
					return errors.New("keys did not overlap")
				}
				return nil
			})
		}(key)
	}
	wg.Wait()
	require.Equal(t, int32(2), inside.Load())
}

func TestWithLock_ErrorAndPanicReleaseKey(t *testing.T) {
	t.Parallel()

	table := New()
	boom := errors.New("boom")

	err := table.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	err = table.WithLock(context.Background(), "k", func(context.Context) error { panic("bad") })
	require.ErrorContains(t, err, "panicked")

	ran := false
	err = table.WithLock(context.Background(), "k", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.Zero(t, table.Len())
}

func TestWithLock_CancelledWaiterLeavesQueue(t *testing.T) {
	t.Parallel()

	table := New()
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = table.WithLock(context.Background(), "k", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := table.WithLock(ctx, "k", func(context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ran)

	close(release)
	<-done
	require.Zero(t, table.Len())
}

func TestWithLock_ClosedTable(t *testing.T) {
	t.Parallel()

	table := New()
	table.Close()
	err := table.WithLock(context.Background(), "k", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestWithLock_ReportsWait(t *testing.T) {
	t.Parallel()

	table := New()
	var calls atomic.Int32
	table.OnWait = func(key string, _ time.Duration) {
		if key == "k" {
			calls.Add(1)
		}
	}
	require.NoError(t, table.WithLock(context.Background(), "k", func(context.Context) error { return nil }))
	require.Equal(t, int32(1), calls.Load())
}

func (t *Table) waiting(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return len(e.waiters)
	}
	return 0
}
