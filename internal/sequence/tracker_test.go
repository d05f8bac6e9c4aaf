package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracker_Validation(t *testing.T) {
	t.Run("rejects zero count", func(t *testing.T) {
		_, err := NewTracker(Options{StartID: 1, Count: 0, BaseLength: 4, StarvationWait: time.Second})
		assert.Error(t, err)
	})

	t.Run("rejects zero base length", func(t *testing.T) {
		_, err := NewTracker(Options{StartID: 1, Count: 2, BaseLength: 0, StarvationWait: time.Second})
		assert.Error(t, err)
	})

	t.Run("rejects missing starvation wait", func(t *testing.T) {
		_, err := NewTracker(Options{StartID: 1, Count: 2, BaseLength: 4})
		assert.Error(t, err)
	})

	t.Run("rejects jitter of one or more", func(t *testing.T) {
		_, err := NewTracker(Options{StartID: 1, Count: 2, BaseLength: 4, LengthJitter: 1.0, StarvationWait: time.Second})
		assert.Error(t, err)
	})

	t.Run("accepts minimal options", func(t *testing.T) {
		tr, err := NewTracker(Options{StartID: 7, Count: 3, BaseLength: 1, StarvationWait: time.Second})
		require.NoError(t, err)
		assert.Equal(t, 3, tr.Size())
		assert.Equal(t, 0, tr.InUse())
	})
}

func TestTracker_AllocateAssignsDistinctIDs(t *testing.T) {
	tr, err := NewTracker(Options{StartID: 100, Count: 4, BaseLength: 5, StarvationWait: time.Second})
	require.NoError(t, err)

	ctx := context.Background()
	seen := make(map[uint64]bool)
	leases := make([]*Lease, 0, 4)
	for i := 0; i < 4; i++ {
		lease, err := tr.Allocate(ctx)
		require.NoError(t, err)
		assert.False(t, seen[lease.ID()], "id %d handed out twice", lease.ID())
		assert.GreaterOrEqual(t, lease.ID(), uint64(100))
		assert.Less(t, lease.ID(), uint64(104))
		seen[lease.ID()] = true
		leases = append(leases, lease)
	}
	assert.Equal(t, 4, tr.InUse())

	for _, lease := range leases {
		require.NoError(t, tr.Release(lease))
	}
	assert.Equal(t, 0, tr.InUse())
}

// Four workers share two slots. The pool must never hand the same id to
// two holders at once, and with a generous wait nobody starves.
func TestTracker_BackpressureNeverDuplicates(t *testing.T) {
	tr, err := NewTracker(Options{StartID: 1, Count: 2, BaseLength: 3, StarvationWait: 5 * time.Second})
	require.NoError(t, err)

	var mu sync.Mutex
	active := make(map[uint64]bool)
	peak := 0

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < 25; i++ {
				lease, err := tr.Allocate(ctx)
				if err != nil {
					errCh <- err
					return
				}
				mu.Lock()
				if active[lease.ID()] {
					mu.Unlock()
					errCh <- errors.New("duplicate active sequence id")
					return
				}
				active[lease.ID()] = true
				if len(active) > peak {
					peak = len(active)
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				delete(active, lease.ID())
				mu.Unlock()
				if err := tr.Release(lease); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	assert.LessOrEqual(t, peak, 2)
	assert.False(t, tr.Starved())
	assert.Equal(t, 0, tr.InUse())
}

func TestTracker_StarvationIsSticky(t *testing.T) {
	tr, err := NewTracker(Options{StartID: 1, Count: 1, BaseLength: 2, StarvationWait: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	held, err := tr.Allocate(ctx)
	require.NoError(t, err)

	_, err = tr.Allocate(ctx)
	require.ErrorIs(t, err, ErrStarved)
	assert.True(t, tr.Starved())

	// The flag stays set even after the slot frees up.
	require.NoError(t, tr.Release(held))
	lease, err := tr.Allocate(ctx)
	require.NoError(t, err)
	assert.True(t, tr.Starved())
	require.NoError(t, tr.Release(lease))
}

func TestTracker_AllocateHonorsContext(t *testing.T) {
	tr, err := NewTracker(Options{StartID: 1, Count: 1, BaseLength: 2, StarvationWait: 5 * time.Second})
	require.NoError(t, err)

	held, err := tr.Allocate(context.Background())
	require.NoError(t, err)
	defer tr.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tr.Allocate(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, tr.Starved(), "context expiry is not starvation")
}

func TestTracker_ReleaseValidation(t *testing.T) {
	tr, err := NewTracker(Options{StartID: 1, Count: 2, BaseLength: 2, StarvationWait: time.Second})
	require.NoError(t, err)

	t.Run("nil lease", func(t *testing.T) {
		assert.Error(t, tr.Release(nil))
	})

	t.Run("double release", func(t *testing.T) {
		lease, err := tr.Allocate(context.Background())
		require.NoError(t, err)
		require.NoError(t, tr.Release(lease))
		err = tr.Release(lease)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "double release")
	})
}

func TestTracker_LengthJitterBounds(t *testing.T) {
	tr, err := NewTracker(Options{
		StartID:        1,
		Count:          1,
		BaseLength:     20,
		LengthJitter:   0.5,
		StarvationWait: time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		lease, err := tr.Allocate(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, lease.Length(), 10)
		assert.LessOrEqual(t, lease.Length(), 30)
		require.NoError(t, tr.Release(lease))
	}
}

func TestLease_Walk(t *testing.T) {
	tr, err := NewTracker(Options{StartID: 9, Count: 1, BaseLength: 3, StarvationWait: time.Second})
	require.NoError(t, err)

	lease, err := tr.Allocate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, lease.Length())

	assert.True(t, lease.First())
	assert.False(t, lease.Last())
	assert.False(t, lease.Advance())

	assert.False(t, lease.First())
	assert.False(t, lease.Last())
	assert.False(t, lease.Advance())

	assert.False(t, lease.First())
	assert.True(t, lease.Last())
	assert.True(t, lease.Advance())

	require.NoError(t, tr.Release(lease))
}
