package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease_TracksInFlightAndCapacity(t *testing.T) {
	c := New(2)
	assert.Equal(t, 2, c.Capacity())
	assert.Equal(t, 0, c.InFlight())

	require.NoError(t, c.Acquire(context.Background()))
	assert.Equal(t, 1, c.InFlight())

	require.NoError(t, c.Acquire(context.Background()))
	assert.Equal(t, 2, c.InFlight())

	c.Release()
	assert.Equal(t, 1, c.InFlight())
}

func TestAcquire_BlocksAtCapacityUntilRelease(t *testing.T) {
	c := New(1)
	require.NoError(t, c.Acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		_ = c.Acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should not have succeeded while at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should have succeeded after Release")
	}
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	c := New(1)
	require.NoError(t, c.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_AfterShutdownReturnsErrShuttingDown(t *testing.T) {
	c := New(4)
	c.Shutdown()

	err := c.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestAcquire_NeverExceedsMaxConcurrentUnderConcurrentLoad(t *testing.T) {
	const maxConcurrent = 3
	const workers = 20
	c := New(maxConcurrent)

	var mu sync.Mutex
	maxObserved := 0
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Acquire(context.Background()); err != nil {
				return
			}
			defer c.Release()

			mu.Lock()
			if c.InFlight() > maxObserved {
				maxObserved = c.InFlight()
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxObserved, maxConcurrent)
}
