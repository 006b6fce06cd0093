package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AcquireRelease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l, err := s.Acquire(ctx, "prod", "controller-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "controller-a", l.Holder)
	assert.NotEmpty(t, l.Token)

	// Second acquirer is refused while the lease is live.
	_, err = s.Acquire(ctx, "prod", "controller-b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseUnavailable)

	// A different environment is independent.
	_, err = s.Acquire(ctx, "staging", "controller-b", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, s.Release(ctx, l))

	// Released: next acquirer wins.
	_, err = s.Acquire(ctx, "prod", "controller-b", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryStore_ExpiredLeaseTakeover(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })

	l, err := s.Acquire(ctx, "prod", "controller-a", time.Minute)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })

	l2, err := s.Acquire(ctx, "prod", "controller-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "controller-b", l2.Holder)

	// The old holder's token is now worthless.
	assert.ErrorIs(t, s.Renew(ctx, l, time.Minute), ErrLeaseLost)
	assert.ErrorIs(t, s.Release(ctx, l), ErrLeaseLost)
}

func TestMemoryStore_SameHolderTakeover(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l, err := s.Acquire(ctx, "prod", "controller-a", time.Minute)
	require.NoError(t, err)

	// The same holder reacquires while the old lease is still live,
	// as a restarted controller does. It gets a fresh token.
	l2, err := s.Acquire(ctx, "prod", "controller-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "controller-a", l2.Holder)
	assert.NotEqual(t, l.Token, l2.Token)

	// The previous incarnation's token is now worthless.
	assert.ErrorIs(t, s.Renew(ctx, l, time.Minute), ErrLeaseLost)
	assert.NoError(t, s.Renew(ctx, l2, time.Minute))
}

func TestMemoryStore_Renew(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })

	l, err := s.Acquire(ctx, "prod", "controller-a", time.Minute)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(30 * time.Second) })
	require.NoError(t, s.Renew(ctx, l, time.Minute))
	assert.Equal(t, base.Add(90*time.Second), l.ExpiresAt)
}

func TestMemoryStore_Current(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cur, err := s.Current(ctx, "prod")
	require.NoError(t, err)
	assert.Nil(t, cur)

	l, err := s.Acquire(ctx, "prod", "controller-a", time.Minute)
	require.NoError(t, err)

	cur, err = s.Current(ctx, "prod")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, l.Token, cur.Token)
}

func TestMemoryStore_ConcurrentAcquire_OneWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Acquire(ctx, "prod", "controller", time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrLeaseUnavailable):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one concurrent acquirer wins")
	assert.Equal(t, n-1, losses)
}
