package ratelimiter_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats/memstats"
	"github.com/stretchr/testify/require"

	"github.com/statlake/statlake-server/client/ratelimiter"
)

func newLimiter(t *testing.T, limit, burstLimit int64, now func() time.Time) *ratelimiter.Handle {
	t.Helper()

	c := config.New()
	c.Set("StatAPI.RateLimit.limit", limit)
	c.Set("StatAPI.RateLimit.burstLimit", burstLimit)

	statsStore, err := memstats.New()
	require.NoError(t, err)

	return ratelimiter.New(c, logger.NOP, statsStore, ratelimiter.WithNow(now))
}

func TestAllow_ExactLimit(t *testing.T) {
	now := time.Now()
	rl := newLimiter(t, 5, 5, func() time.Time { return now })

	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow(), "call %d within the limit should be admitted", i+1)
	}
	require.False(t, rl.Allow(), "call limit+1 within the same window should be denied")
}

func TestAllow_BurstWindow(t *testing.T) {
	now := time.Now()
	rl := newLimiter(t, 100, 3, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow())
	}
	require.False(t, rl.Allow(), "burst window should deny even though hourly capacity remains")
	require.EqualValues(t, 0, rl.Remaining())
}

func TestAllow_WindowRollsLazily(t *testing.T) {
	now := time.Now()
	rl := newLimiter(t, 100, 2, func() time.Time { return now })

	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	// Advancing past the burst window frees capacity on the next call, with
	// no background timer involved.
	now = now.Add(time.Minute + time.Second)
	require.True(t, rl.Allow())
}

func TestAllow_DenialConsumesNoCapacity(t *testing.T) {
	now := time.Now()
	rl := newLimiter(t, 100, 2, func() time.Time { return now })

	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	for i := 0; i < 10; i++ {
		require.False(t, rl.Allow())
	}

	// Only the burst window is exhausted; the hourly window saw exactly two
	// admissions, not twelve.
	require.EqualValues(t, 0, rl.Remaining())
	now = now.Add(time.Minute + time.Second)
	require.EqualValues(t, 2, rl.Remaining(), "hourly window should have 100-2 capacity, bounded by fresh burst window of 2")
}

func TestAllow_Concurrent(t *testing.T) {
	now := time.Now()
	rl := newLimiter(t, 50, 50, func() time.Time { return now })

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 50, admitted.Load(), "exactly the configured limit should be admitted under contention")
	require.EqualValues(t, 0, rl.Remaining())
}

func TestReset(t *testing.T) {
	now := time.Now()
	rl := newLimiter(t, 2, 2, func() time.Time { return now })

	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	rl.Reset()
	require.EqualValues(t, 2, rl.Remaining())
	require.True(t, rl.Allow())
}
