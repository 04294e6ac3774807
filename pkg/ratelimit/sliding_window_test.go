package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aegisfabric/governance/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P2: for N concurrent acquire calls within a window of L, at most L
// return allowed=true and the rest return RateLimitExceeded.
func TestLimiter_BoundedUnderConcurrency(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.Config{TenantLimitPerMinute: 5, UserLimitPerMinute: 1000, WindowSeconds: 60})

	const n = 50
	const limit = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Acquire(context.Background(), "tenant-a", "user-x")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed)
}

// P3: exhausting tenant A's budget does not affect tenant B.
func TestLimiter_PerTenantIsolation(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.Config{TenantLimitPerMinute: 1, UserLimitPerMinute: 1000, WindowSeconds: 60})

	_, err := l.Acquire(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "tenant-a", "user-1")
	require.Error(t, err)

	d, err := l.Acquire(context.Background(), "tenant-b", "user-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

// Per-user isolation within a single tenant: distinct users keyed by (tenant,user).
func TestLimiter_PerUserIsolationWithinTenant(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.Config{TenantLimitPerMinute: 1000, UserLimitPerMinute: 1, WindowSeconds: 60})

	_, err := l.Acquire(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "tenant-a", "user-1")
	require.Error(t, err)

	d, err := l.Acquire(context.Background(), "tenant-a", "user-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_WindowSlidesOverTime(t *testing.T) {
	now := time.Now()
	clock := now
	l := ratelimit.NewLimiter(ratelimit.Config{TenantLimitPerMinute: 1, UserLimitPerMinute: 1000, WindowSeconds: 1}).
		WithClock(func() time.Time { return clock })

	_, err := l.Acquire(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "tenant-a", "user-1")
	require.Error(t, err)

	clock = clock.Add(1100 * time.Millisecond)
	d, err := l.Acquire(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_EffectiveLimitIsMoreRestrictive(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.Config{TenantLimitPerMinute: 100, UserLimitPerMinute: 2, WindowSeconds: 60})

	_, err := l.Acquire(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "tenant-a", "user-1")
	require.Error(t, err)
	var rle *ratelimit.ErrRateLimitExceeded
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "user", rle.Scope)
}
