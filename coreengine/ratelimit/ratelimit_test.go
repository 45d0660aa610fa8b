package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// LIMITER TESTS
// =============================================================================

func TestLimiterMinuteWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RunsPerMinute: 2, RunsPerHour: 100}, WithClock(clock.Now))

	first := l.Allow("10.0.0.1")
	require.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	require.True(t, l.Allow("10.0.0.1").Allowed)

	denied := l.Allow("10.0.0.1")
	assert.False(t, denied.Allowed)
	assert.Equal(t, "minute", denied.Window)
	assert.Equal(t, 2, denied.Current)
	assert.Equal(t, 66*time.Second, denied.RetryAfter)

	// Other clients are independent.
	assert.True(t, l.Allow("10.0.0.2").Allowed)

	clock.Advance(denied.RetryAfter)
	assert.True(t, l.Allow("10.0.0.1").Allowed)
}

func TestLimiterHourWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RunsPerHour: 3}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("c").Allowed, "run %d", i+1)
		clock.Advance(5 * time.Minute)
	}

	res := l.Allow("c")
	assert.False(t, res.Allowed)
	assert.Equal(t, "hour", res.Window)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestLimiterDeniedRequestsAreNotRecorded(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RunsPerMinute: 1}, WithClock(clock.Now))

	require.True(t, l.Allow("c").Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow("c").Allowed)
	}
	assert.Equal(t, 1, l.windows[windowKey{"c", "minute"}].count(clock.Now()))
}

func TestLimiterDisabled(t *testing.T) {
	l := New(Config{})
	assert.False(t, l.Enabled())
	for i := 0; i < 50; i++ {
		assert.True(t, l.Allow("c").Allowed)
	}
}

func TestLimiterResetAndCleanup(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RunsPerMinute: 1, RunsPerHour: 10}, WithClock(clock.Now))

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Reset("a"))
	assert.True(t, l.Allow("a").Allowed)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 4, l.CleanupExpired())
	assert.Empty(t, l.windows)
}

func TestLimiterConcurrentClients(t *testing.T) {
	l := New(Config{RunsPerMinute: 5})

	var wg sync.WaitGroup
	allowed := make([]int, 4)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if l.Allow(string(rune('a' + c))).Allowed {
					allowed[c]++
				}
			}
		}(c)
	}
	wg.Wait()

	for _, n := range allowed {
		assert.Equal(t, 5, n)
	}
}
