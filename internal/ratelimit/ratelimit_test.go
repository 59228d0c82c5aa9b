package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	err    error
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if c.err != nil {
		return c.err
	}
	c.now = c.now.Add(d)
	return nil
}

func TestPerMinuteSpacesCalls(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := PerMinute(60, WithClock(clk.Now, clk.Sleep))
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	assert.Empty(t, clk.sleeps, "first call uses the initial token")

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	require.Len(t, clk.sleeps, 2)
	assert.Equal(t, time.Second, clk.sleeps[0])
	assert.Equal(t, time.Second, clk.sleeps[1])
}

func TestIdleRefill(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := PerMinute(6, WithClock(clk.Now, clk.Sleep))

	require.NoError(t, l.Wait(context.Background()))
	clk.now = clk.now.Add(time.Minute)
	require.NoError(t, l.Wait(context.Background()))
	assert.Empty(t, clk.sleeps)
}

func TestUnlimited(t *testing.T) {
	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.Wait(context.Background()))

	l := PerMinute(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
}

func TestWaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := PerMinute(1)
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestSleepErrorReturned(t *testing.T) {
	boom := errors.New("interrupted")
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), err: boom}
	l := PerMinute(60, WithClock(clk.Now, clk.Sleep))

	require.NoError(t, l.Wait(context.Background()))
	assert.ErrorIs(t, l.Wait(context.Background()), boom)
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
