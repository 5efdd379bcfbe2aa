package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestReclaimer_RateLimit_FirstCallIsImmediate(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	l := New(time.Second, clock)
	require.NoError(t, l.Wait(context.Background()))
}

func TestReclaimer_RateLimit_SpacesConsecutiveCalls(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	l := New(time.Second, clock)
	require.NoError(t, l.Wait(context.Background()))

	done := make(chan error, 1)
	go func() { done <- l.Wait(context.Background()) }()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	select {
	case <-done:
		t.Fatal("second call returned before the interval elapsed")
	default:
	}

	clock.Advance(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second call did not return after the interval")
	}
}

func TestReclaimer_RateLimit_NoWaitAfterIdleInterval(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	l := New(500*time.Millisecond, clock)
	require.NoError(t, l.Wait(context.Background()))
	clock.Advance(time.Second)
	require.NoError(t, l.Wait(context.Background()))
}

func TestReclaimer_RateLimit_ContextCancelled(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	l := New(time.Minute, clock)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestReclaimer_RateLimit_ZeroIntervalDisabled(t *testing.T) {
	t.Parallel()
	l := New(0, clockwork.NewFakeClock())
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	require.Equal(t, time.Duration(0), l.Interval())
}
