package ratelimit

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJitterWithinBounds(t *testing.T) {
	t.Parallel()

	p := New(Config{MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second}, WithRand(rand.New(rand.NewPCG(1, 2))))
	for i := 0; i < 1000; i++ {
		d := p.Jitter()
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestJitterFixedWhenRangeCollapsed(t *testing.T) {
	t.Parallel()

	p := New(Config{MinDelay: time.Second, MaxDelay: time.Millisecond})
	require.Equal(t, time.Second, p.Jitter())
}

func TestWaitHonoursRate(t *testing.T) {
	t.Parallel()

	var observed []time.Duration
	p := New(Config{UnitsPerMinute: 600, Burst: 1}, WithObserver(func(d time.Duration) { observed = append(observed, d) }))
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx))
	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Len(t, observed, 2)
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()

	p := New(Config{MinDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Wait(ctx), context.Canceled)
}
