package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()

	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, time.Now().UTC().Add(time.Second))
}

func TestClockSince(t *testing.T) {
	t.Parallel()

	clk := New()
	require.GreaterOrEqual(t, clk.Since(clk.Now().Add(-time.Minute)), time.Minute)
}
