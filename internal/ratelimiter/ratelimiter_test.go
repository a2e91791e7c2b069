package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		perSecond float64
		burst     int
		unlimited bool
	}{
		{name: "standard rate", perSecond: 100, burst: 200},
		{name: "fractional rate", perSecond: 0.5, burst: 1},
		{name: "zero burst raised to one", perSecond: 10, burst: 0},
		{name: "unlimited (zero rate)", perSecond: 0, burst: 0, unlimited: true},
		{name: "unlimited (negative rate)", perSecond: -1, burst: 5, unlimited: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.perSecond, tt.burst)
			require.NotNil(t, limiter)
			assert.Equal(t, tt.unlimited, limiter.Unlimited())
			assert.True(t, limiter.Allow(), "first event must always pass")
		})
	}
}

func TestAllow(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow(), "event %d is within the burst", i)
	}
	assert.False(t, limiter.Allow(), "burst exhausted")

	// 100ms refills one token at 10/s
	time.Sleep(110 * time.Millisecond)
	assert.True(t, limiter.Allow())
}

func TestUnlimitedNeverBlocks(t *testing.T) {
	limiter := New(0, 0)

	for i := 0; i < 10000; i++ {
		require.True(t, limiter.Allow())
	}
	assert.Zero(t, limiter.Delay())
}

func TestWait(t *testing.T) {
	limiter := New(10, 1)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx))

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestWaitContextCancellation(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, limiter.Wait(ctx))
}

func TestDelay(t *testing.T) {
	limiter := New(10, 1)

	assert.Zero(t, limiter.Delay(), "first reservation is immediate")
	d := limiter.Delay()
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 100*time.Millisecond)
}

func TestSetLimit(t *testing.T) {
	limiter := New(10, 10)
	for i := 0; i < 10; i++ {
		limiter.Allow()
	}
	require.False(t, limiter.Allow())

	t.Run("Raise", func(t *testing.T) {
		limiter.SetLimit(100)
		time.Sleep(50 * time.Millisecond)
		assert.True(t, limiter.Allow())
	})

	t.Run("Remove", func(t *testing.T) {
		limiter.SetLimit(0)
		assert.True(t, limiter.Unlimited())
		for i := 0; i < 100; i++ {
			require.True(t, limiter.Allow())
		}
	})

	t.Run("Restore", func(t *testing.T) {
		limiter.SetLimit(5)
		assert.False(t, limiter.Unlimited())
	})
}

func TestTokens(t *testing.T) {
	limiter := New(1, 3)
	assert.InDelta(t, 3, limiter.Tokens(), 0.01)

	limiter.Allow()
	assert.InDelta(t, 2, limiter.Tokens(), 0.01)
}
