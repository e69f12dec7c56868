package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimpleRateLimiter_Wait(t *testing.T) {
	rl := NewSimpleRateLimiter(30*time.Millisecond, 30*time.Millisecond)
	ctx := context.Background()

	assert.NoError(t, rl.Wait(ctx))

	start := time.Now()
	assert.NoError(t, rl.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestSimpleRateLimiter_Cancelled(t *testing.T) {
	rl := NewSimpleRateLimiter(time.Hour, time.Hour)
	assert.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)
}

func TestSimpleRateLimiter_SetDelayOrdersBounds(t *testing.T) {
	rl := NewSimpleRateLimiter(0, 0)
	rl.SetDelay(2*time.Second, time.Second)

	min, max := rl.Delays()
	assert.Equal(t, 2*time.Second, min)
	assert.Equal(t, 2*time.Second, max)
}

func TestAdaptiveRateLimiter_BackoffAndRecover(t *testing.T) {
	rl := NewAdaptiveRateLimiter(2*time.Second, 4*time.Second)

	rl.RecordBlock()
	min, max := rl.Delays()
	assert.Equal(t, 3*time.Second, min)
	assert.Equal(t, 6*time.Second, max)

	for i := 0; i < 6*10; i++ {
		rl.RecordSuccess()
	}
	min, _ = rl.Delays()
	assert.Equal(t, 2*time.Second, min)
}

func TestAdaptiveRateLimiter_Caps(t *testing.T) {
	rl := NewAdaptiveRateLimiter(50*time.Second, 100*time.Second)
	rl.RecordBlock()
	rl.RecordBlock()

	min, max := rl.Delays()
	assert.Equal(t, 60*time.Second, min)
	assert.Equal(t, 120*time.Second, max)
}

func TestNop(t *testing.T) {
	var p Pacer = Nop{}
	assert.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)
}
