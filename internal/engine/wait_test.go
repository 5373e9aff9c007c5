package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitForImmediateSatisfaction(t *testing.T) {
	res := waitFor(context.Background(), time.Second, time.Millisecond, func() bool { return true })
	assert.Equal(t, waitSatisfied, res)
}

func TestWaitForEventualSatisfaction(t *testing.T) {
	var flag atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		flag.Store(true)
	}()
	res := waitFor(context.Background(), time.Second, time.Millisecond, flag.Load)
	assert.Equal(t, waitSatisfied, res)
}

func TestWaitForTimeout(t *testing.T) {
	start := time.Now()
	res := waitFor(context.Background(), 20*time.Millisecond, time.Millisecond, func() bool { return false })
	assert.Equal(t, waitTimedOut, res)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	res := waitFor(ctx, time.Minute, time.Millisecond, func() bool { return false })
	assert.Equal(t, waitCancelled, res)
}

func TestSleepForReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	sleepFor(ctx, time.Minute)
	assert.Less(t, time.Since(start), time.Second)

	sleepFor(context.Background(), 0)
	sleepFor(context.Background(), -time.Second)
}
