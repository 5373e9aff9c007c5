package scan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepscan-labs/stepscan/internal/device"
	"github.com/stepscan-labs/stepscan/internal/scan"
)

func waitUntil(t *testing.T, timeout time.Duration, pred func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return pred()
}

func TestTriggerCompletion(t *testing.T) {
	ch := device.NewSimChannel("SIM:sclr.CNT", 0)
	ch.MoveDelay = 5 * time.Millisecond
	trig := scan.NewTrigger("sclr", ch)

	require.NoError(t, trig.Start())
	assert.False(t, trig.Done(), "done must not latch before the hardware reports")

	require.True(t, waitUntil(t, time.Second, trig.Done))
	assert.Greater(t, trig.Runtime(), time.Duration(0))

	v, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "start writes the conventional start value")

	require.NoError(t, trig.Abort())
	require.True(t, waitUntil(t, time.Second, func() bool {
		v, _ := ch.Get()
		return v == 0.0
	}), "abort writes the stop value")
}

func TestTriggerDroppedCompletion(t *testing.T) {
	ch := device.NewSimChannel("SIM:sclr.CNT", 0)
	ch.DropCompletion = true
	trig := scan.NewTrigger("sclr", ch)

	require.NoError(t, trig.Start())
	time.Sleep(20 * time.Millisecond)
	assert.False(t, trig.Done(), "a dropped completion must never latch done")
}

func TestMultiTriggerDoneRequiresAll(t *testing.T) {
	fast := device.NewSimChannel("SIM:cam:Acquire", 0)
	slow := device.NewSimChannel("SIM:pulse", 0)
	slow.MoveDelay = 20 * time.Millisecond

	multi := scan.NewMultiTrigger("cam",
		scan.NewTrigger("cam", fast),
		scan.NewTrigger("pulse", slow))

	require.NoError(t, multi.Start())
	require.True(t, waitUntil(t, time.Second, func() bool {
		v, _ := fast.Get()
		return v == 1.0
	}))

	// The fast member finishes quickly; the composite stays pending until
	// the slow member reports.
	require.True(t, waitUntil(t, time.Second, multi.Done))
	assert.GreaterOrEqual(t, multi.Runtime(), 15*time.Millisecond,
		"composite runtime follows the slowest member")

	require.NoError(t, multi.Abort())
}
