package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateTransitions(t *testing.T) {
	s := NewRunState()
	assert.Equal(t, StatusIdle, s.Status())

	require.NoError(t, s.Transition(StatusPreparing))
	require.NoError(t, s.Transition(StatusRunning))
	require.NoError(t, s.Transition(StatusPaused))
	require.NoError(t, s.Transition(StatusRunning), "pause is the only reversible transition")
	require.NoError(t, s.Transition(StatusFinished))
	assert.True(t, s.Status().Terminal())

	err := s.Transition(StatusRunning)
	assert.Error(t, err, "terminal states are frozen")
	assert.Equal(t, StatusFinished, s.Status())
}

func TestRunStateSameStatusIsNoOp(t *testing.T) {
	s := NewRunState()
	require.NoError(t, s.Transition(StatusPreparing))
	assert.NoError(t, s.Transition(StatusPreparing))
}

func TestRunStateRejectsBackwardTransition(t *testing.T) {
	s := NewRunState()
	require.NoError(t, s.Transition(StatusPreparing))
	require.NoError(t, s.Transition(StatusRunning))
	assert.Error(t, s.Transition(StatusPreparing))
}

func TestRunStateAbortPath(t *testing.T) {
	s := NewRunState()
	require.NoError(t, s.Transition(StatusPreparing))
	require.NoError(t, s.Transition(StatusRunning))
	require.NoError(t, s.Transition(StatusAborting))
	assert.Error(t, s.Transition(StatusFinished), "an aborting scan cannot finish cleanly")
	require.NoError(t, s.Transition(StatusAborted))
	assert.True(t, s.Status().Terminal())
}

func TestRunStatePointCursorAndRetries(t *testing.T) {
	s := NewRunState()
	assert.Equal(t, 0, s.CurrentPoint())

	assert.Equal(t, 1, s.RecordRetry())
	assert.Equal(t, 2, s.RecordRetry())
	assert.Equal(t, 2, s.RetryCount())

	s.PointCompleted(0)
	assert.Equal(t, 1, s.CurrentPoint())
	assert.Equal(t, 0, s.RetryCount(), "completing a point clears its retry count")

	s.PointCompleted(1)
	assert.Equal(t, 2, s.CurrentPoint())
}
