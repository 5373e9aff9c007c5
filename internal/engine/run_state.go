package engine

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of one scan run.
type Status int

const (
	StatusIdle Status = iota
	StatusPreparing
	StatusRunning
	StatusPaused
	StatusAborting
	StatusFinished
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPreparing:
		return "preparing"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusAborting:
		return "aborting"
	case StatusFinished:
		return "finished"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAborted
}

// validTransitions encodes the state machine: transitions are monotonic
// except running and paused, which may cycle arbitrarily.
var validTransitions = map[Status][]Status{
	StatusIdle:      {StatusPreparing, StatusAborted},
	StatusPreparing: {StatusRunning, StatusAborting, StatusAborted},
	StatusRunning:   {StatusPaused, StatusAborting, StatusFinished, StatusAborted},
	StatusPaused:    {StatusRunning, StatusAborting, StatusAborted},
	StatusAborting:  {StatusAborted},
}

// RunState is the mutable execution state of one scan, owned exclusively by
// the engine during the run. GUI clients see its values only through the
// store's published info keys.
type RunState struct {
	mu            sync.Mutex
	status        Status
	currentPoint  int
	retryCount    int
	startTime     time.Time
	lastPointTime time.Time
}

// NewRunState creates an idle run state.
func NewRunState() *RunState {
	return &RunState{status: StatusIdle, startTime: time.Now()}
}

// Transition moves to a new status, rejecting anything the state machine
// does not allow. Terminal states are frozen.
func (r *RunState) Transition(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == to {
		return nil
	}
	for _, allowed := range validTransitions[r.status] {
		if allowed == to {
			r.status = to
			return nil
		}
	}
	return fmt.Errorf("invalid scan status transition %s -> %s", r.status, to)
}

// Status returns the current status.
func (r *RunState) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// CurrentPoint returns the point cursor: the number of points completed.
func (r *RunState) CurrentPoint() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentPoint
}

// PointCompleted advances the cursor and stamps the completion time.
func (r *RunState) PointCompleted(point int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentPoint = point + 1
	r.retryCount = 0
	r.lastPointTime = time.Now()
}

// RetryCount returns the retry count of the point in progress.
func (r *RunState) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

// RecordRetry increments the current point's retry count and returns it.
func (r *RunState) RecordRetry() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount++
	return r.retryCount
}

// StartTime returns when the run state was created.
func (r *RunState) StartTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startTime
}

// Elapsed returns time since the run started.
func (r *RunState) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.startTime)
}
