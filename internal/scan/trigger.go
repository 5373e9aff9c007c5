package scan

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
)

// Triggerable is the start/done protocol the engine polls per point. A
// plain Trigger wraps one hardware channel; a MultiTrigger joins several
// behind the same contract so the polling loop is uniform regardless of how
// many physical signals back an acquisition.
type Triggerable interface {
	Label() string
	Start() error
	Done() bool
	Runtime() time.Duration
	Abort() error
}

// Trigger starts one detector's acquisition for a point by writing a value
// to its start channel. Completion is latched by the put callback; the
// engine polls Done against a budget derived from the dwell time.
type Trigger struct {
	label   string
	channel device.Channel
	// value written to start acquisition, conventionally 1.
	value float64
	// stopValue written on abort to halt counting, conventionally 0.
	stopValue float64

	done atomic.Bool

	mu      sync.Mutex
	started time.Time
	runtime time.Duration
}

// NewTrigger creates a trigger with the conventional start value 1 and stop
// value 0.
func NewTrigger(label string, channel device.Channel) *Trigger {
	return &Trigger{label: label, channel: channel, value: 1, stopValue: 0}
}

func (t *Trigger) Label() string  { return t.label }
func (t *Trigger) PVName() string { return t.channel.Name() }

// Start begins acquisition. The completion callback latches Done and records
// the runtime.
func (t *Trigger) Start() error {
	t.done.Store(false)
	t.mu.Lock()
	t.started = time.Now()
	t.runtime = 0
	t.mu.Unlock()
	return t.channel.Put(t.value, func() {
		t.mu.Lock()
		t.runtime = time.Since(t.started)
		t.mu.Unlock()
		t.done.Store(true)
	})
}

// Done reports whether the last started acquisition has completed.
func (t *Trigger) Done() bool { return t.done.Load() }

// Runtime returns how long the last completed acquisition took. Zero while
// still counting.
func (t *Trigger) Runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runtime
}

// Abort writes the stop value to halt counting. The put carries no
// completion callback; abort is best effort.
func (t *Trigger) Abort() error {
	return t.channel.Put(t.stopValue, nil)
}

// MultiTrigger presents several hardware triggers as one. Start fires all of
// them, Done reports true only when every one has completed, and Runtime is
// the slowest member's runtime.
type MultiTrigger struct {
	label    string
	triggers []Triggerable
}

// NewMultiTrigger composes triggers behind a single façade.
func NewMultiTrigger(label string, triggers ...Triggerable) *MultiTrigger {
	return &MultiTrigger{label: label, triggers: triggers}
}

func (m *MultiTrigger) Label() string { return m.label }

// Start fires every member trigger. The first error stops the fan-out:
// a partially started point is retried by the engine anyway.
func (m *MultiTrigger) Start() error {
	for _, t := range m.triggers {
		if err := t.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiTrigger) Done() bool {
	for _, t := range m.triggers {
		if !t.Done() {
			return false
		}
	}
	return true
}

func (m *MultiTrigger) Runtime() time.Duration {
	var max time.Duration
	for _, t := range m.triggers {
		if rt := t.Runtime(); rt > max {
			max = rt
		}
	}
	return max
}

func (m *MultiTrigger) Abort() error {
	var firstErr error
	for _, t := range m.triggers {
		if err := t.Abort(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Triggerable = (*Trigger)(nil)
	_ Triggerable = (*MultiTrigger)(nil)
)
