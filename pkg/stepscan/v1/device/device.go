// Package device defines the capability interfaces the scan engine depends
// on for hardware access. Positioners, triggers and counters are built on
// Channel; area-capture detectors additionally use ArrayChannel; slew scans
// drive a hardware Trajectory. Completion is advisory everywhere: a device
// reports done via a latched callback, and callers poll with a bounded
// timeout rather than blocking on the hardware.
package device

import (
	"context"
	"time"
)

// Channel is a single settable, readable hardware process value (a motor
// drive field, a scaler count register, a readback).
type Channel interface {
	// Name returns the channel's address, stable for the process lifetime.
	Name() string

	// Get reads the current value.
	Get() (float64, error)

	// Put writes a value without blocking. If onComplete is non-nil it is
	// invoked exactly once when the hardware reports the operation done
	// (for a motor, motion complete; for a count register, counting
	// finished). Completion is advisory: it may never fire if the device
	// misbehaves, so callers must poll with their own timeout.
	Put(value float64, onComplete func()) error

	// Limits returns the configured travel limits, if any. ok is false when
	// the device carries no limits (the check is then skipped).
	Limits() (low, high float64, ok bool)
}

// ArrayChannel reads a buffered waveform, e.g. a multichannel scaler's
// per-pixel counts after a trajectory row.
type ArrayChannel interface {
	Name() string
	GetArray() ([]float64, error)
}

// TrajectoryDirection selects the sweep direction for one row of a slew
// scan. Rows alternate so the fast axis does not rewind between rows.
type TrajectoryDirection int

const (
	Forward TrajectoryDirection = iota
	Backward
)

func (d TrajectoryDirection) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Trajectory is a hardware-executed continuous motion profile. The engine
// defines it once per scan, then per row arms it and runs it as an
// independent concurrent activity while detectors capture arrays.
type Trajectory interface {
	// Define configures the line trajectory: endpoints, pulse count, and
	// per-pixel time. Called once during scan preparation.
	Define(start, stop float64, pulses int, pixelTime time.Duration) error

	// Arm readies the hardware to execute the trajectory in the given
	// direction. Must be called before each Run.
	Arm(direction TrajectoryDirection) error

	// Run executes the armed trajectory, returning when motion completes
	// or ctx is cancelled. Run blocks and is intended to be launched on its
	// own goroutine.
	Run(ctx context.Context) error

	// Gathered reports how many trigger pulses the controller emitted during
	// the last Run; a short count marks the row as bad.
	Gathered() int
}

// Connector resolves device addresses to live channels. It is the boundary
// between the scan builder and a concrete control system (or a simulator).
type Connector interface {
	Channel(name string) (Channel, error)
	ArrayChannel(name string) (ArrayChannel, error)
	Trajectory(name string) (Trajectory, error)
}
