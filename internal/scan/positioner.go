// Package scan holds the building blocks of an executable scan: positioners,
// triggers, counters, detectors, and the plan that ties them together. The
// engine consumes these; the builder constructs them from a validated scan
// definition.
package scan

import (
	"fmt"
	"sync/atomic"

	"github.com/stepscan-labs/stepscan/internal/util"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
)

// Positioner is one axis moved point by point during a scan. Completion is
// latched by the drive channel's put callback; the engine polls Done with
// its own timeout because the callback is advisory.
type Positioner struct {
	name  string
	drive device.Channel
	read  device.Channel // optional readback, nil means read the drive
	units string

	targets []float64
	done    atomic.Bool
}

// NewPositioner creates a positioner. read may be nil.
func NewPositioner(name string, drive, read device.Channel, units string) *Positioner {
	return &Positioner{name: name, drive: drive, read: read, units: units}
}

func (p *Positioner) Name() string   { return p.name }
func (p *Positioner) PVName() string { return p.drive.Name() }
func (p *Positioner) Units() string  { return p.units }

// SetTargets installs the absolute target positions, one per scan point.
func (p *Positioner) SetTargets(targets []float64) {
	p.targets = util.CloneFloats(targets)
}

// Targets returns a copy of the target positions.
func (p *Positioner) Targets() []float64 {
	return util.CloneFloats(p.targets)
}

// NPoints returns the number of targets.
func (p *Positioner) NPoints() int { return len(p.targets) }

// TargetAt returns the target for a point index.
func (p *Positioner) TargetAt(i int) float64 { return p.targets[i] }

// VerifyWithinLimits checks every target against the drive channel's travel
// limits. Channels without limits pass. The scan must fail up front rather
// than strike a limit mid-run.
func (p *Positioner) VerifyWithinLimits() error {
	low, high, ok := p.drive.Limits()
	if !ok || len(p.targets) == 0 {
		return nil
	}
	min, max := p.targets[0], p.targets[0]
	for _, t := range p.targets[1:] {
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
	}
	if min < low || max > high {
		return scanerrors.NewLimitViolationError(p.name, low, high, min, max)
	}
	return nil
}

// MoveToIndex starts the move to the target for point i. It returns
// immediately; Done reports completion.
func (p *Positioner) MoveToIndex(i int) error {
	if i < 0 || i >= len(p.targets) {
		return fmt.Errorf("positioner %s: point index %d out of range [0,%d)", p.name, i, len(p.targets))
	}
	return p.MoveTo(p.targets[i])
}

// MoveTo starts a move to an arbitrary position, used for restoring the
// original position after a scan.
func (p *Positioner) MoveTo(value float64) error {
	p.done.Store(false)
	return p.drive.Put(value, func() { p.done.Store(true) })
}

// Done reports whether the last started move has completed.
func (p *Positioner) Done() bool { return p.done.Load() }

// Current reads the present position, preferring the readback channel.
func (p *Positioner) Current() (float64, error) {
	if p.read != nil {
		return p.read.Get()
	}
	return p.drive.Get()
}
