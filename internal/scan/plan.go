package scan

import (
	"fmt"
	"time"

	"github.com/stepscan-labs/stepscan/internal/config"
	"github.com/stepscan-labs/stepscan/internal/util"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
)

// ExtraPV is a channel recorded at scan start and at breakpoints rather than
// every point.
type ExtraPV struct {
	Label   string
	Channel device.Channel
}

// SlewPlan holds the continuous-motion settings of a slew scan: the hardware
// trajectory of the fast axis plus row bookkeeping. The outer (stepped) axis,
// when present, lives in the plan's positioner list.
type SlewPlan struct {
	Trajectory device.Trajectory
	InnerName  string
	Start      float64
	Stop       float64
	// Pulses is the pixel count per row.
	Pulses    int
	PixelTime time.Duration
	// Alternate reverses the sweep direction on odd rows.
	Alternate bool
	// MaxRowRetries bounds how many times one row may be redone.
	MaxRowRetries int
}

// RowTime is the nominal duration of one trajectory sweep.
func (s *SlewPlan) RowTime() time.Duration {
	return time.Duration(s.Pulses) * s.PixelTime
}

// Plan is the immutable description of one scan run: positioners with their
// absolute target arrays, the detector and counter sets, timing, and
// metadata. It is built once from a validated definition and never mutated
// during execution.
type Plan struct {
	Name     string
	Kind     string
	Comments string
	Filename string

	Positioners  []*Positioner
	Detectors    []Detector
	BareCounters []*Counter
	ExtraPVs     []ExtraPV

	DetectorMode DetectorMode

	// DwellTime is the per-point counting time in seconds. DwellTimes, when
	// non-nil, overrides it point by point (XAFS region weighting).
	DwellTime  float64
	DwellTimes []float64

	PosSettleTime time.Duration
	DetSettleTime time.Duration

	Breakpoints []int
	TotalPoints int

	MaxPointRetries int
	RetryDelay      time.Duration

	// E0 and the region list are carried for data file headers (XAFS only).
	E0      float64
	Regions []config.RegionDef

	Slew *SlewPlan
}

// BuildPlan constructs an executable plan from a validated scan definition,
// resolving device addresses through the connector. All positioner targets
// in the returned plan are absolute.
func BuildPlan(def *config.ScanDefinition, conn device.Connector) (*Plan, error) {
	plan := &Plan{
		Name:            def.Name,
		Kind:            def.Kind,
		Comments:        def.Comments,
		Filename:        def.Filename,
		DwellTime:       def.GetDwellTime(),
		PosSettleTime:   def.GetPosSettleTime(),
		DetSettleTime:   def.GetDetSettleTime(),
		Breakpoints:     append([]int(nil), def.Breakpoints...),
		MaxPointRetries: def.GetMaxPointRetries(),
		RetryDelay:      def.GetRetryDelay(),
		E0:              def.E0,
		Regions:         append([]config.RegionDef(nil), def.Regions...),
	}

	var err error
	switch def.Kind {
	case config.KindLinear:
		err = buildLinear(plan, def, conn)
	case config.KindMesh:
		err = buildMesh(plan, def, conn)
	case config.KindXAFS:
		err = buildXAFS(plan, def, conn)
	case config.KindSlew:
		err = buildSlew(plan, def, conn)
	default:
		err = scanerrors.NewValidationError(fmt.Sprintf("unknown scan kind '%s'", def.Kind), nil)
	}
	if err != nil {
		return nil, err
	}

	for _, detDef := range def.Detectors {
		det, err := NewDetector(detDef, conn)
		if err != nil {
			return nil, err
		}
		plan.Detectors = append(plan.Detectors, det)
	}
	plan.DetectorMode = planDetectorMode(def.Kind, plan.Detectors)

	for _, cDef := range def.Counters {
		ch, err := conn.Channel(cDef.PVName)
		if err != nil {
			return nil, err
		}
		plan.BareCounters = append(plan.BareCounters, NewCounter(cDef.Label, ch, cDef.Units))
	}

	for _, eDef := range def.ExtraPVs {
		ch, err := conn.Channel(eDef.PVName)
		if err != nil {
			return nil, err
		}
		plan.ExtraPVs = append(plan.ExtraPVs, ExtraPV{Label: eDef.Label, Channel: ch})
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks the cross-entity invariants of a built plan: a positive
// point count, positioner arrays of identical length, and breakpoints inside
// the scan.
func (p *Plan) Validate() error {
	if p.TotalPoints < 1 {
		return scanerrors.NewValidationError("plan has no points", nil)
	}
	if p.Kind != config.KindSlew {
		for _, pos := range p.Positioners {
			if pos.NPoints() != p.TotalPoints {
				return scanerrors.NewValidationError(
					fmt.Sprintf("positioner '%s' has %d targets, plan has %d points",
						pos.Name(), pos.NPoints(), p.TotalPoints), nil)
			}
		}
	}
	if p.DwellTimes != nil && len(p.DwellTimes) != p.TotalPoints {
		return scanerrors.NewValidationError(
			fmt.Sprintf("dwell time array has %d entries, plan has %d points",
				len(p.DwellTimes), p.TotalPoints), nil)
	}
	for _, bp := range p.Breakpoints {
		if bp < 0 || bp >= p.TotalPoints {
			return scanerrors.NewValidationError(
				fmt.Sprintf("breakpoint %d outside scan of %d points", bp, p.TotalPoints), nil)
		}
	}
	if p.Kind == config.KindSlew && p.Slew == nil {
		return scanerrors.NewValidationError("slew plan missing trajectory settings", nil)
	}
	return nil
}

// VerifyLimits checks every positioner's target array against its travel
// limits. A violation is a hard precondition failure: the scan never starts
// moving hardware.
func (p *Plan) VerifyLimits() error {
	for _, pos := range p.Positioners {
		if err := pos.VerifyWithinLimits(); err != nil {
			return err
		}
	}
	return nil
}

// Triggers collects every detector's trigger, in detector order.
func (p *Plan) Triggers() []Triggerable {
	out := make([]Triggerable, 0, len(p.Detectors))
	for _, det := range p.Detectors {
		out = append(out, det.Trigger())
	}
	return out
}

// AllCounters returns the bare counters followed by every detector's
// counters: the column order of the data file.
func (p *Plan) AllCounters() []*Counter {
	out := append([]*Counter(nil), p.BareCounters...)
	for _, det := range p.Detectors {
		out = append(out, det.Counters()...)
	}
	return out
}

// AllArrayCounters returns every detector's array counters, for row mode.
func (p *Plan) AllArrayCounters() []*ArrayCounter {
	var out []*ArrayCounter
	for _, det := range p.Detectors {
		out = append(out, det.ArrayCounters()...)
	}
	return out
}

// DwellAt returns the counting time for one point in seconds.
func (p *Plan) DwellAt(i int) float64 {
	if p.DwellTimes != nil && i >= 0 && i < len(p.DwellTimes) {
		return p.DwellTimes[i]
	}
	return p.DwellTime
}

// MinDwell and MaxDwell bound the per-point counting times; the engine
// derives its trigger wait budget from MaxDwell.
func (p *Plan) MinDwell() float64 {
	if p.DwellTimes == nil {
		return p.DwellTime
	}
	min := p.DwellTimes[0]
	for _, d := range p.DwellTimes[1:] {
		if d < min {
			min = d
		}
	}
	return min
}

func (p *Plan) MaxDwell() float64 {
	if p.DwellTimes == nil {
		return p.DwellTime
	}
	max := p.DwellTimes[0]
	for _, d := range p.DwellTimes[1:] {
		if d > max {
			max = d
		}
	}
	return max
}

// EstimatedDuration is the nominal scan time: settle overheads plus the sum
// of per-point dwell times (or rows times row time in slew mode).
func (p *Plan) EstimatedDuration() time.Duration {
	if p.Slew != nil {
		perRow := p.Slew.RowTime() + p.PosSettleTime
		return time.Duration(p.TotalPoints) * perRow
	}
	overhead := time.Duration(p.TotalPoints) * (p.PosSettleTime + p.DetSettleTime)
	var dwell float64
	if p.DwellTimes != nil {
		for _, d := range p.DwellTimes {
			dwell += d
		}
	} else {
		dwell = p.DwellTime * float64(p.TotalPoints)
	}
	return overhead + time.Duration(dwell*float64(time.Second))
}

func buildLinear(plan *Plan, def *config.ScanDefinition, conn device.Connector) error {
	total := 0
	for i := range def.Positioners {
		pos, targets, err := buildPositioner(&def.Positioners[i], conn)
		if err != nil {
			return err
		}
		if total == 0 {
			total = len(targets)
		} else if len(targets) != total {
			return scanerrors.NewValidationError(
				fmt.Sprintf("positioner '%s' has %d points, expected %d",
					pos.Name(), len(targets), total), nil)
		}
		pos.SetTargets(targets)
		plan.Positioners = append(plan.Positioners, pos)
	}
	plan.TotalPoints = total
	return nil
}

// buildMesh expands the positioner sweeps into a full grid. The first
// positioner is the fast (inner) axis: it cycles through its sweep once per
// step of the next axis, and so on outward.
func buildMesh(plan *Plan, def *config.ScanDefinition, conn device.Connector) error {
	type axis struct {
		pos   *Positioner
		sweep []float64
	}
	axes := make([]axis, 0, len(def.Positioners))
	total := 1
	for i := range def.Positioners {
		pos, sweep, err := buildPositioner(&def.Positioners[i], conn)
		if err != nil {
			return err
		}
		axes = append(axes, axis{pos: pos, sweep: sweep})
		total *= len(sweep)
	}

	repeat := 1
	for _, ax := range axes {
		n := len(ax.sweep)
		targets := make([]float64, 0, total)
		for len(targets) < total {
			for _, v := range ax.sweep {
				for r := 0; r < repeat; r++ {
					targets = append(targets, v)
				}
			}
		}
		ax.pos.SetTargets(targets)
		plan.Positioners = append(plan.Positioners, ax.pos)
		repeat *= n
	}
	plan.TotalPoints = total
	return nil
}

func buildXAFS(plan *Plan, def *config.ScanDefinition, conn device.Connector) error {
	axis, err := BuildXAFSAxis(def)
	if err != nil {
		return err
	}

	// The energy axis comes from the regions, not from start/stop/npoints,
	// so only the positioner's channels are resolved here.
	pDef := &def.Positioners[0]
	pos, err := resolvePositioner(pDef, conn)
	if err != nil {
		return err
	}
	pos.SetTargets(axis.Energies)
	plan.Positioners = append(plan.Positioners, pos)
	plan.TotalPoints = len(axis.Energies)
	plan.DwellTimes = axis.DwellTimes

	// The energy readback is recorded as an ordinary counter so the actual
	// monochromator position lands in the data alongside the targets.
	if pDef.ReadPV != "" {
		ch, err := conn.Channel(pDef.ReadPV)
		if err != nil {
			return err
		}
		plan.BareCounters = append(plan.BareCounters, NewCounter("Energy_readback", ch, "eV"))
	}
	return nil
}

func buildSlew(plan *Plan, def *config.ScanDefinition, conn device.Connector) error {
	slew := def.Slew
	inner := &slew.Inner

	pulses := inner.NPoints
	start, stop := inner.Start, inner.Stop
	if len(inner.Array) > 0 {
		pulses = len(inner.Array)
		start, stop = inner.Array[0], inner.Array[pulses-1]
	}

	traj, err := conn.Trajectory(inner.PVName)
	if err != nil {
		return err
	}
	pixelTime := time.Duration(slew.PixelTime * float64(time.Second))
	if err := traj.Define(start, stop, pulses, pixelTime); err != nil {
		return scanerrors.NewPrepareError("trajectory", err)
	}

	plan.Slew = &SlewPlan{
		Trajectory:    traj,
		InnerName:     inner.Name,
		Start:         start,
		Stop:          stop,
		Pulses:        pulses,
		PixelTime:     pixelTime,
		Alternate:     slew.Alternate,
		MaxRowRetries: slew.GetMaxRowRetries(),
	}

	// One row per outer position; a 1-D slew scan is a single row.
	if slew.Outer != nil {
		pos, targets, err := buildPositioner(slew.Outer, conn)
		if err != nil {
			return err
		}
		pos.SetTargets(targets)
		plan.Positioners = append(plan.Positioners, pos)
		plan.TotalPoints = len(targets)
	} else {
		plan.TotalPoints = 1
	}
	return nil
}

// resolvePositioner resolves a positioner's drive and readback channels.
func resolvePositioner(def *config.PositionerDef, conn device.Connector) (*Positioner, error) {
	drive, err := conn.Channel(def.PVName)
	if err != nil {
		return nil, err
	}
	var read device.Channel
	if def.ReadPV != "" {
		if read, err = conn.Channel(def.ReadPV); err != nil {
			return nil, err
		}
	}
	return NewPositioner(def.Name, drive, read, def.Units), nil
}

// buildPositioner resolves a positioner's channels and computes its sweep
// from either an explicit array or start/stop/npoints.
func buildPositioner(def *config.PositionerDef, conn device.Connector) (*Positioner, []float64, error) {
	pos, err := resolvePositioner(def, conn)
	if err != nil {
		return nil, nil, err
	}

	if len(def.Array) > 0 {
		return pos, util.CloneFloats(def.Array), nil
	}
	if def.NPoints < 1 {
		return nil, nil, scanerrors.NewValidationError(
			fmt.Sprintf("positioner '%s' has no target array and no point count", def.Name), nil)
	}
	return pos, linspace(def.Start, def.Stop, def.NPoints), nil
}

// planDetectorMode picks the acquisition mode shared by every detector in
// the plan: array capture for slew scans, region-of-interest counting when
// any analyzer or image detector participates in a step scan, plain scaler
// counting otherwise.
func planDetectorMode(kind string, detectors []Detector) DetectorMode {
	if kind == config.KindSlew {
		return NDArrayMode
	}
	for _, det := range detectors {
		switch det.Kind() {
		case config.DetectorMCA, config.DetectorArea:
			return ROIMode
		}
	}
	return ScalerMode
}
