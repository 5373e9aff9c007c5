package scan

import (
	"fmt"
	"time"

	"github.com/stepscan-labs/stepscan/internal/config"
	"github.com/stepscan-labs/stepscan/internal/paramutil"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/device"
)

// DetectorMode selects how a detector acquires during a scan. All detectors
// in one plan run in the same mode.
type DetectorMode int

const (
	// ScalerMode counts one frame per point into scalar registers.
	ScalerMode DetectorMode = iota + 1
	// ROIMode counts per point into region-of-interest sums.
	ROIMode
	// NDArrayMode captures a full array per trajectory row (slew scans).
	NDArrayMode
)

func (m DetectorMode) String() string {
	switch m {
	case ScalerMode:
		return "scaler"
	case ROIMode:
		return "roi"
	case NDArrayMode:
		return "ndarray"
	}
	return "unknown"
}

// Detector is the capability contract the engine depends on. Concrete kinds
// differ in which channels they touch and what "done" means, but the
// acquisition loop only sees this interface: a trigger to poll, counters to
// read, and lifecycle hooks around the run.
type Detector interface {
	Label() string
	Kind() string

	// Trigger returns the start/done protocol for one acquisition cycle.
	Trigger() Triggerable
	// Counters returns the scalar readouts recorded each point.
	Counters() []*Counter
	// ArrayCounters returns the waveform readouts recorded each row in
	// NDArrayMode. Empty for detectors without array capture.
	ArrayCounters() []*ArrayCounter

	// SetDwellTime writes the per-point counting time to the hardware.
	SetDwellTime(seconds float64) error

	// Arm readies the detector for numFrames acquisitions in the given
	// mode. Arm returns immediately; ArmComplete reports readiness.
	Arm(mode DetectorMode, numFrames int) error
	ArmComplete() bool
	Start() error
	Stop() error

	// PreScan configures the detector for the whole run; PostScan restores
	// idle/safe hardware state. PostScan runs on every exit path.
	PreScan(mode DetectorMode, dwellSeconds float64) error
	PostScan() error
	// AtBreakpoint runs at designated point indices, e.g. to flush a file
	// writer mid-scan.
	AtBreakpoint(point int) error

	// ArmDelay and StartDelay are mandatory waits after Arm and Start
	// before the hardware is trustworthy.
	ArmDelay() time.Duration
	StartDelay() time.Duration

	// FileWriteComplete and NumCaptured report row health in NDArrayMode.
	// A short capture count or an unfinished file write marks the row bad.
	FileWriteComplete() bool
	NumCaptured() int
}

// DetectorFactory builds a detector from its definition, resolving channels
// through the connector.
type DetectorFactory func(def config.DetectorDef, conn device.Connector) (Detector, error)

var detectorFactories = map[string]DetectorFactory{
	config.DetectorScaler: newScalerDetector,
	config.DetectorMCA:    newMCADetector,
	config.DetectorArea:   newAreaDetector,
	config.DetectorSimple: newSimpleDetector,
}

// NewDetector builds a detector of the kind named in the definition.
func NewDetector(def config.DetectorDef, conn device.Connector) (Detector, error) {
	factory, ok := detectorFactories[def.Kind]
	if !ok {
		return nil, scanerrors.NewDetectorNotFoundError(def.Kind)
	}
	return factory(def, conn)
}

// baseDetector carries the state every detector kind shares.
type baseDetector struct {
	label      string
	kind       string
	prefix     string
	trigger    Triggerable
	counters   []*Counter
	arrays     []*ArrayCounter
	dwell      device.Channel
	mode       DetectorMode
	armDelay   time.Duration
	startDelay time.Duration
}

func (d *baseDetector) Label() string                 { return d.label }
func (d *baseDetector) Kind() string                  { return d.kind }
func (d *baseDetector) Trigger() Triggerable          { return d.trigger }
func (d *baseDetector) Counters() []*Counter          { return d.counters }
func (d *baseDetector) ArrayCounters() []*ArrayCounter { return d.arrays }
func (d *baseDetector) ArmDelay() time.Duration       { return d.armDelay }
func (d *baseDetector) StartDelay() time.Duration     { return d.startDelay }
func (d *baseDetector) ArmComplete() bool             { return true }
func (d *baseDetector) FileWriteComplete() bool       { return true }
func (d *baseDetector) NumCaptured() int              { return 0 }
func (d *baseDetector) AtBreakpoint(point int) error  { return nil }

func (d *baseDetector) SetDwellTime(seconds float64) error {
	if d.dwell == nil {
		return nil
	}
	return d.dwell.Put(seconds, nil)
}

func (d *baseDetector) Start() error {
	return d.trigger.Start()
}

func (d *baseDetector) Stop() error {
	return d.trigger.Abort()
}

// delaysFromOptions reads the optional arm_delay / start_delay settings,
// given in seconds like the rest of the definition's timing fields.
func (d *baseDetector) delaysFromOptions(options map[string]interface{}) error {
	armDelay, exists, err := paramutil.GetOptionalFloat(options, "arm_delay")
	if err != nil {
		return err
	}
	if exists {
		d.armDelay = time.Duration(armDelay * float64(time.Second))
	}
	startDelay, exists, err := paramutil.GetOptionalFloat(options, "start_delay")
	if err != nil {
		return err
	}
	if exists {
		d.startDelay = time.Duration(startDelay * float64(time.Second))
	}
	return nil
}

// scalerDetector is a multi-channel counting scaler. Step scans count one
// frame per point; slew scans read its multichannel buffers per row.
type scalerDetector struct {
	baseDetector
	// countMode switches between one-shot (0) and auto-count (1). The scan
	// needs one-shot; idle beamlines run auto-count for live displays.
	countMode device.Channel
}

func newScalerDetector(def config.DetectorDef, conn device.Connector) (Detector, error) {
	nchan := def.NChan
	if nchan <= 0 {
		nchan = 8
	}
	label := def.Label
	if label == "" {
		label = "scaler"
	}

	trigCh, err := conn.Channel(def.Prefix + ".CNT")
	if err != nil {
		return nil, err
	}
	dwellCh, err := conn.Channel(def.Prefix + ".TP")
	if err != nil {
		return nil, err
	}
	modeCh, err := conn.Channel(def.Prefix + ".CONT")
	if err != nil {
		return nil, err
	}

	d := &scalerDetector{
		baseDetector: baseDetector{
			label:   label,
			kind:    config.DetectorScaler,
			prefix:  def.Prefix,
			trigger: NewTrigger(label, trigCh),
			dwell:   dwellCh,
		},
		countMode: modeCh,
	}
	if err := d.delaysFromOptions(def.Options); err != nil {
		return nil, err
	}

	timeCh, err := conn.Channel(def.Prefix + ".T")
	if err != nil {
		return nil, err
	}
	d.counters = append(d.counters, NewCounter(label+"_CountTime", timeCh, "sec"))
	for i := 1; i <= nchan; i++ {
		ch, err := conn.Channel(fmt.Sprintf("%s.S%d", def.Prefix, i))
		if err != nil {
			return nil, err
		}
		d.counters = append(d.counters, NewCounter(fmt.Sprintf("%s_S%d", label, i), ch, "counts"))

		arr, err := conn.ArrayChannel(fmt.Sprintf("%s:mca%d", def.Prefix, i))
		if err != nil {
			return nil, err
		}
		d.arrays = append(d.arrays, NewArrayCounter(fmt.Sprintf("%s_S%d", label, i), arr, "counts"))
	}
	return d, nil
}

func (d *scalerDetector) PreScan(mode DetectorMode, dwellSeconds float64) error {
	d.mode = mode
	if err := d.countMode.Put(0, nil); err != nil {
		return err
	}
	return d.SetDwellTime(dwellSeconds)
}

// PostScan returns the scaler to auto-count so beamline displays keep
// updating between scans.
func (d *scalerDetector) PostScan() error {
	_ = d.trigger.Abort()
	return d.countMode.Put(1, nil)
}

func (d *scalerDetector) Arm(mode DetectorMode, numFrames int) error {
	d.mode = mode
	return d.countMode.Put(0, nil)
}

// mcaDetector is a multi-element analyzer (fluorescence detector). In ROI
// mode each element contributes a region-of-interest sum per point; in array
// mode full spectra are captured to its file writer per row.
type mcaDetector struct {
	baseDetector
	numFrames device.Channel
	capture   device.Channel
	// fileDone reads 1 once the file writer has flushed the last frame.
	fileDone device.Channel
	captured device.Channel
	armed    device.Channel
}

func newMCADetector(def config.DetectorDef, conn device.Connector) (Detector, error) {
	nchan := def.NChan
	if nchan <= 0 {
		nchan = 4
	}
	label := def.Label
	if label == "" {
		label = "mca"
	}

	trigCh, err := conn.Channel(def.Prefix + ":Acquire")
	if err != nil {
		return nil, err
	}
	dwellCh, err := conn.Channel(def.Prefix + ":AcquireTime")
	if err != nil {
		return nil, err
	}

	d := &mcaDetector{
		baseDetector: baseDetector{
			label:      label,
			kind:       config.DetectorMCA,
			prefix:     def.Prefix,
			trigger:    NewTrigger(label, trigCh),
			dwell:      dwellCh,
			armDelay:   25 * time.Millisecond,
			startDelay: 25 * time.Millisecond,
		},
	}
	if err := d.delaysFromOptions(def.Options); err != nil {
		return nil, err
	}

	if d.numFrames, err = conn.Channel(def.Prefix + ":NumImages"); err != nil {
		return nil, err
	}
	if d.capture, err = conn.Channel(def.Prefix + ":HDF1:Capture"); err != nil {
		return nil, err
	}
	if d.fileDone, err = conn.Channel(def.Prefix + ":HDF1:WriteDone"); err != nil {
		return nil, err
	}
	if d.captured, err = conn.Channel(def.Prefix + ":HDF1:NumCaptured_RBV"); err != nil {
		return nil, err
	}
	if d.armed, err = conn.Channel(def.Prefix + ":Armed_RBV"); err != nil {
		return nil, err
	}

	for i := 1; i <= nchan; i++ {
		roi, err := conn.Channel(fmt.Sprintf("%s:mca%d:roi1", def.Prefix, i))
		if err != nil {
			return nil, err
		}
		d.counters = append(d.counters, NewCounter(fmt.Sprintf("%s_roi%d", label, i), roi, "counts"))

		arr, err := conn.ArrayChannel(fmt.Sprintf("%s:mca%d", def.Prefix, i))
		if err != nil {
			return nil, err
		}
		d.arrays = append(d.arrays, NewArrayCounter(fmt.Sprintf("%s_mca%d", label, i), arr, "counts"))
	}
	return d, nil
}

func (d *mcaDetector) PreScan(mode DetectorMode, dwellSeconds float64) error {
	d.mode = mode
	if err := d.SetDwellTime(dwellSeconds); err != nil {
		return err
	}
	if mode == NDArrayMode {
		return d.capture.Put(1, nil)
	}
	return d.numFrames.Put(1, nil)
}

func (d *mcaDetector) PostScan() error {
	_ = d.trigger.Abort()
	return d.capture.Put(0, nil)
}

func (d *mcaDetector) Arm(mode DetectorMode, numFrames int) error {
	d.mode = mode
	if err := d.numFrames.Put(float64(numFrames), nil); err != nil {
		return err
	}
	if mode == NDArrayMode {
		return d.capture.Put(1, nil)
	}
	return nil
}

func (d *mcaDetector) ArmComplete() bool {
	v, err := d.armed.Get()
	return err == nil && v > 0.5
}

func (d *mcaDetector) Stop() error {
	_ = d.trigger.Abort()
	return d.capture.Put(0, nil)
}

func (d *mcaDetector) FileWriteComplete() bool {
	v, err := d.fileDone.Get()
	return err == nil && v > 0.5
}

func (d *mcaDetector) NumCaptured() int {
	v, err := d.captured.Get()
	if err != nil {
		return 0
	}
	return int(v)
}

// AtBreakpoint nudges the file writer so buffered frames reach disk while
// the scan is paused at the breakpoint.
func (d *mcaDetector) AtBreakpoint(point int) error {
	if d.mode != NDArrayMode {
		return nil
	}
	return d.capture.Put(1, nil)
}

// areaDetector is a pixelated image detector. Step scans record its summed
// statistics; slew rows stream frames to its file writer. An optional
// auxiliary pulse channel is composed into the trigger so the engine polls
// one done flag even when two hardware signals must both fire.
type areaDetector struct {
	baseDetector
	numImages device.Channel
	capture   device.Channel
	fileDone  device.Channel
	captured  device.Channel
	armed     device.Channel
}

func newAreaDetector(def config.DetectorDef, conn device.Connector) (Detector, error) {
	label := def.Label
	if label == "" {
		label = "areadetector"
	}

	trigCh, err := conn.Channel(def.Prefix + ":cam1:Acquire")
	if err != nil {
		return nil, err
	}
	var trig Triggerable = NewTrigger(label, trigCh)

	// An auxiliary pulse generator (e.g. gating the exposure) becomes part
	// of the same trigger, so Done means both signals completed.
	pulsePV, hasPulse, err := paramutil.GetOptionalString(def.Options, "pulse_pv")
	if err != nil {
		return nil, err
	}
	if hasPulse {
		pulseCh, err := conn.Channel(pulsePV)
		if err != nil {
			return nil, err
		}
		trig = NewMultiTrigger(label, trig, NewTrigger(label+"_pulse", pulseCh))
	}

	dwellCh, err := conn.Channel(def.Prefix + ":cam1:AcquireTime")
	if err != nil {
		return nil, err
	}

	d := &areaDetector{
		baseDetector: baseDetector{
			label:      label,
			kind:       config.DetectorArea,
			prefix:     def.Prefix,
			trigger:    trig,
			dwell:      dwellCh,
			armDelay:   50 * time.Millisecond,
			startDelay: 100 * time.Millisecond,
		},
	}
	if err := d.delaysFromOptions(def.Options); err != nil {
		return nil, err
	}

	if d.numImages, err = conn.Channel(def.Prefix + ":cam1:NumImages"); err != nil {
		return nil, err
	}
	if d.capture, err = conn.Channel(def.Prefix + ":HDF1:Capture"); err != nil {
		return nil, err
	}
	if d.fileDone, err = conn.Channel(def.Prefix + ":HDF1:WriteDone"); err != nil {
		return nil, err
	}
	if d.captured, err = conn.Channel(def.Prefix + ":HDF1:NumCaptured_RBV"); err != nil {
		return nil, err
	}
	if d.armed, err = conn.Channel(def.Prefix + ":cam1:Armed_RBV"); err != nil {
		return nil, err
	}

	total, err := conn.Channel(def.Prefix + ":Stats1:Total_RBV")
	if err != nil {
		return nil, err
	}
	d.counters = append(d.counters, NewCounter(label+"_total", total, "counts"))
	return d, nil
}

func (d *areaDetector) PreScan(mode DetectorMode, dwellSeconds float64) error {
	d.mode = mode
	if err := d.SetDwellTime(dwellSeconds); err != nil {
		return err
	}
	return d.numImages.Put(1, nil)
}

func (d *areaDetector) PostScan() error {
	_ = d.trigger.Abort()
	return d.capture.Put(0, nil)
}

func (d *areaDetector) Arm(mode DetectorMode, numFrames int) error {
	d.mode = mode
	if err := d.numImages.Put(float64(numFrames), nil); err != nil {
		return err
	}
	if mode == NDArrayMode {
		return d.capture.Put(1, nil)
	}
	return nil
}

func (d *areaDetector) ArmComplete() bool {
	v, err := d.armed.Get()
	return err == nil && v > 0.5
}

func (d *areaDetector) Stop() error {
	_ = d.trigger.Abort()
	return d.capture.Put(0, nil)
}

func (d *areaDetector) FileWriteComplete() bool {
	v, err := d.fileDone.Get()
	return err == nil && v > 0.5
}

func (d *areaDetector) NumCaptured() int {
	v, err := d.captured.Get()
	if err != nil {
		return 0
	}
	return int(v)
}

// simpleDetector wraps one trigger channel and an explicit list of counter
// channels, for hardware with no dedicated adapter.
type simpleDetector struct {
	baseDetector
}

func newSimpleDetector(def config.DetectorDef, conn device.Connector) (Detector, error) {
	label := def.Label
	if label == "" {
		label = "simple"
	}

	triggerPV, hasTrigger, err := paramutil.GetOptionalString(def.Options, "trigger_pv")
	if err != nil {
		return nil, err
	}
	if !hasTrigger {
		triggerPV = def.Prefix
	}
	trigCh, err := conn.Channel(triggerPV)
	if err != nil {
		return nil, err
	}

	d := &simpleDetector{
		baseDetector: baseDetector{
			label:   label,
			kind:    config.DetectorSimple,
			prefix:  def.Prefix,
			trigger: NewTrigger(label, trigCh),
		},
	}
	if err := d.delaysFromOptions(def.Options); err != nil {
		return nil, err
	}

	counterPVs, _, err := paramutil.GetOptionalStringSlice(def.Options, "counter_pvs")
	if err != nil {
		return nil, err
	}
	for i, pvname := range counterPVs {
		ch, err := conn.Channel(pvname)
		if err != nil {
			return nil, err
		}
		d.counters = append(d.counters, NewCounter(fmt.Sprintf("%s_%d", label, i+1), ch, "counts"))
	}
	return d, nil
}

func (d *simpleDetector) PreScan(mode DetectorMode, dwellSeconds float64) error {
	d.mode = mode
	return d.SetDwellTime(dwellSeconds)
}

func (d *simpleDetector) PostScan() error {
	return d.trigger.Abort()
}

func (d *simpleDetector) Arm(mode DetectorMode, numFrames int) error {
	d.mode = mode
	return nil
}
