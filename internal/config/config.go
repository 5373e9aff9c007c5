package config

import (
	"time"
)

// Scan kinds accepted in a scan definition.
const (
	KindLinear = "linear"
	KindMesh   = "mesh"
	KindSlew   = "slew"
	KindXAFS   = "xafs"
)

// Detector kinds with built-in factories.
const (
	DetectorScaler = "scaler"
	DetectorMCA    = "mca"
	DetectorArea   = "areadetector"
	DetectorSimple = "simple"
)

// ScanDefinition is the top-level structure of a scan definition YAML
// document. One definition describes a complete scan: what to move, what to
// count, how long to dwell, and where the data goes.
type ScanDefinition struct {
	Name          string `yaml:"name"`
	SchemaVersion string `yaml:"schemaVersion"`
	Kind          string `yaml:"kind"`
	Comments      string `yaml:"comments,omitempty"`
	Filename      string `yaml:"filename,omitempty"`

	Positioners []PositionerDef `yaml:"positioners,omitempty"`
	Detectors   []DetectorDef   `yaml:"detectors,omitempty"`
	Counters    []CounterDef    `yaml:"counters,omitempty"`
	ExtraPVs    []ExtraPVDef    `yaml:"extra_pvs,omitempty"`

	// DwellTime is the per-point counting time in seconds. XAFS scans
	// override it per region.
	DwellTime float64 `yaml:"dwelltime,omitempty"`

	// Settle times in seconds, applied after positioner moves and after
	// trigger completion respectively.
	PosSettleTime float64 `yaml:"pos_settle_time,omitempty"`
	DetSettleTime float64 `yaml:"det_settle_time,omitempty"`

	// Breakpoints are point indices (step mode) after which the engine
	// pauses to flush data and capture extra PVs.
	Breakpoints []int `yaml:"breakpoints,omitempty"`

	// XAFS-specific fields.
	E0      float64     `yaml:"e0,omitempty"`
	Regions []RegionDef `yaml:"regions,omitempty"`
	IsRelative bool     `yaml:"is_relative,omitempty"`
	MaxDwell   float64  `yaml:"max_dwelltime,omitempty"`
	MinEStep   float64  `yaml:"min_estep,omitempty"`

	// Slew-specific fields.
	Slew *SlewDef `yaml:"slew,omitempty"`

	// Retry is the optional retry behavior for failed points.
	Retry *RetryDef `yaml:"retry,omitempty"`

	// FilePath records where the definition was loaded from, for logs and
	// error messages. Not parsed from YAML.
	FilePath string `yaml:"-"`
}

// PositionerDef describes one axis moved during the scan.
type PositionerDef struct {
	Name   string `yaml:"name"`
	PVName string `yaml:"pvname"`
	// ReadPV, when set, names a separate readback channel recorded in place
	// of the drive value.
	ReadPV string  `yaml:"read_pv,omitempty"`
	Units  string  `yaml:"units,omitempty"`
	Start  float64 `yaml:"start,omitempty"`
	Stop   float64 `yaml:"stop,omitempty"`
	NPoints int    `yaml:"npoints,omitempty"`
	// Array gives explicit targets, overriding start/stop/npoints.
	Array []float64 `yaml:"array,omitempty"`
}

// DetectorDef describes one detector participating in the scan.
type DetectorDef struct {
	Label   string                 `yaml:"label"`
	Kind    string                 `yaml:"kind"`
	Prefix  string                 `yaml:"prefix"`
	NChan   int                    `yaml:"nchan,omitempty"`
	UseFull bool                   `yaml:"use_full,omitempty"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// CounterDef describes a bare counter channel read at each point, outside of
// any detector's counter set.
type CounterDef struct {
	Label  string `yaml:"label"`
	PVName string `yaml:"pvname"`
	Units  string `yaml:"units,omitempty"`
}

// ExtraPVDef names a channel recorded once at scan start and at breakpoints,
// not at every point.
type ExtraPVDef struct {
	Label  string `yaml:"label"`
	PVName string `yaml:"pvname"`
}

// RegionDef describes one segment of an XAFS scan. Units are "eV" or "k";
// k-space regions get their dwell ramped from dtime toward dtime_final.
type RegionDef struct {
	Start      float64  `yaml:"start"`
	Stop       float64  `yaml:"stop"`
	NPoints    int      `yaml:"npoints,omitempty"`
	Step       float64  `yaml:"step,omitempty"`
	Units      string   `yaml:"units,omitempty"`
	DTime      float64  `yaml:"dtime,omitempty"`
	DTimeFinal *float64 `yaml:"dtime_final,omitempty"`
	DTimeWt    *float64 `yaml:"dtime_wt,omitempty"`
}

// SlewDef describes the continuous inner trajectory of a slew scan and the
// optional stepped outer axis.
type SlewDef struct {
	// Inner is the trajectory axis.
	Inner PositionerDef `yaml:"inner"`
	// Outer, when present, makes the scan a 2-D map: one trajectory row per
	// outer position.
	Outer *PositionerDef `yaml:"outer,omitempty"`
	// PixelTime is the per-pulse dwell along the trajectory, seconds.
	PixelTime float64 `yaml:"pixel_time"`
	// Alternate reverses trajectory direction on odd rows.
	Alternate bool `yaml:"alternate,omitempty"`
	// MaxRowRetries bounds how many times one row may be redone before the
	// scan aborts.
	MaxRowRetries int `yaml:"max_row_retries,omitempty"`
}

// RetryDef configures point-level retry behavior for step scans.
type RetryDef struct {
	MaxPointRetries *int   `yaml:"max_point_retries,omitempty"`
	Delay           string `yaml:"delay,omitempty"`
}

// GetDwellTime returns the configured dwell time or the default (1 second).
func (d *ScanDefinition) GetDwellTime() float64 {
	if d.DwellTime > 0 {
		return d.DwellTime
	}
	return 1.0
}

// GetPosSettleTime returns the positioner settle time as a duration.
func (d *ScanDefinition) GetPosSettleTime() time.Duration {
	return secondsToDuration(d.PosSettleTime)
}

// GetDetSettleTime returns the detector settle time as a duration.
func (d *ScanDefinition) GetDetSettleTime() time.Duration {
	return secondsToDuration(d.DetSettleTime)
}

// GetMaxPointRetries returns the configured extra attempts per point, or the
// default (1).
func (d *ScanDefinition) GetMaxPointRetries() int {
	if d.Retry != nil && d.Retry.MaxPointRetries != nil && *d.Retry.MaxPointRetries >= 0 {
		return *d.Retry.MaxPointRetries
	}
	return 1
}

// GetRetryDelay returns the configured delay before a point retry, or the
// default (250 ms).
func (d *ScanDefinition) GetRetryDelay() time.Duration {
	if d.Retry != nil && d.Retry.Delay != "" {
		duration, err := time.ParseDuration(d.Retry.Delay)
		if err == nil && duration >= 0 {
			return duration
		}
	}
	return 250 * time.Millisecond
}

// GetMaxRowRetries returns the configured row redo bound for slew scans, or
// the default (3).
func (s *SlewDef) GetMaxRowRetries() int {
	if s.MaxRowRetries > 0 {
		return s.MaxRowRetries
	}
	return 3
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
