package scan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepscan-labs/stepscan/internal/config"
	"github.com/stepscan-labs/stepscan/internal/device"
	"github.com/stepscan-labs/stepscan/internal/scan"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
)

func simpleDetectorDef(label string) config.DetectorDef {
	return config.DetectorDef{
		Label:  label,
		Kind:   config.DetectorSimple,
		Prefix: "SIM:det",
		Options: map[string]interface{}{
			"trigger_pv":  "SIM:det:start",
			"counter_pvs": []interface{}{"SIM:det:i0", "SIM:det:i1"},
		},
	}
}

func TestBuildPlanLinear(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name:      "line1",
		Kind:      config.KindLinear,
		DwellTime: 0.5,
		Positioners: []config.PositionerDef{
			{Name: "x", PVName: "SIM:m1", Start: 0, Stop: 10, NPoints: 11},
		},
		Detectors: []config.DetectorDef{simpleDetectorDef("det")},
	}

	plan, err := scan.BuildPlan(def, conn)
	require.NoError(t, err)

	assert.Equal(t, 11, plan.TotalPoints)
	require.Len(t, plan.Positioners, 1)
	targets := plan.Positioners[0].Targets()
	require.Len(t, targets, 11)
	assert.Equal(t, 0.0, targets[0])
	assert.Equal(t, 10.0, targets[10])
	assert.Equal(t, 5.0, targets[5])

	require.Len(t, plan.Detectors, 1)
	assert.Equal(t, scan.ScalerMode, plan.DetectorMode)
	assert.Len(t, plan.AllCounters(), 2)
	assert.Equal(t, 0.5, plan.DwellAt(3))
}

func TestBuildPlanLinearLengthMismatch(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name: "bad",
		Kind: config.KindLinear,
		Positioners: []config.PositionerDef{
			{Name: "x", PVName: "SIM:m1", Start: 0, Stop: 10, NPoints: 11},
			{Name: "y", PVName: "SIM:m2", Start: 0, Stop: 1, NPoints: 5},
		},
	}

	_, err := scan.BuildPlan(def, conn)
	require.Error(t, err)
	var valErr *scanerrors.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestBuildPlanMeshGrid(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name: "grid",
		Kind: config.KindMesh,
		Positioners: []config.PositionerDef{
			{Name: "x", PVName: "SIM:m1", Start: 0, Stop: 2, NPoints: 3},
			{Name: "y", PVName: "SIM:m2", Start: 10, Stop: 11, NPoints: 2},
		},
	}

	plan, err := scan.BuildPlan(def, conn)
	require.NoError(t, err)
	assert.Equal(t, 6, plan.TotalPoints)

	// The first positioner is the fast axis: it sweeps fully for each step
	// of the outer axis.
	assert.Equal(t, []float64{0, 1, 2, 0, 1, 2}, plan.Positioners[0].Targets())
	assert.Equal(t, []float64{10, 10, 10, 11, 11, 11}, plan.Positioners[1].Targets())
}

func TestBuildPlanXAFS(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name:       "xafs_fe",
		Kind:       config.KindXAFS,
		E0:         7112.0,
		IsRelative: true,
		DwellTime:  1.0,
		Positioners: []config.PositionerDef{
			{Name: "energy", PVName: "SIM:mono:en", ReadPV: "SIM:mono:en_rbv", Units: "eV"},
		},
		Regions: []config.RegionDef{
			{Start: -20, Stop: 10, NPoints: 31},
		},
	}

	plan, err := scan.BuildPlan(def, conn)
	require.NoError(t, err)
	assert.Equal(t, 31, plan.TotalPoints)
	require.NotNil(t, plan.DwellTimes)
	assert.Len(t, plan.DwellTimes, 31)

	// The monochromator readback is recorded alongside the targets.
	counters := plan.AllCounters()
	require.Len(t, counters, 1)
	assert.Equal(t, "Energy_readback", counters[0].Label())
}

func TestBuildPlanSlew(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name: "map1",
		Kind: config.KindSlew,
		Slew: &config.SlewDef{
			Inner:     config.PositionerDef{Name: "fastx", PVName: "SIM:traj:x", Start: 0, Stop: 5, NPoints: 101},
			Outer:     &config.PositionerDef{Name: "y", PVName: "SIM:m2", Start: 0, Stop: 1, NPoints: 11},
			PixelTime: 0.01,
			Alternate: true,
		},
		Detectors: []config.DetectorDef{simpleDetectorDef("det")},
	}

	plan, err := scan.BuildPlan(def, conn)
	require.NoError(t, err)

	require.NotNil(t, plan.Slew)
	assert.Equal(t, 11, plan.TotalPoints, "one row per outer position")
	assert.Equal(t, 101, plan.Slew.Pulses)
	assert.True(t, plan.Slew.Alternate)
	assert.Equal(t, 3, plan.Slew.MaxRowRetries, "default row redo bound")
	assert.Equal(t, time.Duration(101)*10*time.Millisecond, plan.Slew.RowTime())
	assert.Equal(t, scan.NDArrayMode, plan.DetectorMode)
}

func TestBuildPlanSlewSingleRow(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name: "line_fast",
		Kind: config.KindSlew,
		Slew: &config.SlewDef{
			Inner:     config.PositionerDef{Name: "fastx", PVName: "SIM:traj:x", Start: 0, Stop: 5, NPoints: 51},
			PixelTime: 0.01,
		},
	}

	plan, err := scan.BuildPlan(def, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.TotalPoints, "a 1-D slew scan is a single row")
	assert.Empty(t, plan.Positioners)
}

func TestVerifyLimits(t *testing.T) {
	conn := device.NewSimConnector()
	conn.AddChannel(device.NewSimChannelWithLimits("SIM:m1", 0, -5, 5))

	def := &config.ScanDefinition{
		Name: "overtravel",
		Kind: config.KindLinear,
		Positioners: []config.PositionerDef{
			{Name: "x", PVName: "SIM:m1", Start: 0, Stop: 10, NPoints: 11},
		},
	}

	plan, err := scan.BuildPlan(def, conn)
	require.NoError(t, err, "limits are checked at run time, not build time")

	err = plan.VerifyLimits()
	require.Error(t, err)
	var limErr *scanerrors.LimitViolationError
	require.ErrorAs(t, err, &limErr)
	assert.Equal(t, "x", limErr.Positioner)
	assert.Equal(t, 10.0, limErr.Max)
}

func TestPlanValidateBreakpoints(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name:        "bp",
		Kind:        config.KindLinear,
		Breakpoints: []int{5, 20},
		Positioners: []config.PositionerDef{
			{Name: "x", PVName: "SIM:m1", Start: 0, Stop: 10, NPoints: 11},
		},
	}

	_, err := scan.BuildPlan(def, conn)
	require.Error(t, err, "breakpoint 20 lies outside an 11-point scan")
}

func TestPlanDetectorModeROI(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name: "fluo",
		Kind: config.KindLinear,
		Positioners: []config.PositionerDef{
			{Name: "x", PVName: "SIM:m1", Start: 0, Stop: 1, NPoints: 2},
		},
		Detectors: []config.DetectorDef{
			{Label: "xsp3", Kind: config.DetectorMCA, Prefix: "SIM:xsp3", NChan: 4},
		},
	}

	plan, err := scan.BuildPlan(def, conn)
	require.NoError(t, err)
	assert.Equal(t, scan.ROIMode, plan.DetectorMode,
		"an analyzer detector switches the step scan to ROI counting")
	assert.Len(t, plan.AllCounters(), 4)
	assert.Len(t, plan.AllArrayCounters(), 4)
}

func TestPlanEstimatedDuration(t *testing.T) {
	conn := device.NewSimConnector()
	def := &config.ScanDefinition{
		Name:      "est",
		Kind:      config.KindLinear,
		DwellTime: 2.0,
		Positioners: []config.PositionerDef{
			{Name: "x", PVName: "SIM:m1", Start: 0, Stop: 9, NPoints: 10},
		},
	}

	plan, err := scan.BuildPlan(def, conn)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, plan.EstimatedDuration())
	assert.Equal(t, 2.0, plan.MaxDwell())
	assert.Equal(t, 2.0, plan.MinDwell())
}
