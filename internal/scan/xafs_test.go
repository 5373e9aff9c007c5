package scan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepscan-labs/stepscan/internal/config"
	"github.com/stepscan-labs/stepscan/internal/scan"
)

func TestEnergyWavenumberConversion(t *testing.T) {
	// k = sqrt(E/XAFSK2E): 100 eV above the edge is just over 5 inverse
	// Angstroms.
	assert.InDelta(t, 5.123, scan.EToK(100.0), 0.001)
	assert.InDelta(t, 100.0, scan.KToE(scan.EToK(100.0)), 1e-9)
	assert.Equal(t, 0.0, scan.EToK(-5.0), "energies below the edge map to k=0")
	assert.InDelta(t, scan.XAFSK2E*4, scan.KToE(2.0), 1e-12)
}

func TestBuildXAFSAxisMergesRegionBoundary(t *testing.T) {
	def := &config.ScanDefinition{
		Kind:       config.KindXAFS,
		E0:         7112.0,
		IsRelative: true,
		DwellTime:  1.0,
		Regions: []config.RegionDef{
			{Start: -100, Stop: -10, NPoints: 5},
			{Start: -10, Stop: 10, NPoints: 81},
		},
	}

	axis, err := scan.BuildXAFSAxis(def)
	require.NoError(t, err)

	// Both regions end/start at -10 eV relative; the shared boundary point
	// must appear exactly once, so 5 + 81 - 1 points survive.
	require.Len(t, axis.Energies, 85)
	require.Len(t, axis.DwellTimes, 85)

	assert.InDelta(t, 7012.0, axis.Energies[0], 1e-9)
	assert.InDelta(t, 7122.0, axis.Energies[84], 1e-9)

	for i := 1; i < len(axis.Energies); i++ {
		assert.Greater(t, axis.Energies[i], axis.Energies[i-1]+scan.DefaultMinEStep/2,
			"axis must be strictly increasing with min spacing at index %d", i)
	}
}

func TestBuildXAFSAxisKSpaceRegion(t *testing.T) {
	def := &config.ScanDefinition{
		Kind:      config.KindXAFS,
		E0:        7112.0,
		DwellTime: 1.0,
		Regions: []config.RegionDef{
			{Start: 2, Stop: 10, NPoints: 5, Units: "k"},
		},
	}

	axis, err := scan.BuildXAFSAxis(def)
	require.NoError(t, err)
	require.Len(t, axis.Energies, 5)

	// k-space points convert through E = E0 + XAFSK2E * k^2.
	assert.InDelta(t, 7112.0+scan.XAFSK2E*4, axis.Energies[0], 1e-9)
	assert.InDelta(t, 7112.0+scan.XAFSK2E*100, axis.Energies[4], 1e-9)
}

func TestBuildXAFSAxisDwellRamp(t *testing.T) {
	final := 8.0
	wt := 2.0
	def := &config.ScanDefinition{
		Kind:      config.KindXAFS,
		E0:        7112.0,
		DwellTime: 1.0,
		Regions: []config.RegionDef{
			{Start: 2, Stop: 12, NPoints: 11, Units: "k", DTime: 1.0, DTimeFinal: &final, DTimeWt: &wt},
		},
	}

	axis, err := scan.BuildXAFSAxis(def)
	require.NoError(t, err)
	require.Len(t, axis.DwellTimes, 11)

	// The ramp starts at dtime, ends at dtime_final, and grows monotonically.
	assert.InDelta(t, 1.0, axis.DwellTimes[0], 1e-9)
	assert.InDelta(t, 8.0, axis.DwellTimes[10], 1e-9)
	for i := 1; i < len(axis.DwellTimes); i++ {
		assert.GreaterOrEqual(t, axis.DwellTimes[i], axis.DwellTimes[i-1])
	}
}

func TestBuildXAFSAxisDwellCap(t *testing.T) {
	final := 20.0
	def := &config.ScanDefinition{
		Kind:      config.KindXAFS,
		E0:        7112.0,
		DwellTime: 1.0,
		MaxDwell:  10.0,
		Regions: []config.RegionDef{
			{Start: 2, Stop: 12, NPoints: 11, Units: "k", DTime: 1.0, DTimeFinal: &final},
		},
	}

	axis, err := scan.BuildXAFSAxis(def)
	require.NoError(t, err)
	for _, d := range axis.DwellTimes {
		assert.LessOrEqual(t, d, 10.0, "dwell times must be capped at max_dwelltime")
	}
}

func TestBuildXAFSAxisStepDerivedPoints(t *testing.T) {
	def := &config.ScanDefinition{
		Kind:      config.KindXAFS,
		E0:        7112.0,
		DwellTime: 0.5,
		Regions: []config.RegionDef{
			{Start: 7100, Stop: 7110, Step: 2.5},
		},
	}

	axis, err := scan.BuildXAFSAxis(def)
	require.NoError(t, err)
	assert.Equal(t, []float64{7100, 7102.5, 7105, 7107.5, 7110}, axis.Energies)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5, 0.5}, axis.DwellTimes)
}

func TestBuildXAFSAxisRejectsEmpty(t *testing.T) {
	_, err := scan.BuildXAFSAxis(&config.ScanDefinition{Kind: config.KindXAFS})
	assert.Error(t, err)

	_, err = scan.BuildXAFSAxis(&config.ScanDefinition{
		Kind:    config.KindXAFS,
		Regions: []config.RegionDef{{Start: 0, Stop: 10, NPoints: 1}},
	})
	assert.Error(t, err, "a region needs at least 2 points")
}
