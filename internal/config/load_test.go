package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepscan-labs/stepscan/internal/config"
)

const validLinearScan = `
name: align_x
schemaVersion: "1.0"
kind: linear
dwelltime: 0.5
pos_settle_time: 0.05
positioners:
  - name: sample_x
    pvname: "XF:07BM-MOT:SampleX"
    units: mm
    start: -1.0
    stop: 1.0
    npoints: 21
counters:
  - label: i0
    pvname: "XF:07BM-SCLR:S1"
    units: counts
detectors:
  - label: scaler1
    kind: scaler
    prefix: "XF:07BM-SCLR"
    nchan: 8
`

func TestLoadScanDefinitionValid(t *testing.T) {
	def, err := config.LoadScanDefinition([]byte(validLinearScan), "align_x.yaml")
	require.NoError(t, err)

	assert.Equal(t, "align_x", def.Name)
	assert.Equal(t, config.KindLinear, def.Kind)
	assert.Equal(t, "align_x.yaml", def.FilePath)
	require.Len(t, def.Positioners, 1)
	assert.Equal(t, 21, def.Positioners[0].NPoints)
	assert.Equal(t, 0.5, def.GetDwellTime())
	assert.Equal(t, 50*time.Millisecond, def.GetPosSettleTime())
	assert.Equal(t, 1, def.GetMaxPointRetries(), "default point retries")
}

func TestLoadScanDefinitionEmpty(t *testing.T) {
	_, err := config.LoadScanDefinition(nil, "empty.yaml")
	assert.Error(t, err)
}

func TestLoadScanDefinitionUnknownField(t *testing.T) {
	doc := `
name: bad
schemaVersion: "1.0"
kind: linear
dwelltimee: 1.0
positioners:
  - name: x
    pvname: "XF:MOT.X"
    npoints: 5
`
	_, err := config.LoadScanDefinition([]byte(doc), "bad.yaml")
	require.Error(t, err, "typo'd field should be rejected")
	assert.Contains(t, err.Error(), "dwelltimee")
}

func TestLoadScanDefinitionSchemaVersion(t *testing.T) {
	testCases := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"Plain v1", "1.0", false},
		{"Prefixed", "v1.0.0", false},
		{"Major only", "1", false},
		{"Future major", "2.0", true},
		{"Garbage", "one", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc := `
name: vcheck
schemaVersion: "` + tc.version + `"
kind: linear
positioners:
  - name: x
    pvname: "XF:MOT.X"
    start: 0
    stop: 1
    npoints: 5
`
			_, err := config.LoadScanDefinition([]byte(doc), "vcheck.yaml")
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadScanDefinitionLogicalValidation(t *testing.T) {
	t.Run("MissingPositioners", func(t *testing.T) {
		doc := `
name: nopos
schemaVersion: "1.0"
kind: linear
`
		_, err := config.LoadScanDefinition([]byte(doc), "nopos.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one positioner")
	})

	t.Run("ArrayAndNPointsExclusive", func(t *testing.T) {
		doc := `
name: both
schemaVersion: "1.0"
kind: linear
positioners:
  - name: x
    pvname: "XF:MOT.X"
    npoints: 5
    array: [0.0, 0.5, 1.0]
`
		_, err := config.LoadScanDefinition([]byte(doc), "both.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("XAFSNeedsRegionsAndE0", func(t *testing.T) {
		doc := `
name: xafs_bad
schemaVersion: "1.0"
kind: xafs
positioners:
  - name: energy
    pvname: "XF:MONO.EN"
`
		_, err := config.LoadScanDefinition([]byte(doc), "xafs_bad.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "region")
		assert.Contains(t, err.Error(), "e0")
	})

	t.Run("RegionStopBeforeStart", func(t *testing.T) {
		doc := `
name: xafs_rev
schemaVersion: "1.0"
kind: xafs
e0: 8979.0
positioners:
  - name: energy
    pvname: "XF:MONO.EN"
regions:
  - start: 9100.0
    stop: 8900.0
    npoints: 11
`
		_, err := config.LoadScanDefinition([]byte(doc), "xafs_rev.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "greater than start")
	})

	t.Run("BreakpointsMustIncrease", func(t *testing.T) {
		doc := validLinearScan + `
breakpoints: [10, 5]
`
		_, err := config.LoadScanDefinition([]byte(doc), "bp.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "strictly increasing")
	})
}

func TestLoadValidXAFSDefinition(t *testing.T) {
	doc := `
name: cu_xafs
schemaVersion: "1.0"
kind: xafs
e0: 8979.0
dwelltime: 1.0
positioners:
  - name: energy
    pvname: "XF:MONO.EN"
    units: eV
regions:
  - start: -200.0
    stop: -20.0
    step: 5.0
    units: eV
    dtime: 0.5
  - start: -20.0
    stop: 30.0
    step: 0.25
    units: eV
    dtime: 1.0
  - start: 2.8
    stop: 12.0
    step: 0.05
    units: k
    dtime: 1.0
    dtime_final: 4.0
    dtime_wt: 2.0
is_relative: true
`
	def, err := config.LoadScanDefinition([]byte(doc), "cu_xafs.yaml")
	require.NoError(t, err)
	require.Len(t, def.Regions, 3)
	assert.Equal(t, "k", def.Regions[2].Units)
	require.NotNil(t, def.Regions[2].DTimeFinal)
	assert.Equal(t, 4.0, *def.Regions[2].DTimeFinal)
	assert.True(t, def.IsRelative)
}

func TestServerConfigDefaults(t *testing.T) {
	cfg := config.DefaultServerConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 250*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, 15*time.Second, cfg.GetHeartbeatInterval())
}

func TestServerConfigPostgresRequiresURL(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.StoreBackend = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}
