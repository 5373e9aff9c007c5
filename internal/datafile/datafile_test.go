package datafile_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepscan-labs/stepscan/internal/datafile"
)

func testColumns() []datafile.Column {
	return []datafile.Column{
		{Label: "energy", PVName: "XF:mono:en", Units: "eV"},
		{Label: "i0", PVName: "XF:sclr.S1", Units: "counts"},
		{Label: "i1", PVName: "XF:sclr.S2"},
	}
}

func TestASCIIFileHeaderAndPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.001")

	f, err := datafile.Create(path, testColumns())
	require.NoError(t, err)
	require.NoError(t, f.WriteHeader("xafs_fe", "first try\nfresh sample"))
	require.NoError(t, f.WriteExtraPVs([]datafile.ExtraValue{
		{Label: "Ring.Current", PVName: "SR:current", Value: "249.7"},
	}))
	require.NoError(t, f.WritePoint([]float64{7100.0, 12345, 678}))
	require.NoError(t, f.WritePoint([]float64{7101.0, 12400, 700}))
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)

	assert.True(t, strings.HasPrefix(content, "#XDI/1.1"), "file must open with the format tag")
	assert.Contains(t, content, "# Scan.name: xafs_fe")
	assert.Contains(t, content, "# fresh sample")
	assert.Contains(t, content, "# Legend.Start:")
	assert.Contains(t, content, "Column.1: energy  eV")
	assert.Contains(t, content, "|| XF:mono:en")
	assert.Contains(t, content, "Column.3: i1  unknown", "missing units print as unknown")
	assert.Contains(t, content, "# ExtraPVs.Start:")
	assert.Contains(t, content, "Ring.Current: 249.7")
	assert.Contains(t, content, "# Scan.end_time:")

	// Two data rows, three fixed-width columns each.
	var dataLines []string
	for _, line := range strings.Split(content, "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			dataLines = append(dataLines, line)
		}
	}
	require.Len(t, dataLines, 2)
	assert.Len(t, strings.Fields(dataLines[0]), 3)
	assert.Contains(t, dataLines[0], "7100.0")
}

func TestASCIIFileRejectsColumnMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.001")
	f, err := datafile.Create(path, testColumns())
	require.NoError(t, err)
	defer f.Close()

	err = f.WritePoint([]float64{1.0, 2.0})
	assert.Error(t, err, "a short row must not be written")
}

func TestASCIIFileXAFSParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.001")
	f, err := datafile.Create(path, testColumns())
	require.NoError(t, err)
	require.NoError(t, f.WriteHeader("xafs_fe", ""))
	require.NoError(t, f.WriteXAFSParams(7112.0, []string{
		" -200.000,   -20.000, npts=37, units=eV",
	}))
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# ScanParameters.E0: 7112.000")
	assert.Contains(t, string(raw), "# ScanParameters.Region1:")
}

func TestNextNameAutoIncrement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "map.001")

	assert.Equal(t, path, datafile.NextName(path), "a free path is used as-is")

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.Equal(t, filepath.Join(dir, "map.002"), datafile.NextName(path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "map.002"), []byte("x"), 0o644))
	assert.Equal(t, filepath.Join(dir, "map.003"), datafile.NextName(path))

	// A name without a numeric suffix gains one.
	plain := filepath.Join(dir, "scan.dat")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	assert.Equal(t, plain+".001", datafile.NextName(plain))
}

func TestCreateNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.001")
	require.NoError(t, os.WriteFile(path, []byte("precious data"), 0o644))

	f, err := datafile.Create(path, testColumns())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, filepath.Join(dir, "scan.002"), f.Path())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "precious data", string(raw), "the earlier run's file is untouched")
}

func TestMasterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.001")

	m, err := datafile.CreateMaster(path, "map_coarse", 10, 201, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.AppendRow(0.0, 0, 201))
	require.NoError(t, m.AppendRow(0.1, 1, 199))
	// A redone row appends again; readers keep the last entry per position.
	require.NoError(t, m.AppendRow(0.1, 1, 201))
	require.NoError(t, m.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)

	assert.Contains(t, content, "# Scan.name = map_coarse")
	assert.Contains(t, content, "# Scan.nrows_expected = 10")
	assert.Contains(t, content, "# Scan.pulses_per_row = 201")

	var rows []string
	for _, line := range strings.Split(content, "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			rows = append(rows, line)
		}
	}
	require.Len(t, rows, 3)
	assert.Contains(t, rows[1], "199")
	assert.Contains(t, rows[2], "201")
}
