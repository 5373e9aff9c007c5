package engine_test

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepscan-labs/stepscan/internal/device"
	"github.com/stepscan-labs/stepscan/internal/engine"
	intEvents "github.com/stepscan-labs/stepscan/internal/events"
	"github.com/stepscan-labs/stepscan/internal/logger"
	intScandb "github.com/stepscan-labs/stepscan/internal/scandb"
	stepscan "github.com/stepscan-labs/stepscan/pkg/stepscan/v1"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/events"
	scanlog "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/log"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
)

const linearScanYAML = `
name: line1
schemaVersion: "1.0"
kind: linear
dwelltime: 0.01
positioners:
  - name: x
    pvname: "SIM:m1"
    units: mm
    start: 0.0
    stop: 10.0
    npoints: 11
counters:
  - label: i0
    pvname: "SIM:i0"
    units: counts
detectors:
  - label: det
    kind: simple
    prefix: "SIM:det"
    options:
      trigger_pv: "SIM:det:start"
`

const xafsScanYAML = `
name: xafs_fe
schemaVersion: "1.0"
kind: xafs
dwelltime: 0.01
e0: 7112.0
is_relative: true
positioners:
  - name: energy
    pvname: "SIM:mono:en"
    units: eV
regions:
  - start: -20.0
    stop: -5.0
    npoints: 4
  - start: -5.0
    stop: 10.0
    npoints: 16
detectors:
  - label: det
    kind: simple
    prefix: "SIM:det"
    options:
      trigger_pv: "SIM:det:start"
`

const slewScanYAML = `
name: map1
schemaVersion: "1.0"
kind: slew
slew:
  inner:
    name: fastx
    pvname: "SIM:traj:x"
    start: 0.0
    stop: 5.0
    npoints: 21
  outer:
    name: y
    pvname: "SIM:m2"
    start: 0.0
    stop: 0.2
    npoints: 3
  pixel_time: 0.01
  alternate: true
`

func testLogger() scanlog.Logger {
	return logger.NewLogger("error", "text", io.Discard)
}

func newTestEngine(t *testing.T, store scandb.Store, conn *device.SimConnector, extra ...stepscan.EngineOption) *engine.Engine {
	t.Helper()
	opts := append([]stepscan.EngineOption{
		stepscan.WithStore(store),
		stepscan.WithConnector(conn),
		stepscan.WithDataDir(t.TempDir()),
		stepscan.WithPollInterval(time.Millisecond),
		stepscan.WithPositionerMoveTimeout(500 * time.Millisecond),
	}, extra...)
	eng, err := engine.NewEngine(testLogger(), opts...)
	require.NoError(t, err)
	return eng
}

func waitForInfo(t *testing.T, store scandb.Store, key string, pred func(string) bool, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v, ok := store.GetInfo(key); ok && pred(v) {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestRunScanLinear(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()
	eng := newTestEngine(t, store, conn)

	report, err := eng.RunScan(context.Background(), []byte(linearScanYAML))
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, "line1", report.ScanName)
	assert.Equal(t, "finished", report.Status)
	assert.Equal(t, 11, report.TotalPoints)
	assert.Equal(t, 11, report.CompletedPoints)
	assert.Zero(t, report.PointRetries)
	assert.NotEmpty(t, report.DataFile)

	// Every point lands in the store: targets 0..10 recorded in order.
	positions, exists := store.GetScanData("x")
	require.True(t, exists)
	require.Len(t, positions, 11)
	for i, v := range positions {
		assert.InDelta(t, float64(i), v, 1e-9, "point %d", i)
	}
	counts, exists := store.GetScanData("i0")
	require.True(t, exists)
	assert.Len(t, counts, 11)

	status, _ := store.GetInfo(scandb.InfoScanStatus)
	assert.Equal(t, "finished", status)
	filename, _ := store.GetInfo(scandb.InfoFilename)
	assert.Equal(t, report.DataFile, filename)

	// The data file carries the header plus one row per point.
	raw, err := os.ReadFile(report.DataFile)
	require.NoError(t, err)
	var dataLines int
	for _, line := range strings.Split(string(raw), "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			dataLines++
		}
	}
	assert.Equal(t, 11, dataLines)
}

func TestRunScanXAFS(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()
	eng := newTestEngine(t, store, conn)

	report, err := eng.RunScan(context.Background(), []byte(xafsScanYAML))
	require.NoError(t, err)

	// 4 + 16 points with the shared -5 eV boundary de-duplicated.
	assert.Equal(t, 19, report.TotalPoints)
	assert.Equal(t, 19, report.CompletedPoints)
	assert.Equal(t, "finished", report.Status)

	energies, exists := store.GetScanData("energy")
	require.True(t, exists)
	require.Len(t, energies, 19)
	assert.InDelta(t, 7092.0, energies[0], 1e-9)
	assert.InDelta(t, 7122.0, energies[18], 1e-9)

	raw, err := os.ReadFile(report.DataFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# ScanParameters.E0: 7112.000")
	assert.Contains(t, string(raw), "# ScanParameters.Region2:")
}

func TestRunScanAbort(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()

	// A slow drive keeps points long enough to land the abort mid-scan.
	drive := device.NewSimChannel("SIM:m1", 0)
	drive.MoveDelay = 10 * time.Millisecond
	conn.AddChannel(drive)

	eng := newTestEngine(t, store, conn)

	go func() {
		if waitForInfo(t, store, scandb.InfoScanCurrentPoint, func(v string) bool {
			n, err := strconv.Atoi(v)
			return err == nil && n >= 3
		}, 5*time.Second) {
			_ = store.SetInfo(scandb.InfoRequestAbort, "1")
		}
	}()

	report, err := eng.RunScan(context.Background(), []byte(linearScanYAML))
	require.Error(t, err)
	assert.True(t, scanerrors.IsAbort(err))
	require.NotNil(t, report)

	assert.Equal(t, "aborted", report.Status)
	assert.GreaterOrEqual(t, report.CompletedPoints, 3)
	assert.Less(t, report.CompletedPoints, 11)
	assert.Empty(t, report.Error, "an honored abort is not a fault")

	// Persisted records stay valid: one store row per completed point.
	positions, _ := store.GetScanData("x")
	assert.Len(t, positions, report.CompletedPoints)

	status, _ := store.GetInfo(scandb.InfoScanStatus)
	assert.Equal(t, "aborted", status)
}

func TestRunScanPauseResume(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()
	drive := device.NewSimChannel("SIM:m1", 0)
	drive.MoveDelay = 5 * time.Millisecond
	conn.AddChannel(drive)

	eng := newTestEngine(t, store, conn)

	go func() {
		if !waitForInfo(t, store, scandb.InfoScanCurrentPoint, func(v string) bool {
			n, err := strconv.Atoi(v)
			return err == nil && n >= 2
		}, 5*time.Second) {
			return
		}
		_ = store.SetInfo(scandb.InfoRequestPause, "1")
		if waitForInfo(t, store, scandb.InfoScanStatus, func(v string) bool {
			return v == "paused"
		}, 5*time.Second) {
			time.Sleep(20 * time.Millisecond)
			_ = store.SetInfo(scandb.InfoRequestPause, "0")
		}
	}()

	report, err := eng.RunScan(context.Background(), []byte(linearScanYAML))
	require.NoError(t, err)

	// Pause suspends without losing anything: all points still recorded.
	assert.Equal(t, "finished", report.Status)
	assert.Equal(t, 11, report.CompletedPoints)
	positions, _ := store.GetScanData("x")
	assert.Len(t, positions, 11)
}

func TestRunScanPointRetry(t *testing.T) {
	if testing.Short() {
		t.Skip("retry budget makes this test slow")
	}

	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()

	// The trigger never reports done at first, so the first point exhausts
	// its wait budget and is retried.
	trig := device.NewSimChannel("SIM:det:start", 0)
	trig.DropCompletion = true
	conn.AddChannel(trig)

	bus := intEvents.NewChannelEventBus(64, testLogger())
	defer bus.Close()

	var mu sync.Mutex
	var seen []events.EventType
	go func() {
		for ev := range bus.GetChannel() {
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
			if ev.Type == events.PointRetry {
				// Heal the hardware so the retry succeeds.
				trig.DropCompletion = false
			}
		}
	}()

	yaml := strings.Replace(linearScanYAML, "npoints: 11", "npoints: 2", 1)
	yaml = strings.Replace(yaml, "stop: 10.0", "stop: 1.0", 1)

	eng := newTestEngine(t, store, conn, stepscan.WithEventBus(bus))
	report, err := eng.RunScan(context.Background(), []byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "finished", report.Status)
	assert.Equal(t, 2, report.CompletedPoints)
	assert.Equal(t, 1, report.PointRetries)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, events.ScanStart)
	assert.Contains(t, seen, events.PointRetry)
	assert.Contains(t, seen, events.PointComplete)
}

func TestRunScanSlewRowRedo(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()

	// The second trajectory run undercounts, forcing one row redo.
	traj := device.NewSimTrajectory()
	traj.ShortRows = map[int]int{1: 10}
	conn.AddTrajectory("SIM:traj:x", traj)

	eng := newTestEngine(t, store, conn)
	report, err := eng.RunScan(context.Background(), []byte(slewScanYAML))
	require.NoError(t, err)

	assert.Equal(t, "finished", report.Status)
	assert.Equal(t, 3, report.TotalPoints, "three rows")
	assert.Equal(t, 3, report.CompletedPoints)
	assert.Equal(t, 1, report.RowRedos)
	assert.Equal(t, 4, traj.RunCount(), "three rows plus one redo")

	// The master file indexes accepted rows only: one line per row, the
	// redone attempt superseding the bad one before anything is written.
	raw, err := os.ReadFile(report.DataFile)
	require.NoError(t, err)
	var rows int
	for _, line := range strings.Split(string(raw), "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			rows++
		}
	}
	assert.Equal(t, 3, rows)
}

func TestRunScanSlewRowRedoExhaustion(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()

	traj := device.NewSimTrajectory()
	traj.ShortRows = map[int]int{0: 10, 1: 10, 2: 10, 3: 10, 4: 10, 5: 10}
	conn.AddTrajectory("SIM:traj:x", traj)

	eng := newTestEngine(t, store, conn)
	report, err := eng.RunScan(context.Background(), []byte(slewScanYAML))
	require.Error(t, err)

	var execErr *scanerrors.ScanExecutionError
	assert.ErrorAs(t, err, &execErr)
	assert.Equal(t, "aborted", report.Status)
	assert.Equal(t, 0, report.CompletedPoints, "the bad row never advances")
	assert.Equal(t, 3, report.RowRedos, "default row redo bound")
}

func TestRunScanLimitViolation(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()
	conn.AddChannel(device.NewSimChannelWithLimits("SIM:m1", 0, -5, 5))

	eng := newTestEngine(t, store, conn)
	report, err := eng.RunScan(context.Background(), []byte(linearScanYAML))
	require.Error(t, err)

	var prepErr *scanerrors.PrepareError
	require.ErrorAs(t, err, &prepErr)
	var limErr *scanerrors.LimitViolationError
	assert.ErrorAs(t, err, &limErr)

	require.NotNil(t, report)
	assert.Equal(t, "aborted", report.Status)
	assert.Zero(t, report.CompletedPoints, "no hardware motion on a limit violation")
}

func TestRunScanRejectsConcurrentRun(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	conn := device.NewSimConnector()
	drive := device.NewSimChannel("SIM:m1", 0)
	drive.MoveDelay = 20 * time.Millisecond
	conn.AddChannel(drive)

	eng := newTestEngine(t, store, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.RunScan(ctx, []byte(linearScanYAML))
	}()

	require.True(t, waitForInfo(t, store, scandb.InfoScanStatus, func(v string) bool {
		return v == "running" || v == "preparing"
	}, 5*time.Second))

	_, err := eng.RunScan(context.Background(), []byte(linearScanYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")

	cancel()
	<-done
}

func TestRunScanByName(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	require.NoError(t, store.PutScanDefinition("line1", []byte(linearScanYAML)))

	conn := device.NewSimConnector()
	eng := newTestEngine(t, store, conn)

	report, err := eng.RunScanByName(context.Background(), "line1")
	require.NoError(t, err)
	assert.Equal(t, "finished", report.Status)

	_, err = eng.RunScanByName(context.Background(), "nosuch")
	require.Error(t, err)
	var cfgErr *scanerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRunScanInvalidDefinition(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	eng := newTestEngine(t, store, device.NewSimConnector())

	report, err := eng.RunScan(context.Background(), []byte("name: broken\nkind: nope\n"))
	require.Error(t, err)
	assert.Nil(t, report)
}
