package server_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepscan-labs/stepscan/internal/device"
	"github.com/stepscan-labs/stepscan/internal/engine"
	"github.com/stepscan-labs/stepscan/internal/logger"
	intScandb "github.com/stepscan-labs/stepscan/internal/scandb"
	"github.com/stepscan-labs/stepscan/internal/server"
	stepscan "github.com/stepscan-labs/stepscan/pkg/stepscan/v1"
	scanlog "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/log"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
)

const queuedScanYAML = `
name: align_x
schemaVersion: "1.0"
kind: linear
dwelltime: 0.01
positioners:
  - name: x
    pvname: "SIM:m1"
    start: 0.0
    stop: 2.0
    npoints: 3
counters:
  - label: i0
    pvname: "SIM:i0"
detectors:
  - label: scaler
    kind: simple
    prefix: "SIM:scaler"
    options:
      trigger_pv: "SIM:scaler:start"
`

func testLogger() scanlog.Logger {
	return logger.NewLogger("error", "text", io.Discard)
}

func newTestServer(t *testing.T, store scandb.Store) *server.Server {
	t.Helper()
	eng, err := engine.NewEngine(testLogger(),
		stepscan.WithStore(store),
		stepscan.WithConnector(device.NewSimConnector()),
		stepscan.WithDataDir(t.TempDir()),
		stepscan.WithPollInterval(time.Millisecond),
	)
	require.NoError(t, err)

	srv, err := server.NewServer(store, eng, testLogger(), 5*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	return srv
}

func waitForStatus(t *testing.T, store scandb.Store, id uuid.UUID, want scandb.CommandStatus, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cmd, err := store.GetCommand(id)
		require.NoError(t, err)
		if cmd.Status == want {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestServerRunsQueuedScanAndShutsDown(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	require.NoError(t, store.PutScanDefinition("align_x", []byte(queuedScanYAML)))

	scanID, err := store.AddCommand(server.CommandScan, "align_x")
	require.NoError(t, err)
	_, err = store.AddCommand(server.CommandShutdown, "")
	require.NoError(t, err)

	srv := newTestServer(t, store)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err, "the shutdown command stops the server cleanly")
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	// The scan actually ran: its data reached the store and the queue is
	// drained.
	positions, exists := store.GetScanData("x")
	require.True(t, exists)
	assert.Equal(t, []float64{0, 1, 2}, positions)

	pending, err := store.PendingCommands()
	require.NoError(t, err)
	assert.Empty(t, pending)

	cmd, err := store.GetCommand(scanID)
	require.NoError(t, err)
	assert.Equal(t, scandb.CommandFinished, cmd.Status)

	status, _ := store.GetInfo(scandb.InfoScanStatus)
	assert.Equal(t, "finished", status)

	hb, exists := store.GetInfo(scandb.InfoHeartbeat)
	assert.True(t, exists, "the server stamps a heartbeat")
	assert.NotEmpty(t, hb)
}

func TestServerStopsOnShutdownFlag(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()
	require.NoError(t, store.SetInfo(scandb.InfoRequestShutdown, "1"))

	srv := newTestServer(t, store)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server ignored the shutdown flag")
	}
}

func TestServerStopsOnContextCancel(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()

	srv := newTestServer(t, store)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server ignored context cancellation")
	}
}

func TestServerCancelsQueueOnStandingAbort(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()

	id1, err := store.AddCommand(server.CommandScan, "never_runs")
	require.NoError(t, err)
	id2, err := store.AddCommand(server.CommandScan, "never_runs_either")
	require.NoError(t, err)
	require.NoError(t, store.SetInfo(scandb.InfoRequestAbort, "1"))

	srv := newTestServer(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.True(t, waitForStatus(t, store, id1, scandb.CommandCanceled, 5*time.Second))
	require.True(t, waitForStatus(t, store, id2, scandb.CommandCanceled, 5*time.Second))

	// The standing abort is consumed so later commands can run.
	deadline := time.Now().Add(5 * time.Second)
	for store.GetInfoBool(scandb.InfoRequestAbort) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.False(t, store.GetInfoBool(scandb.InfoRequestAbort))

	cancel()
	<-done
}

func TestServerCancelsUnknownCommand(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()

	id, err := store.AddCommand("defragment", "")
	require.NoError(t, err)

	srv := newTestServer(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.True(t, waitForStatus(t, store, id, scandb.CommandCanceled, 5*time.Second))
	cancel()
	<-done
}

func TestServerMarksFailedScanAborted(t *testing.T) {
	store := intScandb.NewMemoryStore()
	defer store.Close()

	// The named definition does not exist, so the engine fails the command.
	id, err := store.AddCommand(server.CommandScan, "missing_definition")
	require.NoError(t, err)

	srv := newTestServer(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.True(t, waitForStatus(t, store, id, scandb.CommandAborted, 5*time.Second))
	cancel()
	<-done
}
