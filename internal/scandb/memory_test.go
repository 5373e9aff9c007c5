package scandb_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalscandb "github.com/stepscan-labs/stepscan/internal/scandb"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
)

func TestMemoryStoreInfo(t *testing.T) {
	store := internalscandb.NewMemoryStore()
	defer store.Close()

	_, exists := store.GetInfo(scandb.InfoScanStatus)
	assert.False(t, exists, "empty store should have no status")

	require.NoError(t, store.SetInfo(scandb.InfoScanStatus, "running"))
	val, exists := store.GetInfo(scandb.InfoScanStatus)
	assert.True(t, exists)
	assert.Equal(t, "running", val)

	require.NoError(t, store.SetInfo(scandb.InfoScanStatus, "finished"))
	val, _ = store.GetInfo(scandb.InfoScanStatus)
	assert.Equal(t, "finished", val, "SetInfo should overwrite")
}

func TestMemoryStoreInfoBool(t *testing.T) {
	store := internalscandb.NewMemoryStore()
	defer store.Close()

	assert.False(t, store.GetInfoBool(scandb.InfoRequestAbort), "missing key reads as false")

	require.NoError(t, store.SetInfo(scandb.InfoRequestAbort, "1"))
	assert.True(t, store.GetInfoBool(scandb.InfoRequestAbort))

	require.NoError(t, store.SetInfo(scandb.InfoRequestAbort, "0"))
	assert.False(t, store.GetInfoBool(scandb.InfoRequestAbort))

	require.NoError(t, store.SetInfo(scandb.InfoRequestAbort, "true"))
	assert.True(t, store.GetInfoBool(scandb.InfoRequestAbort))

	require.NoError(t, store.SetInfo(scandb.InfoRequestAbort, "garbage"))
	assert.False(t, store.GetInfoBool(scandb.InfoRequestAbort), "unparsable value reads as false")
}

func TestMemoryStoreScanDataIsolation(t *testing.T) {
	store := internalscandb.NewMemoryStore()
	defer store.Close()

	original := []float64{1.0, 2.0, 3.0}
	require.NoError(t, store.AddScanData("energy", "XF:MONO.EN", "eV", "", original))

	// Mutating the caller's slice must not affect the buffered column.
	original[0] = 99.0
	got, exists := store.GetScanData("energy")
	require.True(t, exists)
	assert.Equal(t, []float64{1.0, 2.0, 3.0}, got)

	// Mutating the returned slice must not affect the buffered column either.
	got[1] = 42.0
	again, _ := store.GetScanData("energy")
	assert.Equal(t, []float64{1.0, 2.0, 3.0}, again)
}

func TestMemoryStoreAppendAndSet(t *testing.T) {
	store := internalscandb.NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.AddScanData("i0", "XF:SCLR.S1", "counts", "", nil))
	require.NoError(t, store.AppendScanData("i0", []float64{10, 20}))
	require.NoError(t, store.AppendScanData("i0", []float64{30}))

	got, exists := store.GetScanData("i0")
	require.True(t, exists)
	assert.Equal(t, []float64{10, 20, 30}, got)

	// A row redo replaces the whole buffer.
	require.NoError(t, store.SetScanData("i0", []float64{11, 21, 31}))
	got, _ = store.GetScanData("i0")
	assert.Equal(t, []float64{11, 21, 31}, got)

	require.NoError(t, store.ClearScanData())
	_, exists = store.GetScanData("i0")
	assert.False(t, exists, "ClearScanData should drop all columns")
}

func TestMemoryStoreScanDefinitions(t *testing.T) {
	store := internalscandb.NewMemoryStore()
	defer store.Close()

	_, err := store.GetScanDefinition("nosuch")
	assert.ErrorIs(t, err, scandb.ErrKeyNotFound)

	doc := []byte("name: xafs_cu\nkind: xafs\n")
	require.NoError(t, store.PutScanDefinition("xafs_cu", doc))

	got, err := store.GetScanDefinition("xafs_cu")
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestMemoryStoreCommandQueue(t *testing.T) {
	store := internalscandb.NewMemoryStore()
	defer store.Close()

	id1, err := store.AddCommand("scan", "xafs_cu")
	require.NoError(t, err)
	id2, err := store.AddCommand("slewscan", "map_coarse")
	require.NoError(t, err)

	pending, err := store.PendingCommands()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID, "commands should come back in enqueue order")
	assert.Equal(t, id2, pending[1].ID)
	assert.Equal(t, scandb.CommandRequested, pending[0].Status)

	require.NoError(t, store.SetCommandStatus(id1, scandb.CommandFinished))
	pending, err = store.PendingCommands()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)

	err = store.SetCommandStatus(id1, scandb.CommandFinished)
	assert.NoError(t, err)

	unknown, _ := store.AddCommand("probe", "")
	require.NoError(t, store.SetCommandStatus(unknown, scandb.CommandCanceled))
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := internalscandb.NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.AddScanData("i0", "", "", "", nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = store.AppendScanData("i0", []float64{float64(j)})
				_, _ = store.GetScanData("i0")
				_ = store.SetInfo(scandb.InfoHeartbeat, "tick")
				_ = store.GetInfoBool(scandb.InfoRequestPause)
			}
		}(i)
	}
	wg.Wait()

	got, exists := store.GetScanData("i0")
	require.True(t, exists)
	assert.Len(t, got, 800)
}
