package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextResyncExtentMergesAdjacentBits(t *testing.T) {
	d, _, _ := newTestDevice(t, 1024) // 128 blocks

	d.mu.Lock()
	defer d.mu.Unlock()
	for bit := uint64(0); bit < 10; bit++ {
		d.bm.Set(bit)
	}

	i := 0
	sector, size, status := d.nextResyncExtentLocked(&i)
	require.Equal(t, extentOK, status)
	assert.Equal(t, uint64(0), sector)
	assert.Equal(t, 10*4096, size)
	assert.Equal(t, 9, i, "merged blocks consume budget")
	assert.Equal(t, uint64(10), d.resyncNext)

	_, _, status = d.nextResyncExtentLocked(&i)
	assert.Equal(t, extentDone, status)
}

func TestNextResyncExtentRespectsAlignment(t *testing.T) {
	d, _, _ := newTestDevice(t, 1024)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.bm.Set(1)
	d.bm.Set(2)

	// Sector 8 is not aligned to a two-block extent; no merge happens.
	i := 0
	sector, size, status := d.nextResyncExtentLocked(&i)
	require.Equal(t, extentOK, status)
	assert.Equal(t, uint64(8), sector)
	assert.Equal(t, 4096, size)

	d.completeClaimLocked(sector)
	sector, size, status = d.nextResyncExtentLocked(&i)
	require.Equal(t, extentOK, status)
	assert.Equal(t, uint64(16), sector)
	assert.Equal(t, 4096, size)
}

func TestNextResyncExtentCapsAtMaxSize(t *testing.T) {
	disk := newMemDisk(8 * 1024)
	cfg := testConfig("cap", disk, &testLink{})
	cfg.MaxExtentSize = 4 * 4096
	d := New(cfg)

	d.mu.Lock()
	defer d.mu.Unlock()
	for bit := uint64(0); bit < 16; bit++ {
		d.bm.Set(bit)
	}

	i := 0
	_, size, status := d.nextResyncExtentLocked(&i)
	require.Equal(t, extentOK, status)
	assert.Equal(t, 4*4096, size)
}

func TestNextResyncExtentStopsAtBitmapExtentBoundary(t *testing.T) {
	disk := newMemDisk(16 * 1024)
	cfg := testConfig("boundary", disk, &testLink{})
	cfg.MaxExtentSize = 1 << 20
	d := New(cfg)

	d.mu.Lock()
	defer d.mu.Unlock()
	for bit := uint64(0); bit < 150; bit++ {
		d.bm.Set(bit)
	}

	i := 0
	sector, size, status := d.nextResyncExtentLocked(&i)
	require.Equal(t, extentOK, status)
	assert.Equal(t, uint64(0), sector)
	assert.Equal(t, 128*4096, size, "merge must not cross the bitmap extent boundary")
	assert.Equal(t, uint64(128), d.resyncNext)
}

func TestNextResyncExtentClampsToCapacity(t *testing.T) {
	d, _, _ := newTestDevice(t, 804) // 100 full blocks plus 4 sectors

	d.mu.Lock()
	defer d.mu.Unlock()
	d.bm.Set(100)

	i := 0
	sector, size, status := d.nextResyncExtentLocked(&i)
	require.Equal(t, extentOK, status)
	assert.Equal(t, uint64(800), sector)
	assert.Equal(t, 4*512, size)
}

func TestNextResyncExtentRequeuesOnBusyClaim(t *testing.T) {
	d, _, _ := newTestDevice(t, 1024)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.bm.Set(3)
	require.NoError(t, d.tryClaimLocked(3*8, 4096))

	i := 0
	_, _, status := d.nextResyncExtentLocked(&i)
	assert.Equal(t, extentRequeue, status)
	assert.Equal(t, uint64(3), d.resyncNext, "cursor rolls back to the contended block")
}

func TestRequestBudgetSubtractsPending(t *testing.T) {
	disk := newMemDisk(1024)
	cfg := testConfig("budget", disk, &testLink{})
	cfg.SyncRate = 409600 // bytes/sec
	cfg.Tick = 100 * time.Millisecond
	d := New(cfg)

	assert.Equal(t, 10, d.requestBudget())
	d.rsPending.Add(3)
	assert.Equal(t, 7, d.requestBudget())
	d.rsPending.Add(20)
	assert.LessOrEqual(t, d.requestBudget(), 0)
}

func TestRequestBudgetSubMillisecondTick(t *testing.T) {
	disk := newMemDisk(1024)
	cfg := testConfig("budget-fine", disk, &testLink{})
	cfg.SyncRate = 16 << 20 // 16 MB/s
	cfg.Tick = 500 * time.Microsecond
	d := New(cfg)

	// 16 MiB/s over half a millisecond is 8388 bytes, two blocks. A tick
	// below one millisecond must still yield a positive budget.
	assert.Equal(t, 2, d.requestBudget())
}

func TestClaimOverlapAndCapacity(t *testing.T) {
	disk := newMemDisk(1024)
	cfg := testConfig("claims", disk, &testLink{})
	cfg.MaxClaims = 2
	d := New(cfg)

	d.mu.Lock()
	defer d.mu.Unlock()

	require.NoError(t, d.tryClaimLocked(0, 4096))
	assert.ErrorIs(t, d.tryClaimLocked(4, 4096), errClaimBusy)
	require.NoError(t, d.tryClaimLocked(16, 4096))
	assert.ErrorIs(t, d.tryClaimLocked(64, 4096), errClaimCapacity)

	d.completeClaimLocked(0)
	require.NoError(t, d.tryClaimLocked(0, 4096))
}
