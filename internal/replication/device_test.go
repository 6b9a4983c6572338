package replication

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillRandom(m *memDisk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(m.data)
}

func TestResyncTransfersDirtyExtents(t *testing.T) {
	const sectors = 800 // 100 blocks
	src, tgt, srcDisk, tgtDisk, _, _ := newTestPair(t, sectors, false)
	fillRandom(srcDisk)

	n := tgt.MarkOutOfSync(0, sectors*512)
	require.Equal(t, uint64(100), n)

	require.NoError(t, src.StartResync(ConnSyncSource))
	require.NoError(t, tgt.StartResync(ConnSyncTarget))

	waitFor(t, 3*time.Second, func() bool {
		return tgt.State().Conn == ConnConnected && tgt.OutOfSyncBlocks() == 0
	}, "resync did not finish")

	assert.Equal(t, srcDisk.snapshot(), tgtDisk.snapshot())

	st := tgt.State()
	assert.Equal(t, DiskUpToDate, st.Disk)
	assert.Equal(t, DiskUpToDate, st.PeerDisk)

	total, left, failed, _ := tgt.Progress()
	assert.Zero(t, total)
	assert.Zero(t, left)
	assert.Zero(t, failed)
}

func TestChecksumResyncElidesEqualBlocks(t *testing.T) {
	const sectors = 400 // 50 blocks
	src, tgt, srcDisk, tgtDisk, srcLink, tgtLink := newTestPair(t, sectors, true)
	fillRandom(srcDisk)
	tgtDisk.mu.Lock()
	copy(tgtDisk.data, srcDisk.data)
	tgtDisk.mu.Unlock()

	tgt.MarkOutOfSync(0, sectors*512)
	require.NoError(t, src.StartResync(ConnSyncSource))
	require.NoError(t, tgt.StartResync(ConnSyncTarget))

	waitFor(t, 3*time.Second, func() bool {
		return tgt.State().Conn == ConnConnected && tgt.OutOfSyncBlocks() == 0
	}, "checksum resync did not finish")

	// Identical content means every block settles by digest match.
	assert.Zero(t, srcLink.sentCount(MsgRSDataReply), "no data should cross the wire")
	assert.NotZero(t, tgtLink.sentCount(MsgCsumRSRequest))
	assert.NotZero(t, srcLink.sentCount(MsgRSIsInSync))

	// The finished session leaves no stale counters behind.
	_, _, _, elided := tgt.Progress()
	assert.Zero(t, elided, "elided count must reset with the session")
}

func TestChecksumResyncTransfersChangedBlocks(t *testing.T) {
	const sectors = 80 // 10 blocks
	src, tgt, srcDisk, tgtDisk, srcLink, _ := newTestPair(t, sectors, true)
	fillRandom(srcDisk)
	tgtDisk.mu.Lock()
	copy(tgtDisk.data, srcDisk.data)
	// Diverge block 4.
	tgtDisk.data[4*4096] ^= 0xff
	tgtDisk.mu.Unlock()

	tgt.MarkOutOfSync(0, sectors*512)
	require.NoError(t, src.StartResync(ConnSyncSource))
	require.NoError(t, tgt.StartResync(ConnSyncTarget))

	waitFor(t, 3*time.Second, func() bool {
		return tgt.State().Conn == ConnConnected && tgt.OutOfSyncBlocks() == 0
	}, "checksum resync did not finish")

	assert.Equal(t, srcDisk.snapshot(), tgtDisk.snapshot())
	assert.NotZero(t, srcLink.sentCount(MsgRSDataReply), "the diverged block needs a transfer")
}

func TestChecksumResyncTargetReadFailureAbortsSession(t *testing.T) {
	const sectors = 80 // 10 blocks
	src, tgt, srcDisk, tgtDisk, _, _ := newTestPair(t, sectors, true)
	fillRandom(srcDisk)

	// The target cannot read its own copy of the only dirty block, so the
	// digest read fails before any request reaches the source.
	tgtDisk.mu.Lock()
	tgtDisk.failRead[3*8] = true
	tgtDisk.mu.Unlock()
	tgt.MarkOutOfSync(3*8, 4096)

	require.NoError(t, src.StartResync(ConnSyncSource))
	require.NoError(t, tgt.StartResync(ConnSyncTarget))

	// The failed read detaches the disk and brings the connection down
	// instead of leaving the session parked in SyncTarget.
	waitFor(t, 3*time.Second, func() bool {
		return tgt.State().Conn == ConnNetworkFailure
	}, "connection did not come down after the digest read failed")
	assert.Equal(t, DiskFailed, tgt.State().Disk)

	waitFor(t, time.Second, func() bool {
		total, left, failed, _ := tgt.Progress()
		return total == 0 && left == 0 && failed == 0
	}, "session counters were not reset")

	assert.Equal(t, uint64(1), tgt.OutOfSyncBlocks(), "the unread block stays dirty")
}

func TestResyncSourceReadFailure(t *testing.T) {
	const sectors = 80 // 10 blocks
	src, tgt, srcDisk, _, _, _ := newTestPair(t, sectors, false)
	fillRandom(srcDisk)

	// Block 3 is the only dirty extent and the source cannot read it.
	srcDisk.mu.Lock()
	srcDisk.failRead[3*8] = true
	srcDisk.mu.Unlock()
	tgt.MarkOutOfSync(3*8, 4096)

	require.NoError(t, src.StartResync(ConnSyncSource))
	require.NoError(t, tgt.StartResync(ConnSyncTarget))

	waitFor(t, 3*time.Second, func() bool {
		return tgt.State().Conn == ConnConnected
	}, "resync did not settle")

	// The failed block stays dirty and the disk pair reflects the failure.
	assert.Equal(t, uint64(1), tgt.OutOfSyncBlocks())
	st := tgt.State()
	assert.Equal(t, DiskInconsistent, st.Disk)
	assert.Equal(t, DiskUpToDate, st.PeerDisk)
}

func TestVerifyFindsDivergence(t *testing.T) {
	const sectors = 160 // 20 blocks
	src, tgt, srcDisk, tgtDisk, _, _ := newTestPair(t, sectors, false)
	fillRandom(srcDisk)
	tgtDisk.mu.Lock()
	copy(tgtDisk.data, srcDisk.data)
	tgtDisk.data[5*4096+17] ^= 0x01
	tgtDisk.mu.Unlock()

	require.NoError(t, tgt.BeginVerifyTarget(0))
	require.NoError(t, src.StartVerify(0))

	waitFor(t, 3*time.Second, func() bool {
		return src.State().Conn == ConnConnected && tgt.State().Conn == ConnConnected
	}, "verify did not finish")

	assert.Equal(t, uint64(1), src.OutOfSyncBlocks())
	assert.Equal(t, uint64(1), tgt.OutOfSyncBlocks())
}

func TestVerifyCleanReplicas(t *testing.T) {
	const sectors = 160
	src, tgt, srcDisk, tgtDisk, _, _ := newTestPair(t, sectors, false)
	fillRandom(srcDisk)
	tgtDisk.mu.Lock()
	copy(tgtDisk.data, srcDisk.data)
	tgtDisk.mu.Unlock()

	require.NoError(t, tgt.BeginVerifyTarget(0))
	require.NoError(t, src.StartVerify(0))

	waitFor(t, 3*time.Second, func() bool {
		return src.State().Conn == ConnConnected && tgt.State().Conn == ConnConnected
	}, "verify did not finish")

	assert.Zero(t, src.OutOfSyncBlocks())
	assert.Zero(t, tgt.OutOfSyncBlocks())
}

func TestBarrierRoundTrip(t *testing.T) {
	src, _, _, _, _, _ := newTestPair(t, 80, false)

	src.QueueBarrier()
	waitFor(t, time.Second, func() bool {
		return src.PendingEpochs() == 0
	}, "barrier was not confirmed")
}

func TestBarrierAcksDrainInArrivalOrder(t *testing.T) {
	d, _, link := newTestDevice(t, 80)

	// Two writes in flight, then two epoch markers arrive before either
	// write completes. Both markers must queue and both acks must go out
	// once the active list drains, oldest epoch first.
	d.mu.Lock()
	e1, err1 := d.allocEntryLocked(0, 4096, listActive)
	e2, err2 := d.allocEntryLocked(8, 4096, listActive)
	d.mu.Unlock()
	require.NoError(t, err1)
	require.NoError(t, err2)

	d.recvBarrier(&Message{Type: MsgBarrier, Epoch: 1})
	d.recvBarrier(&Message{Type: MsgBarrier, Epoch: 2})
	assert.Zero(t, link.sentCount(MsgBarrierAck))

	d.onWriteDone(e1, nil)
	assert.Zero(t, link.sentCount(MsgBarrierAck), "ack sent while a write was still active")

	d.onWriteDone(e2, nil)
	acks := link.sentOfType(MsgBarrierAck)
	require.Len(t, acks, 2)
	assert.Equal(t, uint64(1), acks[0].Epoch)
	assert.Equal(t, uint64(2), acks[1].Epoch)
}

func TestWriteOrderingEscalatesOnBarrierFailure(t *testing.T) {
	_, tgt, _, tgtDisk, _, _ := newTestPair(t, 80, false)

	tgtDisk.mu.Lock()
	tgtDisk.failWrite[0] = true
	tgtDisk.mu.Unlock()

	require.NoError(t, tgt.Deliver(&Message{
		Type:    MsgData,
		ID:      7,
		Sector:  0,
		Size:    4096,
		Data:    make([]byte, 4096),
		Barrier: true,
	}))

	waitFor(t, time.Second, func() bool {
		return tgt.WriteOrderingMethod() == WriteOrderingFlush
	}, "ordering strategy did not degrade")

	waitFor(t, time.Second, func() bool {
		return tgt.inFlightEntries() == 0
	}, "reissued entry not released")
}

func TestMirroredWriteRoundTrip(t *testing.T) {
	src, _, _, tgtDisk, _, _ := newTestPair(t, 80, false)

	payload := bytes.Repeat([]byte{0xab}, 4096)
	req := &Request{ID: 1, Sector: 8, Size: 4096, Write: true, Data: payload}
	src.QueueWrite(req)

	waitFor(t, time.Second, func() bool {
		rr := src.requests.(*recordingRequests)
		rr.mu.Lock()
		defer rr.mu.Unlock()
		for _, ev := range rr.events {
			if ev == ReqCompletedOK {
				return true
			}
		}
		return false
	}, "mirrored write was not acknowledged")

	got := tgtDisk.snapshot()[8*512 : 8*512+4096]
	assert.Equal(t, payload, got)
}

func TestRemoteReadRoundTrip(t *testing.T) {
	src, _, _, tgtDisk, _, _ := newTestPair(t, 80, false)
	fillRandom(tgtDisk)

	req := &Request{ID: 2, Sector: 16, Size: 4096}
	src.QueueRead(req)

	waitFor(t, time.Second, func() bool {
		rr := src.requests.(*recordingRequests)
		rr.mu.Lock()
		defer rr.mu.Unlock()
		for _, ev := range rr.events {
			if ev == ReqCompletedOK {
				return true
			}
		}
		return false
	}, "remote read did not complete")

	want := tgtDisk.snapshot()[16*512 : 16*512+4096]
	assert.Equal(t, want, req.Data)
}

func TestShutdownReleasesQueuedEntries(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	d, _, _ := newTestDevice(t, 80)
	d.Start()

	// Five serve entries stuck in the queue when the device stops.
	for i := 0; i < 5; i++ {
		d.mu.Lock()
		e, err := d.allocEntryLocked(uint64(i*8), 4096, listRead)
		d.mu.Unlock()
		require.NoError(t, err)
		d.unacked.Add(1)
		d.queue.enqueue(&workItem{kind: workDataReply, entry: e})
	}
	require.Equal(t, 5, d.inFlightEntries())

	d.Stop()
	assert.Zero(t, d.inFlightEntries(), "cancel path must release every entry")
}

func TestMarkOutOfSyncRounding(t *testing.T) {
	d, _, _ := newTestDevice(t, 160)

	// A partial range dirties every touched block.
	assert.Equal(t, uint64(1), d.MarkOutOfSync(4, 512))
	assert.Equal(t, uint64(2), d.MarkOutOfSync(8, 4608))
	assert.Equal(t, uint64(3), d.OutOfSyncBlocks())

	// Clearing rounds inward: a partial block stays dirty.
	d.mu.Lock()
	cleared := d.setInSyncLocked(4, 4096)
	d.mu.Unlock()
	assert.Zero(t, cleared)

	d.mu.Lock()
	cleared = d.setInSyncLocked(8, 4096)
	d.mu.Unlock()
	assert.Equal(t, uint64(1), cleared)
}

func TestStartResyncVetoedByHelper(t *testing.T) {
	disk := newMemDisk(80)
	link := &testLink{}
	cfg := testConfig("veto", disk, link)
	cfg.Helper = &stubHelper{status: 3}
	d := New(cfg)
	d.Start()
	defer d.Stop()
	require.NoError(t, d.Connect())

	err := d.StartResync(ConnSyncTarget)
	require.Error(t, err)
	assert.Equal(t, ConnDisconnecting, d.State().Conn)
}

func TestConnectValidatesTransition(t *testing.T) {
	d, _, _ := newTestDevice(t, 80)

	require.NoError(t, d.Connect())
	// Connecting again changes nothing.
	assert.ErrorIs(t, d.Connect(), ErrNothingToDo)
}
