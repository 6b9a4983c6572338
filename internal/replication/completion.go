package replication

import (
	"bytes"
	"errors"
	"fmt"
)

// errIOFailed is synthesized when a completion reports failure without an
// explicit error.
var errIOFailed = errors.New("i/o error")

// onReadDone handles completion of a local read submitted on behalf of the
// peer or for a digest. It moves the entry to the done list under the device
// lock and hands it to the worker with the follow-up work kind.
func (d *Device) onReadDone(e *extentEntry, data []byte, err error, next workKind) {
	if err == nil && data == nil {
		// Completion reported failure without an error code.
		err = errIOFailed
	}
	e.data = data
	e.err = err

	d.mu.Lock()
	d.readSectors += uint64(e.size) / sectorSize
	d.moveEntryLocked(e, listDone)
	doWake := d.readEE.empty()
	d.mu.Unlock()

	if d.met != nil {
		d.met.BytesRead.Add(float64(e.size))
	}
	if doWake {
		d.mu.Lock()
		d.eeEmpty.Broadcast()
		d.mu.Unlock()
	}

	d.queue.enqueue(&workItem{kind: next, entry: e})
}

// onWriteDone handles completion of a write absorbed from the peer: a
// mirrored application write or a resync write. A failed ordering-barrier
// write escalates the write-ordering strategy and reissues instead of
// failing outright.
func (d *Device) onWriteDone(e *extentEntry, err error) {
	if err != nil && e.barrier {
		d.mu.Lock()
		d.bumpWriteOrderingLocked(WriteOrderingFlush)
		d.moveEntryLocked(e, listDone)
		d.mu.Unlock()
		d.queue.enqueue(&workItem{kind: workReissue, entry: e})
		return
	}

	e.err = err

	d.mu.Lock()
	if e.accounted {
		d.writeSectors += uint64(e.size) / sectorSize
	}
	isSync := e.list == listSync
	d.moveEntryLocked(e, listDone)
	doWake := isSync && d.syncEE.empty() || !isSync && d.activeEE.empty()
	if doWake {
		d.eeEmpty.Broadcast()
	}
	var barrierEpochs []uint64
	if !isSync && d.activeEE.empty() && len(d.pendingBarrierEpochs) > 0 {
		barrierEpochs = d.pendingBarrierEpochs
		d.pendingBarrierEpochs = nil
	}
	d.mu.Unlock()

	if d.met != nil {
		d.met.BytesWritten.Add(float64(e.size))
	}
	if err != nil {
		d.localIOError(err)
	}

	if isSync {
		// Resync write on the sync target: account the range and release
		// the claim taken when the request was issued.
		d.resyncBlockDone(e.sector, e.size, err != nil, false)
	}

	corr := e.corr
	sector, size := e.sector, e.size

	d.mu.Lock()
	d.freeEntryLocked(e)
	d.mu.Unlock()

	if !isSync && corr != 0 {
		// Mirrored application write absorbed from the peer: confirm it.
		t := MsgWriteAck
		if err != nil {
			t = MsgNegWriteAck
		}
		if !d.tr.Send(&Message{Type: t, ID: corr, Sector: sector, Size: size}) {
			d.log.Warn().Uint64("sector", sector).Msg("write ack send failed")
		}
		d.unacked.Add(-1)
	}

	for _, epoch := range barrierEpochs {
		d.sendBarrierAck(epoch)
	}
}

// OnApplicationIOComplete classifies a completed application I/O and feeds
// the classification into the request state machine collaborator under the
// device lock.
func (d *Device) OnApplicationIOComplete(req *Request, err error) {
	var ev RequestEvent
	switch {
	case err == nil:
		ev = ReqCompletedOK
	case req.Write:
		ev = ReqWriteFailed
	default:
		ev = ReqReadFailed
	}

	d.mu.Lock()
	d.requests.Mod(req, ev)
	d.mu.Unlock()
}

// finishServeEntry releases an entry that was created to serve a peer
// request and drops the unanswered-request count.
func (d *Device) finishServeEntry(e *extentEntry) {
	d.mu.Lock()
	d.freeEntryLocked(e)
	d.mu.Unlock()
	d.unacked.Add(-1)
}

// sendEntryData sends a data-carrying reply. When the transport keeps
// referencing the payload after Send returns, the entry takes a network
// reference and is parked on the net list until ReleaseNetBuffers.
func (d *Device) sendEntryData(e *extentEntry, msg *Message) bool {
	ok := d.tr.Send(msg)

	d.mu.Lock()
	if ok && d.tr.RetainsPayloads() {
		e.refs++ // transport still references the payload
	}
	d.freeEntryLocked(e)
	d.mu.Unlock()
	d.unacked.Add(-1)
	return ok
}

// endDataRequest answers the peer's read request with the data read
// locally, or a negative reply on read failure.
func (d *Device) endDataRequest(e *extentEntry, cancel bool) error {
	if cancel {
		d.finishServeEntry(e)
		return nil
	}

	if e.err != nil {
		d.log.Error().Uint64("sector", e.sector).Msg("sending negative data reply")
		d.localIOError(e.err)
		ok := d.tr.Send(&Message{Type: MsgNegDataReply, ID: e.corr, Sector: e.sector, Size: e.size})
		d.finishServeEntry(e)
		if !ok {
			return fmt.Errorf("negative data reply: %w", errSendFailed)
		}
		return nil
	}

	msg := &Message{Type: MsgDataReply, ID: e.corr, Sector: e.sector, Size: e.size, Data: e.data}
	if !d.sendEntryData(e, msg) {
		return fmt.Errorf("data reply: %w", errSendFailed)
	}
	return nil
}

// endRSDataRequest answers the peer's resync data request.
func (d *Device) endRSDataRequest(e *extentEntry, cancel bool) error {
	if cancel {
		d.finishServeEntry(e)
		return nil
	}

	if e.err != nil {
		d.log.Error().Uint64("sector", e.sector).Msg("sending negative resync data reply")
		d.localIOError(e.err)
		ok := d.tr.Send(&Message{Type: MsgNegRSDataReply, ID: e.corr, Sector: e.sector, Size: e.size})
		d.finishServeEntry(e)
		if !ok {
			return fmt.Errorf("negative resync data reply: %w", errSendFailed)
		}
		return nil
	}

	d.mu.Lock()
	peerUsable := d.state.PeerDisk >= DiskInconsistent
	d.mu.Unlock()
	if !peerUsable {
		d.log.Error().Msg("not sending resync data reply, partner diskless")
		d.finishServeEntry(e)
		return nil
	}

	msg := &Message{Type: MsgRSDataReply, ID: e.corr, Sector: e.sector, Size: e.size, Data: e.data}
	if !d.sendEntryData(e, msg) {
		return fmt.Errorf("resync data reply: %w", errSendFailed)
	}
	return nil
}

// endCsumRSRequest compares the peer's digest against the locally read data:
// a match elides the transfer, a mismatch ships the data.
func (d *Device) endCsumRSRequest(e *extentEntry, cancel bool) error {
	if cancel {
		d.finishServeEntry(e)
		return nil
	}

	di := e.di
	if e.err != nil || di == nil {
		d.log.Error().Uint64("sector", e.sector).Msg("sending negative resync data reply for checksum request")
		d.localIOError(e.err)
		ok := d.tr.Send(&Message{Type: MsgNegRSDataReply, ID: e.corr, Sector: e.sector, Size: e.size})
		d.finishServeEntry(e)
		if !ok {
			return fmt.Errorf("negative checksum reply: %w", errSendFailed)
		}
		return nil
	}

	digest := d.dig.Sum(e.data)
	if bytes.Equal(digest, di.digest) {
		d.mu.Lock()
		d.setInSyncLocked(e.sector, e.size)
		d.rsSameCsum += uint64(e.size / d.blockSize)
		d.mu.Unlock()
		ok := d.tr.Send(&Message{Type: MsgRSIsInSync, ID: e.corr, Sector: e.sector, Size: e.size})
		d.finishServeEntry(e)
		if !ok {
			return fmt.Errorf("in-sync reply: %w", errSendFailed)
		}
		return nil
	}

	msg := &Message{Type: MsgRSDataReply, ID: e.corr, Sector: e.sector, Size: e.size, Data: e.data}
	if !d.sendEntryData(e, msg) {
		return fmt.Errorf("resync data reply after checksum mismatch: %w", errSendFailed)
	}
	return nil
}

// reissueEntry resubmits a write whose ordering barrier the backing store
// rejected, now under the degraded write-ordering strategy.
func (d *Device) reissueEntry(e *extentEntry, cancel bool) error {
	if cancel {
		d.finishServeEntry(e)
		return nil
	}

	d.mu.Lock()
	e.barrier = false
	d.moveEntryLocked(e, listActive)
	d.mu.Unlock()

	d.localIO.Submit(e.sector, e.size, IOWrite, e.data, func(_ []byte, err error) {
		d.onWriteDone(e, err)
	})
	return nil
}
