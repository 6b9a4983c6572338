package replication

import (
	"bytes"
	"fmt"
)

// makeVerifyRequests is the online-verify counterpart of the resync
// generator: it walks sectors from the verify cursor up to capacity, asking
// the peer for live digests, without consulting the bitmap.
func (d *Device) makeVerifyRequests(cancel bool) error {
	if cancel {
		return nil
	}

	d.mu.Lock()
	if d.state.Conn < ConnConnected {
		d.mu.Unlock()
		return fmt.Errorf("verify generator ran with connection state %s", d.state.Conn)
	}

	number := d.requestBudget()
	if number <= 0 {
		d.armTimerLocked()
		d.mu.Unlock()
		return nil
	}

	sector := d.ovPosition
	for i := 0; i < number; i++ {
		size := d.blockSize

		if err := d.tryClaimLocked(sector, size); err != nil {
			d.ovPosition = sector
			d.armTimerLocked()
			d.mu.Unlock()
			return nil
		}

		if sector+uint64(size)/sectorSize > d.capacity {
			size = int((d.capacity - sector) * sectorSize)
			d.claims[sector] = size
		}

		d.rsPending.Add(1)
		id := d.msgID()
		d.mu.Unlock()

		if !d.tr.Send(&Message{Type: MsgOVRequest, ID: id, Sector: sector, Size: size}) {
			d.rsPending.Add(-1)
			d.mu.Lock()
			d.completeClaimLocked(sector)
			d.mu.Unlock()
			return fmt.Errorf("verify request for sector %d: %w", sector, errSendFailed)
		}

		d.mu.Lock()
		sector += d.sectorsPerBlock
		if sector >= d.capacity {
			d.ovPosition = sector
			d.resyncWork.kind = workResyncInactive
			d.mu.Unlock()
			return nil
		}
	}
	d.ovPosition = sector

	d.armTimerLocked()
	d.mu.Unlock()
	return nil
}

// endOVRequest runs on the verify target after the local read for the
// peer's digest request completed: digest the data and send it back.
func (d *Device) endOVRequest(e *extentEntry, cancel bool) error {
	if cancel {
		d.finishServeEntry(e)
		return nil
	}

	var sendErr error
	if e.err == nil {
		digest := d.dig.Sum(e.data)
		msg := &Message{Type: MsgOVReply, ID: e.corr, Sector: e.sector, Size: e.size, Digest: digest}
		if d.tr.Send(msg) {
			d.rsPending.Add(1)
		} else {
			sendErr = fmt.Errorf("verify digest reply for sector %d: %w", e.sector, errSendFailed)
		}
	} else {
		d.localIOError(e.err)
	}

	d.finishServeEntry(e)
	return sendErr
}

// endOVReply runs on the verify source after the local read matching a peer
// digest completed: compare digests, record divergence, report the result,
// and finalize the session once the last range is processed.
func (d *Device) endOVReply(e *extentEntry, cancel bool) error {
	if cancel {
		d.finishServeEntry(e)
		return nil
	}

	d.mu.Lock()
	d.completeClaimLocked(e.sector)
	d.mu.Unlock()

	eq := false
	if e.err == nil {
		if e.di != nil {
			digest := d.dig.Sum(e.data)
			eq = bytes.Equal(digest, e.di.digest)
		}
	} else {
		d.localIOError(e.err)
	}

	d.mu.Lock()
	if !eq {
		d.ovFoundOOSLocked(e.sector, e.size)
	} else {
		d.ovLogOOSLocked()
	}
	var finished bool
	if d.ovLeft > 0 {
		d.ovLeft--
		finished = d.ovLeft == 0
	}
	if finished {
		d.ovLogOOSLocked()
	}
	d.freeEntryLocked(e)
	d.mu.Unlock()
	d.unacked.Add(-1)

	ok := d.tr.Send(&Message{Type: MsgOVResult, ID: e.corr, Sector: e.sector, Size: e.size, InSync: eq})

	if finished {
		d.queue.enqueue(&workItem{kind: workResyncFinished})
	}
	if !ok {
		return fmt.Errorf("verify result for sector %d: %w", e.sector, errSendFailed)
	}
	return nil
}

// ovFoundOOSLocked marks a mismatched range out of sync and merges it with
// an immediately adjacent prior mismatch into one running range for
// reporting. Newly set bits must be persisted even if the session's metadata
// write later fails, hence the sticky rewrite flag.
func (d *Device) ovFoundOOSLocked(sector uint64, size int) {
	sectors := uint64(size) / sectorSize
	if d.ovLastOOSStart+d.ovLastOOSSize == sector {
		d.ovLastOOSSize += sectors
	} else {
		d.ovLogOOSLocked()
		d.ovLastOOSStart = sector
		d.ovLastOOSSize = sectors
	}
	d.setOutOfSyncLocked(sector, size)
	d.writeBMAfterResync = true
	if d.met != nil {
		d.met.VerifyMismatches.Inc()
	}
}

// ovLogOOSLocked reports and resets the running out-of-sync range.
func (d *Device) ovLogOOSLocked() {
	if d.ovLastOOSSize == 0 {
		return
	}
	d.log.Warn().
		Uint64("sector", d.ovLastOOSStart).
		Uint64("sectors", d.ovLastOOSSize).
		Msg("verify found out-of-sync range")
	d.ovLastOOSStart = 0
	d.ovLastOOSSize = 0
}

// ovResult records a verify outcome on the target side and finalizes when
// the last range was reported. The result also settles the pending count
// raised when the digest reply went out.
func (d *Device) ovResult(sector uint64, size int, inSync bool) {
	d.rsPending.Add(-1)
	d.mu.Lock()
	if !inSync {
		d.ovFoundOOSLocked(sector, size)
	} else {
		d.ovLogOOSLocked()
	}
	var finished bool
	if d.ovLeft > 0 {
		d.ovLeft--
		finished = d.ovLeft == 0
	}
	if finished {
		d.ovLogOOSLocked()
	}
	d.mu.Unlock()

	if finished {
		d.queue.enqueue(&workItem{kind: workResyncFinished})
	}
}
