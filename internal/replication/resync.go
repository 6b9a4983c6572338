package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/blocksync/blocksync/internal/bitmap"
)

var (
	errClaimBusy     = errors.New("extent already claimed")
	errClaimCapacity = errors.New("claim table full")
)

// tryClaimLocked begins a resync claim covering size bytes at sector.
// Concurrent claims overlapping the range are rejected; a full table counts
// as transient resource exhaustion.
func (d *Device) tryClaimLocked(sector uint64, size int) error {
	if len(d.claims) >= d.maxClaims {
		return errClaimCapacity
	}
	end := sector + uint64(size)/sectorSize
	for s, sz := range d.claims {
		if s < end && sector < s+uint64(sz)/sectorSize {
			return errClaimBusy
		}
	}
	d.claims[sector] = size
	return nil
}

func (d *Device) completeClaimLocked(sector uint64) {
	delete(d.claims, sector)
}

// cancelAllClaimsLocked discards every claim, used when a session is aborted
// or a new one starts after an abort.
func (d *Device) cancelAllClaimsLocked() {
	if n := len(d.claims); n > 0 {
		d.log.Debug().Int("claims", n).Msg("cancelled stale resync claims")
	}
	d.claims = make(map[uint64]int)
}

// armTimerLocked schedules the next generator tick.
func (d *Device) armTimerLocked() {
	if d.timer == nil {
		d.timer = time.AfterFunc(d.tick, d.resyncTimerFired)
		return
	}
	d.timer.Reset(d.tick)
}

// resyncTimerFired re-queues the generator work item at a tick boundary,
// unless the stop-sync-timer flag was raised in the meantime.
func (d *Device) resyncTimerFired() {
	select {
	case <-d.stop:
		return
	default:
	}

	d.mu.Lock()
	if d.stopSyncTimer {
		d.stopSyncTimer = false
		d.resyncWork.kind = workResyncInactive
		d.mu.Unlock()
		return
	}
	if d.state.Conn == ConnVerifySource {
		d.resyncWork.kind = workVerifyRequest
	} else {
		d.resyncWork.kind = workResyncRequest
	}
	d.mu.Unlock()

	d.queue.enqueue(&d.resyncWork)
}

// requestBudget computes how many blocks this tick may issue, after
// subtracting requests still outstanding. Non-positive means reschedule
// without new I/O.
func (d *Device) requestBudget() int {
	number := int(d.syncRate * int64(d.tick) / int64(time.Second) / int64(d.blockSize))
	return number - int(d.rsPending.Load())
}

// makeResyncRequests is the resync request generator: one pass per tick
// while this device is the sync target, walking the bitmap and issuing up to
// the rate budget of read/transfer requests.
func (d *Device) makeResyncRequests(cancel bool) error {
	if cancel {
		return nil
	}

	d.mu.Lock()
	if d.state.Conn < ConnConnected {
		d.mu.Unlock()
		return fmt.Errorf("resync generator ran with connection state %s", d.state.Conn)
	}
	if d.state.Conn != ConnSyncTarget {
		d.log.Error().Str("conn", d.state.Conn.String()).Msg("resync generator ran in unexpected state")
	}
	if d.state.Disk < DiskInconsistent {
		// Continuing resync with a broken disk makes no sense.
		d.log.Error().Msg("disk broke down during resync")
		d.resyncWork.kind = workResyncInactive
		d.mu.Unlock()
		return nil
	}

	if d.state.Paused() {
		// A paused target keeps ticking without issuing requests, so it
		// resumes within one tick of the pause lifting.
		d.armTimerLocked()
		d.mu.Unlock()
		return nil
	}

	number := d.requestBudget()
	if number <= 0 {
		d.armTimerLocked()
		d.mu.Unlock()
		return nil
	}

	for i := 0; i < number; i++ {
		sector, size, status := d.nextResyncExtentLocked(&i)
		switch status {
		case extentDone:
			d.resyncWork.kind = workResyncInactive
			d.mu.Unlock()
			return nil
		case extentRequeue:
			d.armTimerLocked()
			d.mu.Unlock()
			return nil
		}

		useCsum := d.checksums && d.tr.ProtocolVersion() >= csumProtocolVersion
		if useCsum {
			e, err := d.allocEntryLocked(sector, size, listRead)
			if err != nil {
				// Transient exhaustion: roll the cursor back to the start of
				// the failed extent and reschedule.
				d.completeClaimLocked(sector)
				d.resyncNext = sector / d.sectorsPerBlock
				d.armTimerLocked()
				d.mu.Unlock()
				return nil
			}
			d.mu.Unlock()

			d.localIO.Submit(sector, size, IORead, nil, func(data []byte, err error) {
				d.onReadDone(e, data, err, workSendCsum)
			})
		} else {
			d.rsPending.Add(1)
			id := d.msgID()
			d.mu.Unlock()

			if !d.tr.Send(&Message{Type: MsgRSDataRequest, ID: id, Sector: sector, Size: size}) {
				d.rsPending.Add(-1)
				d.mu.Lock()
				d.completeClaimLocked(sector)
				d.mu.Unlock()
				return fmt.Errorf("resync data request for sector %d: %w", sector, errSendFailed)
			}
		}
		d.mu.Lock()
	}

	if d.resyncNext >= d.bm.Bits() {
		// The last request of the session went out; the session ends when
		// the last reply clears the last bit.
		d.resyncWork.kind = workResyncInactive
		d.mu.Unlock()
		return nil
	}

	d.armTimerLocked()
	d.mu.Unlock()
	return nil
}

type extentStatus uint8

const (
	extentOK extentStatus = iota
	extentDone
	extentRequeue
)

// nextResyncExtentLocked finds, claims, and greedily extends the next dirty
// extent at or after the cursor. Bits cleared between find and claim lose
// the race silently and are skipped without consuming budget. The budget
// counter i is advanced for every merged block.
func (d *Device) nextResyncExtentLocked(i *int) (sector uint64, size int, status extentStatus) {
	var bit uint64
	for {
		size = d.blockSize
		bit = d.bm.NextSet(d.resyncNext)
		if bit == bitmap.NoBit {
			d.resyncNext = d.bm.Bits()
			return 0, 0, extentDone
		}
		sector = bit * d.sectorsPerBlock

		if err := d.tryClaimLocked(sector, size); err != nil {
			d.resyncNext = bit
			return 0, 0, extentRequeue
		}
		d.resyncNext = bit + 1

		if !d.bm.Test(bit) {
			// Raced with an application write or a peer update; the claim
			// loses silently and the block does not count against budget.
			d.completeClaimLocked(sector)
			continue
		}
		break
	}

	// Greedily merge adjacent dirty bits, respecting alignment, the maximum
	// transfer size, and bitmap extent boundaries.
	align := 1
	start := bit
	for {
		if size+d.blockSize > d.maxExtentSize {
			break
		}
		if sector&((1<<(align+3))-1) != 0 {
			break
		}
		if (bit+1)%blocksPerBmExt == 0 {
			break
		}
		if !d.bm.Test(bit + 1) {
			break
		}
		bit++
		size += d.blockSize
		if d.blockSize<<align <= size {
			align++
		}
		*i++
	}
	if bit > start {
		d.resyncNext = bit + 1
		d.claims[sector] = size
	}

	// Clamp the very last extent to device capacity.
	if sector+uint64(size)/sectorSize > d.capacity {
		size = int((d.capacity - sector) * sectorSize)
		d.claims[sector] = size
	}
	return sector, size, extentOK
}

// sendCsumRequest digests a locally read extent and sends the checksum
// comparison request instead of asking for the data.
func (d *Device) sendCsumRequest(e *extentEntry, cancel bool) error {
	if cancel {
		d.mu.Lock()
		d.completeClaimLocked(e.sector)
		d.freeEntryLocked(e)
		d.mu.Unlock()
		return nil
	}

	if e.err != nil {
		// The target's own disk failed under the digest read. Account the
		// block so the session settles, then report the failure so the
		// connection comes down instead of parking in SyncTarget.
		readErr := e.err
		d.localIOError(readErr)
		sector, size := e.sector, e.size
		d.mu.Lock()
		d.freeEntryLocked(e)
		d.mu.Unlock()
		d.resyncBlockDone(sector, size, true, false)
		return fmt.Errorf("digest read for sector %d: %w", sector, readErr)
	}

	digest := d.dig.Sum(e.data)
	d.rsPending.Add(1)
	msg := &Message{Type: MsgCsumRSRequest, ID: d.msgID(), Sector: e.sector, Size: e.size, Digest: digest}

	d.mu.Lock()
	d.freeEntryLocked(e)
	d.mu.Unlock()

	if !d.tr.Send(msg) {
		d.rsPending.Add(-1)
		d.mu.Lock()
		d.completeClaimLocked(e.sector)
		d.mu.Unlock()
		return fmt.Errorf("checksum request for sector %d: %w", e.sector, errSendFailed)
	}
	return nil
}

// resyncBlockDone accounts one answered resync range on the sync target:
// elided by checksum, transferred, or failed. It releases the claim and
// fires session finalization when the last range is resolved.
func (d *Device) resyncBlockDone(sector uint64, size int, failed, elided bool) {
	blocks := uint64(size / d.blockSize)
	if blocks == 0 {
		blocks = 1
	}

	d.mu.Lock()
	d.completeClaimLocked(sector)
	switch {
	case failed:
		d.rsFailed += blocks
		if d.met != nil {
			d.met.BlocksFailed.Add(float64(blocks))
		}
	case elided:
		d.setInSyncLocked(sector, size)
		d.rsSameCsum += blocks
		if d.met != nil {
			d.met.BlocksElided.Add(float64(blocks))
		}
	default:
		d.setInSyncLocked(sector, size)
		if d.met != nil {
			d.met.BlocksSynced.Add(float64(blocks))
		}
	}
	if blocks > d.rsLeft {
		blocks = d.rsLeft
	}
	d.rsLeft -= blocks

	finished := d.rsLeft == 0 && d.state.Conn.Syncing() && !d.state.Conn.Verify()
	d.mu.Unlock()

	if finished {
		d.queue.enqueue(&workItem{kind: workResyncFinished})
	}
}

// localIOError applies the device-level I/O error policy: detach the local
// disk. Never silently ignored.
func (d *Device) localIOError(err error) {
	if err == nil {
		return
	}
	d.log.Error().Err(err).Msg("local disk I/O error, detaching")
	if d.met != nil {
		d.met.LocalIOErrors.Inc()
	}
	d.ForceState(func(s State) State {
		if s.Disk > DiskFailed {
			s.Disk = DiskFailed
		}
		return s
	})
}
