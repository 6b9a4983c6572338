package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blocksync/blocksync/pkg/bytesize"
)

// StartResync begins a resynchronisation session with this device as the
// given side. The target walks the bitmap and pulls data; the source
// announces a fresh bitmap generation and serves requests.
func (d *Device) StartResync(side ConnState) error {
	if side != ConnSyncSource && side != ConnSyncTarget {
		return fmt.Errorf("cannot start resync as %s", side)
	}

	if side == ConnSyncTarget && d.helper != nil {
		status, err := d.helper.Run(d.name, EventBeforeResyncTarget)
		if err != nil {
			d.log.Warn().Err(err).Msg("before-resync-target handler failed")
		}
		if status > 0 {
			d.log.Error().Int("status", status).Msg("before-resync-target handler vetoed the sync")
			d.ForceState(func(s State) State {
				s.Conn = ConnDisconnecting
				return s
			})
			return fmt.Errorf("before-resync-target handler returned %d", status)
		}
	}

	var syncMsg *Message
	if d.registry != nil {
		d.registry.gl.Lock()
	}
	d.mu.Lock()

	d.cancelAllClaimsLocked()
	d.bm.Recount()

	os := d.state
	ns := os
	ns.Conn = side
	if side == ConnSyncTarget {
		ns.Disk = DiskInconsistent
		d.resyncNext = 0
	} else {
		ns.PeerDisk = DiskInconsistent
		d.genID.Bitmap = uuid.New()
		syncMsg = &Message{Type: MsgSyncUUID, GenID: d.genID.Bitmap}
	}
	if d.registry != nil && !d.registry.maySyncNow(d) {
		ns.DepPaused = true
	}

	if err := validateTransition(os, ns); err != nil && !errors.Is(err, ErrNothingToDo) {
		d.mu.Unlock()
		if d.registry != nil {
			d.registry.gl.Unlock()
		}
		return fmt.Errorf("starting resync as %s: %w", side, err)
	}
	d.setStateLocked(ns)

	d.rsTotal = d.bm.Weight()
	d.rsLeft = d.rsTotal
	d.rsFailed = 0
	d.rsSameCsum = 0
	d.rsPaused = 0
	d.rsStart = time.Now()
	d.stopSyncTimer = false
	total := d.rsTotal
	d.mu.Unlock()

	if d.registry != nil {
		// Sibling devices running after this one must pause now.
		d.registry.pauseAfter()
		d.registry.gl.Unlock()
	}

	d.log.Info().
		Str("side", side.String()).
		Str("amount", bytesize.Format(int64(total)*int64(d.blockSize))).
		Msg("began resynchronisation")

	if syncMsg != nil && !d.tr.Send(syncMsg) {
		return fmt.Errorf("sync generation announcement: %w", errSendFailed)
	}

	if total == 0 {
		d.queue.enqueue(&workItem{kind: workResyncFinished})
	} else if side == ConnSyncTarget {
		d.mu.Lock()
		d.resyncWork.kind = workResyncRequest
		d.mu.Unlock()
		d.queue.enqueue(&d.resyncWork)
	}

	return d.syncMeta()
}

// StartVerify begins an online-verify session with this device as the
// source, starting at the given sector.
func (d *Device) StartVerify(from uint64) error {
	if err := d.ChangeState(func(s State) State {
		s.Conn = ConnVerifySource
		return s
	}); err != nil {
		return fmt.Errorf("starting verify: %w", err)
	}
	d.beginVerifySession(from)

	d.mu.Lock()
	d.resyncWork.kind = workVerifyRequest
	d.mu.Unlock()
	d.queue.enqueue(&d.resyncWork)
	return nil
}

// BeginVerifyTarget mirrors the source's session setup on the target side,
// called when the peer announces a verify run.
func (d *Device) BeginVerifyTarget(from uint64) error {
	if err := d.ChangeState(func(s State) State {
		s.Conn = ConnVerifyTarget
		return s
	}); err != nil {
		return fmt.Errorf("starting verify target: %w", err)
	}
	d.beginVerifySession(from)
	return nil
}

func (d *Device) beginVerifySession(from uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ovPosition = from
	blocks := (d.capacity - from + d.sectorsPerBlock - 1) / d.sectorsPerBlock
	d.ovLeft = blocks
	d.rsTotal = blocks
	d.rsFailed = 0
	d.rsPaused = 0
	d.rsStart = time.Now()
	d.stopSyncTimer = false
	d.ovLastOOSStart = 0
	d.ovLastOOSSize = 0
}

// resyncFinished finalizes a resync or verify session: reports throughput,
// settles the disk-state pair, adopts generation identifiers, persists
// metadata, notifies the helper hook, and resumes dependent devices.
// Requeued as long as claimed extents are still in flight, so bookkeeping
// never races an outstanding request.
func (d *Device) resyncFinished() error {
	d.mu.Lock()
	if len(d.claims) > 0 {
		d.mu.Unlock()
		time.AfterFunc(d.tick, func() {
			d.queue.enqueue(&workItem{kind: workResyncFinished})
		})
		return nil
	}

	os := d.state
	if !os.Conn.Syncing() {
		// Already finalized; only reset the session counters.
		d.resetSessionLocked()
		d.mu.Unlock()
		return nil
	}

	dt := time.Since(d.rsStart) - d.rsPaused
	if dt <= 0 {
		dt = time.Second
	}
	db := int64(d.rsTotal) * int64(d.blockSize)
	rate := db * int64(time.Second) / int64(dt)

	verify := os.Conn.Verify()
	target := os.Conn == ConnSyncTarget || os.Conn == ConnPausedSyncTarget
	nOOS := d.bm.Weight()

	ns := os
	ns.Conn = ConnConnected

	var event string
	switch {
	case verify:
		if nOOS > 0 {
			event = EventOutOfSync
		}
	default:
		if nOOS != d.rsFailed {
			d.log.Error().
				Uint64("out_of_sync", nOOS).
				Uint64("failed", d.rsFailed).
				Msg("bitmap weight and failed count disagree after resync")
		}
		if target {
			event = EventAfterResyncTarget
		}
		if d.checksums && d.rsTotal > 0 {
			d.log.Info().
				Uint64("total", d.rsTotal).
				Uint64("elided", d.rsSameCsum).
				Msg("checksum resync statistics")
		}
	}

	if !verify {
		if d.rsFailed > 0 {
			if target {
				ns.Disk = DiskInconsistent
				ns.PeerDisk = DiskUpToDate
			} else {
				ns.Disk = DiskUpToDate
				ns.PeerDisk = DiskInconsistent
			}
		} else {
			ns.Disk = DiskUpToDate
			ns.PeerDisk = DiskUpToDate
			if target && d.peerGenID != nil {
				// Adopt the source's generation: the replicas now hold the
				// same data.
				d.genID.History[1] = d.genID.History[0]
				d.genID.History[0] = d.genID.Current
				d.genID.Current = d.peerGenID.Current
			}
			d.genID.Bitmap = uuid.Nil
		}
	}

	d.setStateLocked(ns)

	failed, elided := d.rsFailed, d.rsSameCsum
	writeBM := d.writeBMAfterResync
	d.writeBMAfterResync = false
	d.resetSessionLocked()
	d.bm.Recount()
	d.mu.Unlock()

	d.log.Info().
		Bool("verify", verify).
		Str("throughput", bytesize.Format(rate)+"/s").
		Dur("elapsed", dt).
		Uint64("failed", failed).
		Uint64("elided", elided).
		Msg("session finished")
	if d.met != nil {
		d.met.SessionsFinished.Inc()
		d.met.SessionSeconds.Observe(dt.Seconds())
	}

	if writeBM {
		d.log.Warn().Msg("persisting bitmap changes found by the session")
	}

	if d.registry != nil {
		d.registry.ResumeNext()
	}

	if event != "" && d.helper != nil {
		if _, err := d.helper.Run(d.name, event); err != nil {
			d.log.Warn().Err(err).Str("event", event).Msg("helper hook failed")
		}
	}

	return d.syncMeta()
}

// resetSessionLocked clears the per-session progress counters, and raises
// the stop-sync-timer flag so a tick already in flight lands as a no-op.
func (d *Device) resetSessionLocked() {
	d.rsTotal = 0
	d.rsLeft = 0
	d.rsFailed = 0
	d.rsSameCsum = 0
	d.rsPaused = 0
	d.pausedSince = time.Time{}
	d.ovLeft = 0
	d.stopSyncTimer = true
}
