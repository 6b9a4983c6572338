package replication

// handleMessage runs on the receiver goroutine. It turns peer messages into
// local I/O submissions and bookkeeping; everything that needs the worker's
// ordering guarantees is queued as work instead of done inline.
func (d *Device) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgData:
		d.recvData(msg)
	case MsgWriteAck, MsgNegWriteAck:
		d.recvWriteAck(msg)
	case MsgBarrier:
		d.recvBarrier(msg)
	case MsgBarrierAck:
		d.apPending.Add(-1)
	case MsgDataRequest:
		d.recvServeRead(msg, listRead, workDataReply, MsgNegDataReply, nil)
	case MsgDataReply, MsgNegDataReply:
		d.recvDataReply(msg)
	case MsgRSDataRequest:
		d.recvServeRead(msg, listRead, workRSDataReply, MsgNegRSDataReply, nil)
	case MsgCsumRSRequest:
		d.recvServeRead(msg, listRead, workCsumReply, MsgNegRSDataReply, &digestInfo{digest: msg.Digest})
	case MsgRSDataReply:
		d.recvRSData(msg)
	case MsgNegRSDataReply:
		d.rsPending.Add(-1)
		d.log.Error().Uint64("sector", msg.Sector).Msg("peer could not read resync extent")
		d.resyncBlockDone(msg.Sector, msg.Size, true, false)
	case MsgRSIsInSync:
		d.rsPending.Add(-1)
		d.resyncBlockDone(msg.Sector, msg.Size, false, true)
	case MsgOVRequest:
		d.recvServeRead(msg, listRead, workOVDigest, "", nil)
	case MsgOVReply:
		d.recvOVReply(msg)
	case MsgOVResult:
		d.ovResult(msg.Sector, msg.Size, msg.InSync)
	case MsgSyncUUID:
		d.mu.Lock()
		d.peerGenID = &GenerationIDs{Current: msg.GenID, Bitmap: msg.GenID}
		d.mu.Unlock()
		d.log.Debug().Str("gen", msg.GenID.String()).Msg("peer announced sync generation")
	default:
		d.log.Error().Str("type", string(msg.Type)).Msg("unknown peer message")
	}
}

// recvData absorbs a mirrored application write from the peer.
func (d *Device) recvData(msg *Message) {
	d.mu.Lock()
	if d.state.Disk < DiskInconsistent {
		d.mu.Unlock()
		d.log.Error().Uint64("sector", msg.Sector).Msg("cannot absorb write without usable disk")
		d.tr.Send(&Message{Type: MsgNegWriteAck, ID: msg.ID, Sector: msg.Sector, Size: msg.Size})
		return
	}
	e, err := d.allocEntryLocked(msg.Sector, msg.Size, listActive)
	if err != nil {
		d.mu.Unlock()
		d.log.Warn().Err(err).Uint64("sector", msg.Sector).Msg("rejecting mirrored write")
		d.tr.Send(&Message{Type: MsgNegWriteAck, ID: msg.ID, Sector: msg.Sector, Size: msg.Size})
		return
	}
	e.corr = msg.ID
	e.data = msg.Data
	e.accounted = true
	e.barrier = msg.Barrier && d.writeOrdering == WriteOrderingBarrier
	d.mu.Unlock()
	d.unacked.Add(1)

	d.localIO.Submit(e.sector, e.size, IOWrite, e.data, func(_ []byte, werr error) {
		d.onWriteDone(e, werr)
	})
}

// recvWriteAck completes a mirrored application write on the origin side. A
// negative ack additionally dirties the range so a later resync repairs it.
func (d *Device) recvWriteAck(msg *Message) {
	req := d.takePendingReq(msg.ID)
	if req == nil {
		d.log.Warn().Uint64("id", msg.ID).Msg("write ack for unknown request")
		return
	}
	d.mu.Lock()
	if msg.Type == MsgNegWriteAck {
		d.setOutOfSyncLocked(msg.Sector, msg.Size)
		d.requests.Mod(req, ReqWriteFailed)
	} else {
		d.requests.Mod(req, ReqCompletedOK)
	}
	d.mu.Unlock()
}

// recvBarrier confirms a peer epoch marker once every write absorbed before
// it has completed.
func (d *Device) recvBarrier(msg *Message) {
	d.mu.Lock()
	drained := d.activeEE.empty()
	if !drained {
		d.pendingBarrierEpochs = append(d.pendingBarrierEpochs, msg.Epoch)
	}
	d.mu.Unlock()
	if drained {
		d.sendBarrierAck(msg.Epoch)
	}
}

// recvServeRead starts a local read to serve a peer request and hands the
// completion to the worker as the given work kind. neg is the negative
// reply type sent on allocation failure ("" when the protocol has none).
func (d *Device) recvServeRead(msg *Message, list listID, next workKind, neg MessageType, di *digestInfo) {
	d.mu.Lock()
	e, err := d.allocEntryLocked(msg.Sector, msg.Size, list)
	if err != nil {
		d.mu.Unlock()
		d.log.Warn().Err(err).Uint64("sector", msg.Sector).Msg("cannot serve peer read")
		if neg != "" {
			d.tr.Send(&Message{Type: neg, ID: msg.ID, Sector: msg.Sector, Size: msg.Size})
		}
		return
	}
	e.corr = msg.ID
	e.di = di
	d.mu.Unlock()
	d.unacked.Add(1)

	d.localIO.Submit(e.sector, e.size, IORead, nil, func(data []byte, rerr error) {
		d.onReadDone(e, data, rerr, next)
	})
}

// recvDataReply completes a remote read issued for a detached local disk.
func (d *Device) recvDataReply(msg *Message) {
	req := d.takePendingReq(msg.ID)
	if req == nil {
		d.log.Warn().Uint64("id", msg.ID).Msg("data reply for unknown request")
		return
	}
	d.mu.Lock()
	if msg.Type == MsgNegDataReply {
		d.requests.Mod(req, ReqReadFailed)
	} else {
		req.Data = msg.Data
		d.requests.Mod(req, ReqCompletedOK)
	}
	d.mu.Unlock()
}

// recvRSData writes received resync data to the local disk. The range is
// accounted when the write completes.
func (d *Device) recvRSData(msg *Message) {
	d.rsPending.Add(-1)

	d.mu.Lock()
	e, err := d.allocEntryLocked(msg.Sector, msg.Size, listSync)
	if err != nil {
		d.mu.Unlock()
		d.log.Warn().Err(err).Uint64("sector", msg.Sector).Msg("dropping resync data")
		d.resyncBlockDone(msg.Sector, msg.Size, true, false)
		return
	}
	e.data = msg.Data
	e.accounted = true
	d.mu.Unlock()

	d.localIO.Submit(e.sector, e.size, IOWrite, e.data, func(_ []byte, werr error) {
		d.onWriteDone(e, werr)
	})
}

// recvOVReply starts the local read whose digest is compared against the
// peer's live digest on the verify source.
func (d *Device) recvOVReply(msg *Message) {
	d.rsPending.Add(-1)
	d.recvServeRead(msg, listRead, workOVResult, "", &digestInfo{digest: msg.Digest})
}
