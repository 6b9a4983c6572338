package replication

import "fmt"

// QueueWrite schedules a mirrored application write for the worker to send
// to the peer.
func (d *Device) QueueWrite(req *Request) {
	d.queue.enqueue(&workItem{kind: workSendWrite, req: req})
}

// QueueRead schedules a remote read request, used when the local disk is
// detached or diskless.
func (d *Device) QueueRead(req *Request) {
	d.queue.enqueue(&workItem{kind: workSendRead, req: req})
}

// QueueReadRetryRemote schedules a peer-side retry of a read that failed
// locally. The request state machine calls this after classifying the local
// failure.
func (d *Device) QueueReadRetryRemote(req *Request) {
	d.queue.enqueue(&workItem{kind: workReadRetryRemote, req: req})
}

// sendWrite ships a mirrored application write. On success the request is
// handed over to the peer and its completion arrives through the ack path.
func (d *Device) sendWrite(req *Request, cancel bool) error {
	if cancel {
		d.mu.Lock()
		d.requests.Mod(req, ReqSendCanceled)
		d.mu.Unlock()
		return nil
	}

	msg := &Message{Type: MsgData, ID: req.ID, Sector: req.Sector, Size: req.Size, Data: req.Data}
	ok := d.tr.Send(msg)

	d.mu.Lock()
	if ok {
		d.pendingReqs[req.ID] = req
		d.requests.Mod(req, ReqHandedOver)
	} else {
		d.requests.Mod(req, ReqSendFailed)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("mirrored write for sector %d: %w", req.Sector, errSendFailed)
	}
	return nil
}

// sendRead ships a remote read request.
func (d *Device) sendRead(req *Request, cancel bool) error {
	if cancel {
		d.mu.Lock()
		d.requests.Mod(req, ReqSendCanceled)
		d.mu.Unlock()
		return nil
	}

	msg := &Message{Type: MsgDataRequest, ID: req.ID, Sector: req.Sector, Size: req.Size}
	ok := d.tr.Send(msg)

	d.mu.Lock()
	if ok {
		d.pendingReqs[req.ID] = req
		d.requests.Mod(req, ReqHandedOver)
	} else {
		d.requests.Mod(req, ReqSendFailed)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("read request for sector %d: %w", req.Sector, errSendFailed)
	}
	return nil
}

// readRetryRemote retries a locally failed read on the peer, provided the
// connection is up and the peer still has usable data. Without either, the
// request is lost and completed as canceled.
func (d *Device) readRetryRemote(req *Request, cancel bool) error {
	d.mu.Lock()
	st := d.state
	if cancel || st.Conn < ConnConnected || st.PeerDisk <= DiskInconsistent {
		d.requests.Mod(req, ReqSendCanceled)
		d.mu.Unlock()
		if !cancel {
			d.log.Error().
				Uint64("sector", req.Sector).
				Msg("local read failed and no usable peer to retry on")
		}
		return nil
	}
	d.mu.Unlock()

	return d.sendRead(req, false)
}

// takePendingReq claims the application request awaiting the given reply id.
func (d *Device) takePendingReq(id uint64) *Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := d.pendingReqs[id]
	if req != nil {
		delete(d.pendingReqs, id)
	}
	return req
}
