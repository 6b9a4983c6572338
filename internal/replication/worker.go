package replication

import "errors"

// errSendFailed marks a peer send failure; the worker reacts by forcing the
// connection down so remaining work drains with cancel set.
var errSendFailed = errors.New("send to peer failed")

// Start launches the device's worker and receiver goroutines.
func (d *Device) Start() {
	go d.runWorker()
	go d.runReceiver()
}

// Stop shuts the device down: the worker stops accepting new waits, drains
// the entire remaining queue with cancel set so every queued resource is
// released, then waits for the receiver to exit.
func (d *Device) Stop() {
	close(d.stop)
	<-d.workerDone
}

func (d *Device) runWorker() {
	defer close(d.workerDone)

	for {
		select {
		case <-d.stop:
			d.drainAndExit()
			return
		case <-d.queue.sig:
		}

		w, ok := d.queue.pop()
		if !ok {
			// Signaled ready but nothing to dequeue. Something is wrong in
			// our accounting; retry the wait rather than crash.
			d.log.Error().Msg("work queue signaled ready but empty")
			continue
		}

		cancel := d.State().Conn < ConnConnected
		if err := d.dispatch(w, cancel); err != nil {
			d.log.Warn().Err(err).Int("kind", int(w.kind)).Msg("work callback failed")
			d.forceNetworkFailure()
		}
	}
}

// drainAndExit invokes every remaining work item with cancel set, stops the
// resync timer, and blocks until the receiver path has fully exited.
func (d *Device) drainAndExit() {
	for {
		items := d.queue.drain()
		if len(items) == 0 {
			break
		}
		for _, w := range items {
			if err := d.dispatch(w, true); err != nil {
				d.log.Warn().Err(err).Int("kind", int(w.kind)).Msg("cancel callback failed")
			}
		}
	}

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	<-d.recvDone
	d.log.Info().Msg("worker terminated")
}

// dispatch is the single switch over the closed set of work kinds. The
// cancel flag tells the callback to release resources instead of doing the
// work.
func (d *Device) dispatch(w *workItem, cancel bool) error {
	if d.met != nil {
		d.met.WorkDispatched.Inc()
	}
	switch w.kind {
	case workResyncRequest:
		return d.makeResyncRequests(cancel)
	case workVerifyRequest:
		return d.makeVerifyRequests(cancel)
	case workResyncInactive:
		if !cancel {
			d.log.Error().Msg("resync inactive, but work item dispatched")
		}
		return nil
	case workSendCsum:
		return d.sendCsumRequest(w.entry, cancel)
	case workDataReply:
		return d.endDataRequest(w.entry, cancel)
	case workRSDataReply:
		return d.endRSDataRequest(w.entry, cancel)
	case workCsumReply:
		return d.endCsumRSRequest(w.entry, cancel)
	case workOVDigest:
		return d.endOVRequest(w.entry, cancel)
	case workOVResult:
		return d.endOVReply(w.entry, cancel)
	case workReissue:
		return d.reissueEntry(w.entry, cancel)
	case workSendWrite:
		return d.sendWrite(w.req, cancel)
	case workSendRead:
		return d.sendRead(w.req, cancel)
	case workReadRetryRemote:
		return d.readRetryRemote(w.req, cancel)
	case workBarrier:
		return d.sendBarrier(w, cancel)
	case workResyncFinished:
		return d.resyncFinished()
	default:
		d.log.Error().Int("kind", int(w.kind)).Msg("unknown work kind")
		return nil
	}
}

func (d *Device) runReceiver() {
	defer close(d.recvDone)
	for {
		select {
		case <-d.stop:
			return
		case msg := <-d.recvCh:
			if !d.recvLimit.Allow() {
				d.log.Warn().Str("type", string(msg.Type)).Msg("peer message rate limit exceeded, dropping")
				if d.met != nil {
					d.met.RecvDropped.Inc()
				}
				continue
			}
			d.handleMessage(msg)
		}
	}
}

// Deliver hands a peer message to the receiver context. Called by the
// transport; fails once the device is stopping.
func (d *Device) Deliver(msg *Message) error {
	select {
	case <-d.stop:
		return errors.New("device stopped")
	case d.recvCh <- msg:
		return nil
	}
}
