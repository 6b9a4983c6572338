package replication

import "fmt"

// WriteOrdering is the strategy used to order epochs against the backing
// store, strongest first. The engine starts at the strongest and degrades
// when the backing store rejects the primitive.
type WriteOrdering uint8

const (
	WriteOrderingNone WriteOrdering = iota
	WriteOrderingDrain
	WriteOrderingFlush
	WriteOrderingBarrier
)

var orderingNames = map[WriteOrdering]string{
	WriteOrderingNone:    "none",
	WriteOrderingDrain:   "drain",
	WriteOrderingFlush:   "flush",
	WriteOrderingBarrier: "barrier",
}

func (w WriteOrdering) String() string { return orderingNames[w] }

// bumpWriteOrderingLocked degrades the write-ordering strategy to at most
// max. Escalation only ever goes downward; a strategy once found unsupported
// is never retried.
func (d *Device) bumpWriteOrderingLocked(max WriteOrdering) {
	if d.writeOrdering <= max {
		return
	}
	d.writeOrdering = max
	d.log.Warn().Str("method", max.String()).Msg("degraded write ordering method")
}

// WriteOrderingMethod returns the current ordering strategy.
func (d *Device) WriteOrderingMethod() WriteOrdering {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeOrdering
}

// QueueBarrier closes the current epoch and queues the ordering marker for
// the worker to send. The epoch counts as pending until the peer confirms
// it.
func (d *Device) QueueBarrier() uint64 {
	d.mu.Lock()
	d.epoch++
	n := d.epoch
	d.mu.Unlock()

	d.apPending.Add(1)
	d.queue.enqueue(&workItem{kind: workBarrier, epoch: n})
	return n
}

// sendBarrier sends a queued epoch marker. Skipped when the connection is
// down; the epoch's pending count is released either way so teardown never
// waits on a marker that cannot be confirmed.
func (d *Device) sendBarrier(w *workItem, cancel bool) error {
	if cancel || d.State().Conn < ConnConnected {
		d.apPending.Add(-1)
		return nil
	}

	if !d.tr.Send(&Message{Type: MsgBarrier, Epoch: w.epoch}) {
		d.apPending.Add(-1)
		return fmt.Errorf("barrier for epoch %d: %w", w.epoch, errSendFailed)
	}
	return nil
}

// sendBarrierAck confirms a peer barrier once our active writes drained.
// Best effort: a lost ack surfaces on the peer as a stuck epoch, which its
// connection teardown resolves.
func (d *Device) sendBarrierAck(epoch uint64) {
	if !d.tr.Send(&Message{Type: MsgBarrierAck, Epoch: epoch}) {
		d.log.Warn().Uint64("epoch", epoch).Msg("barrier ack send failed")
	}
}

// PendingEpochs returns the number of epochs not yet confirmed by the peer.
func (d *Device) PendingEpochs() int64 {
	return d.apPending.Load()
}
