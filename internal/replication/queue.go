package replication

import "sync"

// workKind is the closed set of deferred actions the worker dispatches.
type workKind uint8

const (
	workNone workKind = iota

	// Generator passes, carried by the device's singleton resync work item.
	workResyncRequest
	workVerifyRequest
	workResyncInactive

	// Entry-based work.
	workSendCsum     // local read done: digest it, send checksum request
	workDataReply    // answer the peer's data request
	workRSDataReply  // answer the peer's resync data request
	workCsumReply    // compare the peer's digest, reply in-sync or data
	workOVDigest     // compute and send our live digest (verify target)
	workOVResult     // compare the peer's digest with ours (verify source)
	workReissue      // resubmit a write after ordering escalation

	// Request-based work.
	workSendWrite       // send a mirrored application write
	workSendRead        // send a remote read request
	workReadRetryRemote // retry a failed local read on the peer

	workBarrier        // send an epoch ordering marker
	workResyncFinished // finalize the session
)

// workItem is a queued deferred action: a tagged kind plus exactly the data
// that kind needs. An item resides in the queue at most once; the queued
// flag guards singleton re-enqueues.
type workItem struct {
	kind   workKind
	entry  *extentEntry
	req    *Request
	epoch  uint64
	queued bool
}

// workQueue is the per-device FIFO of work items. The slice is guarded by
// mu; sig is a counting semaphore matching the queue length, so the worker's
// successful wait implies a dequeueable item.
type workQueue struct {
	mu    sync.Mutex
	items []*workItem
	sig   chan struct{}
}

func (q *workQueue) init() {
	q.sig = make(chan struct{}, 1<<16)
}

// enqueue appends w and signals the worker. Items already queued (singleton
// generator work) are left alone.
func (q *workQueue) enqueue(w *workItem) {
	q.mu.Lock()
	if w.queued {
		q.mu.Unlock()
		return
	}
	w.queued = true
	q.items = append(q.items, w)
	q.mu.Unlock()
	q.sig <- struct{}{}
}

// pop removes and returns the head item. ok is false when the queue is
// empty, which after a successful wait is an internal consistency fault.
func (q *workQueue) pop() (*workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	w := q.items[0]
	q.items = q.items[1:]
	w.queued = false
	return w, true
}

// drain removes all items at once, for the shutdown path.
func (q *workQueue) drain() []*workItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	for _, w := range items {
		w.queued = false
	}
	// Consume the matching readiness tokens.
	for range items {
		select {
		case <-q.sig:
		default:
		}
	}
	return items
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
