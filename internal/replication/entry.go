package replication

import (
	"errors"
	"fmt"
)

// listID names the tracking lists an extent entry can belong to. An entry is
// a member of exactly one list from allocation to release; transitions happen
// only under the device lock.
type listID uint8

const (
	listNone listID = iota // never in a list while allocated, only pre/post lifecycle
	listRead               // read in flight on behalf of the peer or for a digest
	listActive             // application write in flight
	listSync               // resync write in flight
	listDone               // completed, awaiting the completion path
	listNet                // payload still referenced by a pending network send
)

var listNames = map[listID]string{
	listNone:   "none",
	listRead:   "read",
	listActive: "active",
	listSync:   "sync",
	listDone:   "done",
	listNet:    "net",
}

func (l listID) String() string { return listNames[l] }

// digestInfo is the ephemeral checksum payload correlated 1:1 to an
// outstanding verify or checksum-resync request. It is consumed exactly once
// by the matching reply handler.
type digestInfo struct {
	digest []byte
}

// extentEntry represents one in-flight I/O operation for a sector range.
type extentEntry struct {
	id     uint64
	corr   uint64 // id of the peer request this entry answers
	sector uint64
	size   int
	data   []byte
	di     *digestInfo // set on csum/verify replies, consumed once

	barrier   bool // ordering barrier, resubmit on unsupported-ordering failure
	accounted bool // needs extent accounting on write completion

	list listID
	refs int   // outstanding consumers: pending local I/O, pending net send
	err  error // local I/O result
}

// eeList is an ordered tracking list. Order matters on the done list: the
// completion path consumes entries in completion order.
type eeList struct {
	id   listID
	ents []*extentEntry
}

func (l *eeList) add(e *extentEntry) {
	l.ents = append(l.ents, e)
	e.list = l.id
}

func (l *eeList) remove(e *extentEntry) bool {
	for i, x := range l.ents {
		if x == e {
			l.ents = append(l.ents[:i], l.ents[i+1:]...)
			return true
		}
	}
	return false
}

func (l *eeList) empty() bool { return len(l.ents) == 0 }
func (l *eeList) len() int    { return len(l.ents) }

var errEntryLimit = errors.New("extent entry limit reached")

// allocEntryLocked creates a new entry on the given list. It fails with
// errEntryLimit when the in-flight cap is reached; callers treat that as
// transient resource exhaustion and reschedule.
func (d *Device) allocEntryLocked(sector uint64, size int, list listID) (*extentEntry, error) {
	if d.entryCount >= d.maxEntries {
		return nil, errEntryLimit
	}
	d.entryCount++
	d.nextEntryID++
	e := &extentEntry{
		id:     d.nextEntryID,
		sector: sector,
		size:   size,
		refs:   1, // the pending local I/O or network send that created it
	}
	d.listFor(list).add(e)
	return e, nil
}

func (d *Device) listFor(id listID) *eeList {
	switch id {
	case listRead:
		return &d.readEE
	case listActive:
		return &d.activeEE
	case listSync:
		return &d.syncEE
	case listDone:
		return &d.doneEE
	case listNet:
		return &d.netEE
	}
	panic(fmt.Sprintf("replication: no such list %d", id))
}

// moveEntryLocked moves e to the named list, validating current membership.
func (d *Device) moveEntryLocked(e *extentEntry, to listID) {
	if !d.listFor(e.list).remove(e) {
		d.log.Error().
			Uint64("entry", e.id).
			Str("list", e.list.String()).
			Msg("extent entry missing from its tracking list")
		return
	}
	d.listFor(to).add(e)
}

// freeEntryLocked drops one reference and releases the entry once nothing
// references it. An entry whose payload is still owned by a pending network
// send is parked on the net list instead of being released.
func (d *Device) freeEntryLocked(e *extentEntry) {
	e.refs--
	if e.refs < 0 {
		d.log.Error().Uint64("entry", e.id).Msg("extent entry reference underflow")
		e.refs = 0
	}
	if e.refs > 0 {
		if e.list != listNet {
			d.moveEntryLocked(e, listNet)
		}
		return
	}
	d.listFor(e.list).remove(e)
	e.list = listNone
	e.data = nil
	e.di = nil
	d.entryCount--
}

// inFlightEntries returns the total number of live entries, for tests and
// the stats endpoint.
func (d *Device) inFlightEntries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entryCount
}

// ReleaseNetBuffers is called by the transport once it no longer references
// the payloads of previously sent messages. Entries parked on the net list
// with no other reference are released.
func (d *Device) ReleaseNetBuffers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range append([]*extentEntry(nil), d.netEE.ents...) {
		d.freeEntryLocked(e)
	}
}
