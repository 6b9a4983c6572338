// Package replication implements the block-level replication engine: the
// per-device worker dispatch loop, the resynchronization and online-verify
// state machine, completion handling for local and peer I/O, write-ordering
// barriers, and cross-device sync-group coordination.
package replication

import "errors"

// Role is the replication role of the local replica.
type Role uint8

const (
	RoleSecondary Role = iota
	RolePrimary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// ConnState is the connection state of a device. The order is significant:
// states below ConnConnected count as disconnected, and the range
// [ConnSyncSource, ConnPausedSyncTarget] counts as actively syncing.
type ConnState uint8

const (
	ConnStandAlone ConnState = iota
	ConnDisconnecting
	ConnUnconnected
	ConnNetworkFailure
	ConnWFConnection
	ConnConnected
	ConnSyncSource
	ConnSyncTarget
	ConnVerifySource
	ConnVerifyTarget
	ConnPausedSyncSource
	ConnPausedSyncTarget
)

var connNames = map[ConnState]string{
	ConnStandAlone:       "StandAlone",
	ConnDisconnecting:    "Disconnecting",
	ConnUnconnected:      "Unconnected",
	ConnNetworkFailure:   "NetworkFailure",
	ConnWFConnection:     "WFConnection",
	ConnConnected:        "Connected",
	ConnSyncSource:       "SyncSource",
	ConnSyncTarget:       "SyncTarget",
	ConnVerifySource:     "VerifySource",
	ConnVerifyTarget:     "VerifyTarget",
	ConnPausedSyncSource: "PausedSyncSource",
	ConnPausedSyncTarget: "PausedSyncTarget",
}

func (c ConnState) String() string {
	if s, ok := connNames[c]; ok {
		return s
	}
	return "Unknown"
}

// Syncing reports whether the state is a resync or verify session state.
func (c ConnState) Syncing() bool {
	return c >= ConnSyncSource && c <= ConnPausedSyncTarget
}

// Verify reports whether the state belongs to an online-verify session.
func (c ConnState) Verify() bool {
	return c == ConnVerifySource || c == ConnVerifyTarget
}

// DiskState describes the data freshness of one replica's backing store.
// The order is significant: Inconsistent and above means the disk holds
// usable (if possibly stale) data.
type DiskState uint8

const (
	DiskDiskless DiskState = iota
	DiskFailed
	DiskInconsistent
	DiskOutdated
	DiskUpToDate
)

var diskNames = map[DiskState]string{
	DiskDiskless:     "Diskless",
	DiskFailed:       "Failed",
	DiskInconsistent: "Inconsistent",
	DiskOutdated:     "Outdated",
	DiskUpToDate:     "UpToDate",
}

func (d DiskState) String() string {
	if s, ok := diskNames[d]; ok {
		return s
	}
	return "Unknown"
}

// State is the full per-device state tuple plus the pause flags evaluated by
// the sync-group coordinator. All writes go through Device.ChangeState or
// Device.ForceState; no call site mutates fields directly.
type State struct {
	Role     Role
	Conn     ConnState
	Disk     DiskState
	PeerDisk DiskState

	// Pause flags: inherited from a run-after dependency, requested by the
	// peer, or requested by the operator.
	DepPaused  bool
	PeerPaused bool
	UserPaused bool
}

// Paused reports whether any pause flag is set.
func (s State) Paused() bool {
	return s.DepPaused || s.PeerPaused || s.UserPaused
}

// Transition rejections.
var (
	// ErrNothingToDo is returned when a proposed transition would not change
	// the state. Callers treat it as a no-op, not a failure.
	ErrNothingToDo = errors.New("state transition changes nothing")

	// ErrInvalidTransition is returned when a proposed transition violates a
	// state invariant.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// validateTransition checks a proposed transition from os to ns. Forced
// transitions (connection loss, I/O error policy) bypass this.
func validateTransition(os, ns State) error {
	if os == ns {
		return ErrNothingToDo
	}
	// A sync or verify session needs an established connection to enter.
	if ns.Conn.Syncing() && !os.Conn.Syncing() && os.Conn < ConnConnected {
		return ErrInvalidTransition
	}
	// A diskless replica cannot become up to date without attach.
	if ns.Disk == DiskUpToDate && os.Disk == DiskDiskless {
		return ErrInvalidTransition
	}
	// Primaries need usable data somewhere.
	if ns.Role == RolePrimary && ns.Disk < DiskInconsistent && ns.PeerDisk < DiskInconsistent {
		return ErrInvalidTransition
	}
	return nil
}
