package replication

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/blocksync/blocksync/internal/bitmap"
	"github.com/blocksync/blocksync/internal/metrics"
)

const (
	// sectorSize is the addressing unit of the local I/O collaborator.
	sectorSize = 512

	// blocksPerBmExt is the span of one bitmap extent, in blocks. Merged
	// resync requests never cross this boundary.
	blocksPerBmExt = 128
)

// Defaults applied by New for zero Config fields.
const (
	DefaultBlockSize     = 4096
	DefaultMaxExtentSize = 128 * 1024
	DefaultSyncRate      = 250 * 1024 // bytes/sec, matches the historic default
	DefaultTick          = 100 * time.Millisecond
	DefaultMaxEntries    = 1024
	DefaultMaxClaims     = 64
	DefaultRecvRate      = 1000
	DefaultRecvBurst     = 100
)

// GenerationIDs are the replica-freshness identifiers. Current names the
// data generation, Bitmap the generation the dirty bitmap tracks changes
// against, History the two generations before that.
type GenerationIDs struct {
	Current uuid.UUID
	Bitmap  uuid.UUID
	History [2]uuid.UUID
}

// Config configures one replicated device.
type Config struct {
	Name string

	// BlockSize is the extent size in bytes tracked by one bitmap bit.
	BlockSize int

	// MaxExtentSize caps merged resync requests, in bytes.
	MaxExtentSize int

	// SyncRate is the resync budget in bytes per second.
	SyncRate int64

	// RunAfter names the device this one's resync runs after ("" = none).
	RunAfter string

	// Checksums enables checksum-based resync when the negotiated protocol
	// supports it.
	Checksums bool

	// Tick is the resync/verify re-arm period.
	Tick time.Duration

	// MaxEntries caps in-flight extent entries; allocation beyond it is
	// treated as transient resource exhaustion.
	MaxEntries int

	// MaxClaims caps concurrently claimed resync extents.
	MaxClaims int

	// RecvRate and RecvBurst rate-limit the peer message receive path
	// (0 = defaults).
	RecvRate  int
	RecvBurst int

	LocalIO   LocalIO
	Transport Transport
	Requests  RequestStateMachine
	Helper    Helper
	Digester  Digester
	Metrics   *metrics.Device
	Logger    zerolog.Logger
}

// Device is the replication context of one replicated volume. All
// cross-goroutine state is guarded by mu; the sync-group coordinator
// additionally holds the registry's global lock around state evaluation.
type Device struct {
	name            string
	blockSize       int
	sectorsPerBlock uint64
	maxExtentSize   int
	syncRate        int64
	runAfter        string
	checksums       bool
	tick            time.Duration
	capacity        uint64 // sectors

	localIO  LocalIO
	tr       Transport
	requests RequestStateMachine
	helper   Helper
	dig      Digester
	met      *metrics.Device
	log      zerolog.Logger

	registry *Registry

	mu      sync.Mutex
	eeEmpty *sync.Cond // broadcast when an in-flight list empties
	state   State
	bm      *bitmap.Bitmap

	queue      workQueue
	resyncWork workItem // singleton generator work item
	timer      *time.Timer

	// Sticky flags.
	stopSyncTimer      bool
	writeBMAfterResync bool

	// Session cursors. resyncNext is a bit position, ovPosition a sector.
	resyncNext uint64
	ovPosition uint64

	// Session progress, mutated only under mu.
	rsTotal        uint64 // blocks to sync this session
	rsLeft         uint64 // blocks not yet resolved (synced, elided or failed)
	rsFailed       uint64
	rsSameCsum     uint64
	ovLeft         uint64
	ovLastOOSStart uint64 // sector of the running out-of-sync range
	ovLastOOSSize  uint64 // sectors
	rsStart        time.Time
	rsPaused       time.Duration
	pausedSince    time.Time

	readSectors  uint64
	writeSectors uint64

	// Pending-request counters, read without the lock by the generators.
	rsPending atomic.Int64 // outstanding resync/verify requests to the peer
	unacked   atomic.Int64 // peer requests we have not answered yet
	apPending atomic.Int64 // application epochs awaiting barrier acks

	// Extent entry tracking lists.
	readEE, activeEE, syncEE, doneEE, netEE eeList
	entryCount, maxEntries                  int
	nextEntryID                             uint64
	nextMsgID                               atomic.Uint64

	claims    map[uint64]int // claimed IO base sector -> size in bytes
	maxClaims int

	writeOrdering       WriteOrdering
	epoch               uint64
	pendingBarrierEpochs []uint64 // peer barriers waiting for active writes to drain, in arrival order

	pendingReqs map[uint64]*Request // application requests awaiting peer replies

	genID     GenerationIDs
	peerGenID *GenerationIDs

	stop       chan struct{}
	workerDone chan struct{}
	recvCh     chan *Message
	recvDone   chan struct{}
	recvLimit  *rate.Limiter
}

// New creates a device replication context. Start must be called before the
// device processes work; Stop tears it down.
func New(cfg Config) *Device {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.MaxExtentSize == 0 {
		cfg.MaxExtentSize = DefaultMaxExtentSize
	}
	if cfg.SyncRate == 0 {
		cfg.SyncRate = DefaultSyncRate
	}
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxClaims == 0 {
		cfg.MaxClaims = DefaultMaxClaims
	}
	if cfg.RecvRate == 0 {
		cfg.RecvRate = DefaultRecvRate
	}
	if cfg.RecvBurst == 0 {
		cfg.RecvBurst = DefaultRecvBurst
	}
	if cfg.Digester == nil {
		cfg.Digester = SHA256Digester{}
	}

	capacity := cfg.LocalIO.Capacity()
	spb := uint64(cfg.BlockSize / sectorSize)
	bits := (capacity + spb - 1) / spb

	d := &Device{
		name:            cfg.Name,
		blockSize:       cfg.BlockSize,
		sectorsPerBlock: spb,
		maxExtentSize:   cfg.MaxExtentSize,
		syncRate:        cfg.SyncRate,
		runAfter:        cfg.RunAfter,
		checksums:       cfg.Checksums,
		tick:            cfg.Tick,
		capacity:        capacity,
		localIO:         cfg.LocalIO,
		tr:              cfg.Transport,
		requests:        cfg.Requests,
		helper:          cfg.Helper,
		dig:             cfg.Digester,
		met:             cfg.Metrics,
		log:             cfg.Logger.With().Str("component", "replication").Str("device", cfg.Name).Logger(),
		bm:              bitmap.New(bits),
		readEE:          eeList{id: listRead},
		activeEE:        eeList{id: listActive},
		syncEE:          eeList{id: listSync},
		doneEE:          eeList{id: listDone},
		netEE:           eeList{id: listNet},
		maxEntries:      cfg.MaxEntries,
		claims:          make(map[uint64]int),
		pendingReqs:     make(map[uint64]*Request),
		maxClaims:       cfg.MaxClaims,
		writeOrdering:   WriteOrderingBarrier,
		genID:           GenerationIDs{Current: uuid.New()},
		stop:            make(chan struct{}),
		workerDone:      make(chan struct{}),
		recvCh:          make(chan *Message, 256),
		recvDone:        make(chan struct{}),
		recvLimit:       rate.NewLimiter(rate.Limit(cfg.RecvRate), cfg.RecvBurst),
	}
	d.eeEmpty = sync.NewCond(&d.mu)
	d.queue.init()
	d.state = State{Role: RoleSecondary, Conn: ConnStandAlone, Disk: DiskUpToDate, PeerDisk: DiskUpToDate}
	return d
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// State returns a snapshot of the state tuple.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Bits returns the number of bitmap bits the device tracks.
func (d *Device) Bits() uint64 { return d.bm.Bits() }

// Connect moves the device into the connected state; the transport calls
// this once the peer link is established.
func (d *Device) Connect() error {
	return d.ChangeState(func(s State) State {
		s.Conn = ConnConnected
		return s
	})
}

// ChangeState proposes a validated state transition. The mutation function
// receives the current tuple and returns the proposed one. ErrNothingToDo is
// returned for no-op proposals. Ordinary per-device transitions take the
// registry's global lock in shared mode so cross-device evaluation sees
// stable snapshots.
func (d *Device) ChangeState(mut func(State) State) error {
	if d.registry != nil {
		d.registry.gl.RLock()
		defer d.registry.gl.RUnlock()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changeStateLocked(mut)
}

func (d *Device) changeStateLocked(mut func(State) State) error {
	os := d.state
	ns := mut(os)
	if err := validateTransition(os, ns); err != nil {
		return err
	}
	d.setStateLocked(ns)
	return nil
}

// ForceState applies a transition without validation. Used for connection
// loss and I/O error policy, where refusing the transition would be worse
// than any invariant it bends.
func (d *Device) ForceState(mut func(State) State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceStateLocked(mut)
}

func (d *Device) forceStateLocked(mut func(State) State) {
	ns := mut(d.state)
	if ns == d.state {
		return
	}
	d.setStateLocked(ns)
}

func (d *Device) setStateLocked(ns State) {
	os := d.state
	d.state = ns

	// Track paused time for throughput accounting.
	if ns.Conn.Syncing() && ns.Paused() && !os.Paused() {
		d.pausedSince = time.Now()
	}
	if os.Paused() && !ns.Paused() && !d.pausedSince.IsZero() {
		d.rsPaused += time.Since(d.pausedSince)
		d.pausedSince = time.Time{}
	}

	d.log.Debug().
		Str("role", ns.Role.String()).
		Str("conn", ns.Conn.String()).
		Str("disk", ns.Disk.String()).
		Str("peer_disk", ns.PeerDisk.String()).
		Msg("state change")
	if d.met != nil {
		d.met.ConnState.Set(float64(ns.Conn))
	}
}

// msgID returns the next correlation id for an outgoing request.
func (d *Device) msgID() uint64 { return d.nextMsgID.Add(1) }

// forceNetworkFailure degrades the connection after a send or callback
// failure, unless the device is already disconnected.
func (d *Device) forceNetworkFailure() {
	d.ForceState(func(s State) State {
		if s.Conn >= ConnWFConnection {
			s.Conn = ConnNetworkFailure
		}
		return s
	})
}

// MarkOutOfSync records that [sector, sector+size) diverged, called by the
// application write path when a write cannot reach the peer. Safe to call
// concurrently with an active session; the resync claim on a raced extent
// simply loses.
func (d *Device) MarkOutOfSync(sector uint64, size int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setOutOfSyncLocked(sector, size)
}

func (d *Device) setOutOfSyncLocked(sector uint64, size int) uint64 {
	from := sector / d.sectorsPerBlock
	to := (sector + uint64(size)/sectorSize + d.sectorsPerBlock - 1) / d.sectorsPerBlock
	return d.bm.SetRange(from, to)
}

// setInSyncLocked clears the bits covering [sector, sector+size) and returns
// how many were set. Partial trailing blocks stay dirty.
func (d *Device) setInSyncLocked(sector uint64, size int) uint64 {
	from := (sector + d.sectorsPerBlock - 1) / d.sectorsPerBlock
	to := (sector + uint64(size)/sectorSize) / d.sectorsPerBlock
	if to <= from {
		return 0
	}
	return d.bm.ClearRange(from, to)
}

// OutOfSyncBlocks returns the bitmap weight.
func (d *Device) OutOfSyncBlocks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bm.Weight()
}

// IOStats returns the cumulative local read and write volume in sectors.
func (d *Device) IOStats() (readSectors, writeSectors uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readSectors, d.writeSectors
}

// Progress returns the session progress counters.
func (d *Device) Progress() (total, left, failed, elided uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rsTotal, d.rsLeft, d.rsFailed, d.rsSameCsum
}

// syncMeta writes metadata through the local I/O collaborator and waits for
// the completion signal. Purely synchronizing, no state-machine effect.
func (d *Device) syncMeta() error {
	done := make(chan error, 1)
	d.localIO.SubmitMeta(func(err error) { done <- err })
	err := <-done
	if err != nil {
		d.log.Error().Err(err).Msg("metadata write failed")
	}
	return err
}

// waitInFlightDrained blocks until no extent entry is live. Used by tests
// and by detach.
func (d *Device) waitInFlightDrained() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.entryCount > 0 {
		d.eeEmpty.Wait()
	}
}
