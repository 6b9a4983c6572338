package replication

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errInjected = errors.New("injected i/o error")

// memDisk is an in-memory LocalIO with per-sector failure injection.
// Completions run synchronously on the submitting goroutine.
type memDisk struct {
	mu        sync.Mutex
	data      []byte
	failRead  map[uint64]bool
	failWrite map[uint64]bool
}

func newMemDisk(sectors uint64) *memDisk {
	return &memDisk{
		data:      make([]byte, sectors*sectorSize),
		failRead:  make(map[uint64]bool),
		failWrite: make(map[uint64]bool),
	}
}

func (m *memDisk) Capacity() uint64 {
	return uint64(len(m.data)) / sectorSize
}

func (m *memDisk) Submit(sector uint64, size int, dir IODirection, data []byte, done func([]byte, error)) {
	m.mu.Lock()
	off := sector * sectorSize
	if dir == IOWrite {
		if m.failWrite[sector] {
			m.mu.Unlock()
			done(nil, errInjected)
			return
		}
		copy(m.data[off:], data)
		m.mu.Unlock()
		done(nil, nil)
		return
	}
	if m.failRead[sector] {
		m.mu.Unlock()
		done(nil, errInjected)
		return
	}
	buf := make([]byte, size)
	copy(buf, m.data[off:])
	m.mu.Unlock()
	done(buf, nil)
}

func (m *memDisk) SubmitMeta(done func(error)) {
	done(nil)
}

func (m *memDisk) snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// testLink is an in-process transport end with type recording and failure
// injection.
type testLink struct {
	mu      sync.Mutex
	peer    *Device
	fail    bool
	sent    []*Message
	version int
}

func (l *testLink) Send(msg *Message) bool {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	fail, peer := l.fail, l.peer
	l.mu.Unlock()

	if fail || peer == nil {
		return false
	}
	return peer.Deliver(msg) == nil
}

func (l *testLink) ProtocolVersion() int {
	if l.version == 0 {
		return 96
	}
	return l.version
}

func (l *testLink) RetainsPayloads() bool { return false }

func (l *testLink) sentCount(t MessageType) int {
	return len(l.sentOfType(t))
}

func (l *testLink) sentOfType(t MessageType) []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Message
	for _, m := range l.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// recordingRequests records request state machine events.
type recordingRequests struct {
	mu     sync.Mutex
	events []RequestEvent
}

func (r *recordingRequests) Mod(req *Request, ev RequestEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// stubHelper returns a fixed status and records invocations.
type stubHelper struct {
	mu     sync.Mutex
	status int
	events []string
}

func (h *stubHelper) Run(device, event string) (int, error) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	return h.status, nil
}

func testConfig(name string, disk *memDisk, link *testLink) Config {
	return Config{
		Name:      name,
		LocalIO:   disk,
		Transport: link,
		Requests:  &recordingRequests{},
		SyncRate:  100 << 20, // high enough that the budget never throttles
		Tick:      5 * time.Millisecond,
		Logger:    zerolog.Nop(),
	}
}

func newTestDevice(t *testing.T, sectors uint64) (*Device, *memDisk, *testLink) {
	t.Helper()
	disk := newMemDisk(sectors)
	link := &testLink{}
	d := New(testConfig(t.Name(), disk, link))
	return d, disk, link
}

// newTestPair builds two connected, running devices mirroring each other.
func newTestPair(t *testing.T, sectors uint64, checksums bool) (src, tgt *Device, srcDisk, tgtDisk *memDisk, srcLink, tgtLink *testLink) {
	t.Helper()
	srcDisk, tgtDisk = newMemDisk(sectors), newMemDisk(sectors)
	srcLink, tgtLink = &testLink{}, &testLink{}

	srcCfg := testConfig("src", srcDisk, srcLink)
	srcCfg.Checksums = checksums
	tgtCfg := testConfig("tgt", tgtDisk, tgtLink)
	tgtCfg.Checksums = checksums

	src = New(srcCfg)
	tgt = New(tgtCfg)
	srcLink.peer = tgt
	tgtLink.peer = src

	src.Start()
	tgt.Start()
	t.Cleanup(func() {
		src.Stop()
		tgt.Stop()
	})

	if err := src.Connect(); err != nil {
		t.Fatalf("source connect: %v", err)
	}
	if err := tgt.Connect(); err != nil {
		t.Fatalf("target connect: %v", err)
	}
	return src, tgt, srcDisk, tgtDisk, srcLink, tgtLink
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
