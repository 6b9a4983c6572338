// Package transport connects replication devices to their peers. The
// loopback transport links two in-process devices, used for local mirroring
// setups and throughout the tests.
package transport

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/blocksync/blocksync/internal/replication"
)

// ProtocolVersion is the protocol level this package speaks.
const ProtocolVersion = 96

// Loopback is one end of an in-process device pair. Send delivers to the
// peer device's receiver context and releases payload ownership immediately
// after delivery.
type Loopback struct {
	mu     sync.Mutex
	self   *replication.Device
	peer   *replication.Device
	closed bool
	log    zerolog.Logger
}

// Pair creates the two connected transport ends. The devices are attached
// afterwards with Attach, since device construction needs the transport.
func Pair(logger zerolog.Logger) (*Loopback, *Loopback) {
	a := &Loopback{log: logger.With().Str("component", "transport").Str("end", "a").Logger()}
	b := &Loopback{log: logger.With().Str("component", "transport").Str("end", "b").Logger()}
	return a, b
}

// Attach binds the local device and its peer to this end.
func (l *Loopback) Attach(self, peer *replication.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.self = self
	l.peer = peer
}

// Close detaches the pair end; subsequent sends fail.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// Send implements replication.Transport.
func (l *Loopback) Send(msg *replication.Message) bool {
	l.mu.Lock()
	peer, closed := l.peer, l.closed
	l.mu.Unlock()

	if closed || peer == nil {
		return false
	}
	if err := peer.Deliver(msg); err != nil {
		l.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("peer delivery failed")
		return false
	}
	return true
}

// ProtocolVersion implements replication.Transport.
func (l *Loopback) ProtocolVersion() int { return ProtocolVersion }

// RetainsPayloads implements replication.Transport. Delivery hands the
// payload to the peer; this end keeps no reference.
func (l *Loopback) RetainsPayloads() bool { return false }
