package replication

import (
	"crypto/sha256"

	"github.com/google/uuid"
)

// csumProtocolVersion is the lowest negotiated protocol version that supports
// checksum-based resync.
const csumProtocolVersion = 89

// MessageType identifies a peer replication message.
type MessageType string

const (
	// MsgDataRequest asks the peer to read a range on behalf of a failed or
	// diskless local read.
	MsgDataRequest MessageType = "data_request"

	// MsgDataReply answers a data request with the range's content.
	MsgDataReply MessageType = "data_reply"

	// MsgNegDataReply is the negative answer when the local read failed.
	MsgNegDataReply MessageType = "neg_data_reply"

	// MsgData carries a mirrored application write.
	MsgData MessageType = "data"

	// MsgWriteAck confirms a mirrored write reached the peer's backing
	// store; MsgNegWriteAck reports that it failed there.
	MsgWriteAck    MessageType = "write_ack"
	MsgNegWriteAck MessageType = "neg_write_ack"

	// MsgRSDataRequest asks the sync source for a dirty extent's content.
	MsgRSDataRequest MessageType = "rs_data_request"

	// MsgRSDataReply carries resync data from source to target.
	MsgRSDataReply MessageType = "rs_data_reply"

	// MsgNegRSDataReply is the negative answer when the source read failed.
	MsgNegRSDataReply MessageType = "neg_rs_data_reply"

	// MsgCsumRSRequest carries a content digest; the peer answers with
	// MsgRSIsInSync or a full MsgRSDataReply.
	MsgCsumRSRequest MessageType = "csum_rs_request"

	// MsgRSIsInSync reports that the peer's digest matched.
	MsgRSIsInSync MessageType = "rs_is_in_sync"

	// MsgOVRequest asks the peer for a live digest during online verify.
	MsgOVRequest MessageType = "ov_request"

	// MsgOVReply carries the peer's live digest.
	MsgOVReply MessageType = "ov_reply"

	// MsgOVResult reports the verify comparison outcome for a range.
	MsgOVResult MessageType = "ov_result"

	// MsgBarrier is a write-ordering marker between epochs.
	MsgBarrier MessageType = "barrier"

	// MsgBarrierAck confirms that every write before the marker reached the
	// peer's backing store.
	MsgBarrierAck MessageType = "barrier_ack"

	// MsgSyncUUID announces the fresh bitmap generation id at sync start.
	MsgSyncUUID MessageType = "sync_uuid"
)

// Message is a peer replication message. The wire encoding is the transport's
// concern; the engine only fills the fields the type needs and relies on ID
// for request/reply correlation.
type Message struct {
	Type    MessageType
	ID      uint64 // correlation id, opaque to the transport
	Sector  uint64
	Size    int // bytes
	Data    []byte
	Digest  []byte
	Epoch   uint64    // barrier number
	Barrier bool      // MsgData: write opens an epoch, order it with a barrier
	InSync  bool      // MsgOVResult
	GenID   uuid.UUID // MsgSyncUUID
}

// Transport sends messages to the peer. Send reports success; the engine
// assumes at-most-once delivery per call and handles ordering itself via the
// barrier sequencer. A transport that keeps referencing msg.Data after Send
// returns reports so via RetainsPayloads and calls Device.ReleaseNetBuffers
// once the buffers are free again.
type Transport interface {
	Send(msg *Message) bool
	ProtocolVersion() int
	RetainsPayloads() bool
}

// IODirection selects read or write for a local I/O submission.
type IODirection uint8

const (
	IORead IODirection = iota
	IOWrite
)

// LocalIO submits asynchronous I/O against the local backing store. The
// completion callback may run on any goroutine; for reads it carries the data
// read. The engine never inspects disk geometry beyond Capacity.
type LocalIO interface {
	// Capacity returns the device size in sectors.
	Capacity() uint64

	// Submit starts an asynchronous read or write of size bytes at sector.
	// For writes, data is the payload; for reads it is nil and the result is
	// passed to done.
	Submit(sector uint64, size int, dir IODirection, data []byte, done func(data []byte, err error))

	// SubmitMeta starts an asynchronous metadata write (bitmap, generation
	// identifiers). Completion only signals the waiting caller.
	SubmitMeta(done func(err error))
}

// Digester computes the content digest exchanged for checksum-based resync
// and online verify. The algorithm is fixed for the duration of a session.
type Digester interface {
	Size() int
	Sum(data []byte) []byte
}

// SHA256Digester is the default digest algorithm.
type SHA256Digester struct{}

func (SHA256Digester) Size() int { return sha256.Size }

func (SHA256Digester) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Session outcome and hook event tags passed to the external helper.
const (
	EventOutOfSync          = "out-of-sync"
	EventAfterResyncTarget  = "after-resync-target"
	EventBeforeResyncTarget = "before-resync-target"
)

// Helper runs an external notification or policy hook. For session-end
// events the call is fire-and-forget and failures are logged only; for
// before-resync-target a positive status vetoes the sync.
type Helper interface {
	Run(device string, event string) (status int, err error)
}

// RequestEvent classifies an application request's progress for the request
// state machine collaborator.
type RequestEvent int

const (
	ReqCompletedOK RequestEvent = iota
	ReqReadFailed
	ReqWriteFailed
	ReqHandedOver
	ReqSendFailed
	ReqSendCanceled
)

// Request is an application read or write entering through the block-device
// front end. Its state machine is owned by a collaborator; the engine only
// feeds it classified events under the device lock.
type Request struct {
	ID     uint64
	Sector uint64
	Size   int
	Write  bool
	Data   []byte
}

// RequestStateMachine is the collaborator owning application request
// lifecycles. Mod is always invoked with the device lock held.
type RequestStateMachine interface {
	Mod(req *Request, ev RequestEvent)
}
