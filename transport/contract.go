// Package transport declares the two-channel contract the replication core
// requires of a peer (spec.md §6): a datagram send/recv for small control
// messages, and a one-sided write/read against a peer's registered memory
// region. The core only ever programs against these interfaces; queue-pair
// setup, address exchange, and multicast bootstrap are the concrete
// implementation's own business and out of the core's scope (spec.md §1).
package transport

import (
	"context"

	"github.com/mpoke/dare-go/pb"
)

// PeerID identifies a cluster member for transport purposes. It is the
// same compact index carried in pb.Peer.Index.
type PeerID uint8

// RegionKind identifies which registered buffer a one-sided operation
// targets.
type RegionKind uint8

const (
	RegionLog RegionKind = iota
	RegionSnapshot
	RegionStoredVote
	// RegionControl holds a peer's Offsets snapshot followed by its
	// NC-buffer — the metadata a new leader reads over RMA during log
	// adjustment (spec.md §4.5 steps 1-2), kept separate from RegionLog so
	// reading it never races with the log's own byte content.
	RegionControl
)

// Region describes a registered remote memory region: which buffer, and
// the (addr, rkey, length) triple a real RDMA NIC would use to address it.
// The reference implementation in transport/rma treats Addr as a byte
// offset into an in-process buffer and Rkey as unused, but the shape
// matches what a real one-sided-write transport would need.
type Region struct {
	Kind   RegionKind
	Addr   uint64
	Rkey   uint32
	Length uint64
}

// WorkRequestID is the identifier attached to an outstanding one-sided
// operation, carrying the posting term and a send-sequence-number (SSN) so
// a stale completion — observed after the poster has stepped down — can be
// recognized and discarded (spec.md glossary: SSN).
type WorkRequestID struct {
	Term uint64
	SSN  uint64
}

// CompletionStatus reports the outcome of a polled one-sided operation.
type CompletionStatus uint8

const (
	CompletionOK CompletionStatus = iota
	CompletionError
)

// Completion is one entry from the completion queue.
type Completion struct {
	WR     WorkRequestID
	Peer   PeerID
	Status CompletionStatus
	// EndAtPost is the value of the log's End offset at the time the
	// corresponding write was posted; the replication engine uses it to
	// set match_offset[i] on a successful completion (spec.md §4.2).
	EndAtPost uint64
}

// RPC is one inbound datagram call awaiting a reply, mirroring the
// teacher's rpc.go RPC type: the core's main loop receives these from
// Datagram.Inbound(), type-switches on Request, and calls Respond exactly
// once.
type RPC struct {
	From       PeerID
	Request    interface{} // *pb.RequestVoteRequest, *pb.HeartbeatRequest, *pb.SnapshotFragmentRequest, or *pb.ClientRequest
	responseCh chan rpcResult
}

type rpcResult struct {
	response interface{}
	err      error
}

func NewRPC(from PeerID, request interface{}) *RPC {
	return &RPC{From: from, Request: request, responseCh: make(chan rpcResult, 1)}
}

// Respond delivers the handler's result back to the waiting transport
// goroutine. Must be called exactly once.
func (r *RPC) Respond(response interface{}, err error) {
	r.responseCh <- rpcResult{response: response, err: err}
}

// Wait blocks until Respond has been called, or ctx is done.
func (r *RPC) Wait(ctx context.Context) (interface{}, error) {
	select {
	case res := <-r.responseCh:
		return res.response, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Datagram is the small-message channel: votes, heartbeats, snapshot
// fragment requests, and client request/reply all travel over it.
type Datagram interface {
	RequestVote(ctx context.Context, peer PeerID, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error)
	Heartbeat(ctx context.Context, peer PeerID, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error)
	SnapshotFragment(ctx context.Context, peer PeerID, req *pb.SnapshotFragmentRequest) (*pb.SnapshotFragmentResponse, error)
	ClientRequest(ctx context.Context, peer PeerID, req *pb.ClientRequest) (*pb.ClientReply, error)

	// Inbound returns the channel of RPCs this process has received and
	// must respond to.
	Inbound() <-chan *RPC

	// Connect establishes (or reuses) a connection to peer, resolved via
	// its pb.Peer endpoint.
	Connect(peer pb.Peer) error
	// Disconnect tears down any connection to peer.
	Disconnect(peer PeerID)
}

// RMA is the one-sided write/read channel against a peer's registered
// region.
type RMA interface {
	// Register exposes a local buffer as a named region, so peers (and
	// this process, for its own reads) can address it.
	Register(kind RegionKind, buf []byte) Region

	// Write posts a one-sided write of src into peer's region, starting at
	// dstOffset. Signaled controls whether a completion is generated; the
	// replication engine signals only every K-th write (spec.md §4.2) to
	// bound outstanding completions while still tracking progress via the
	// SSN in every WorkRequestID.
	Write(ctx context.Context, peer PeerID, kind RegionKind, dstOffset uint64, src []byte, wr WorkRequestID, signaled bool) error

	// Read posts a one-sided read of length bytes from peer's region
	// starting at srcOffset, and blocks until the data is available,
	// returning it directly (reads are always effectively "signaled"
	// since the caller needs the data to proceed — e.g. log adjustment and
	// leadership verification both read-then-act synchronously).
	Read(ctx context.Context, peer PeerID, kind RegionKind, srcOffset uint64, length uint64) ([]byte, error)

	// Poll returns the channel of completions for posted writes.
	Poll() <-chan Completion

	// PeerState reports whether the QP to peer is usable. A peer
	// transitions to error after repeated failed completions, per
	// spec.md §4.6.
	PeerState(peer PeerID) QPState

	// Reset forgets a peer's QP state, e.g. after it recovers.
	Reset(peer PeerID)
}

// QPState mirrors the three states a leader tracks per follower queue pair
// (spec.md §3 "Server record").
type QPState uint8

const (
	QPActive QPState = iota
	QPBlocked
	QPError
)

func (s QPState) String() string {
	switch s {
	case QPActive:
		return "active"
	case QPBlocked:
		return "blocked"
	case QPError:
		return "error"
	default:
		return "unknown"
	}
}

// Closer is implemented by transports that hold resources (listeners,
// connections) needing an explicit shutdown, mirroring the teacher's
// TransportCloser pattern in transport_grpc.go.
type Closer interface {
	Close() error
}
