// Package pb holds the wire message types exchanged over the datagram
// transport (spec.md §6): vote requests, heartbeats, snapshot fragments,
// and the client request/reply protocol. The teacher repo generates this
// package's equivalent from a .proto file with protoc-gen-go; DARE-Go
// instead hand-declares plain structs tagged for github.com/ugorji/go/codec
// Msgpack, and pairs them with a custom grpc codec (see transport/grpcdg)
// instead of protoc-gen-go-grpc stubs — see DESIGN.md for why.
package pb

// Peer identifies one member of the cluster: its stable index (used
// everywhere a peer is referred to by a compact u8, per spec.md §9's
// "refer to peers by u8 index" note), its server id, and its datagram
// endpoint.
type Peer struct {
	Index    uint8  `codec:"index"`
	ID       string `codec:"id"`
	Endpoint string `codec:"endpoint"`
}

func (p Peer) Copy() Peer { return p }

// RequestVoteRequest is sent by a candidate to every other peer.
type RequestVoteRequest struct {
	Term         uint64 `codec:"term"`
	CandidateID  string `codec:"candidate_id"`
	LastLogIndex uint64 `codec:"last_log_index"`
	LastLogTerm  uint64 `codec:"last_log_term"`
}

// RequestVoteResponse answers a RequestVoteRequest.
type RequestVoteResponse struct {
	ServerID string `codec:"server_id"`
	Term     uint64 `codec:"term"`
	Granted  bool   `codec:"granted"`
}

// HeartbeatRequest is sent by the leader to every peer roughly every 25ms
// (spec.md §4.4). It carries just enough for followers to reset their
// election timer and learn commit progress; the log's actual contents are
// never carried here, only established by the RMA-written log itself.
type HeartbeatRequest struct {
	Term     uint64 `codec:"term"`
	LeaderID string `codec:"leader_id"`
	Commit   uint64 `codec:"commit"`
	// Config carries the leader's active configuration on every heartbeat,
	// piggybacking the full peer directory a follower needs to resolve a
	// CONFIG log entry's bit-vector once it commits (see Configuration's
	// doc comment). Heartbeats are frequent and this is small, so every
	// follower's peer directory stays current well before it ever applies
	// the corresponding entry.
	Config Configuration `codec:"config"`
}

// HeartbeatResponse lets the leader learn of a stale term without waiting
// for an election.
type HeartbeatResponse struct {
	ServerID string `codec:"server_id"`
	Term     uint64 `codec:"term"`
}

// SnapshotFragmentRequest is sent by a recovering follower to fetch a chunk
// of the leader's (or any up-to-date peer's) latest snapshot.
type SnapshotFragmentRequest struct {
	Offset uint32 `codec:"offset"`
	MaxLen uint32 `codec:"max_len"`
}

// SnapshotFragmentResponse carries one chunk of a snapshot plus the
// determinant of the last entry it covers, repeated until Done.
type SnapshotFragmentResponse struct {
	LastEntryIdx    uint64 `codec:"last_entry_idx"`
	LastEntryTerm   uint64 `codec:"last_entry_term"`
	LastEntryOffset uint64 `codec:"last_entry_offset"`
	TotalLen        uint32 `codec:"total_len"`
	Data            []byte `codec:"data"`
	Done            bool   `codec:"done"`
}

// ClientCommandType is the request kind a client sends, per spec.md §6.
type ClientCommandType uint8

const (
	ClientRead ClientCommandType = iota
	ClientWrite
	ClientReconf
	ClientDownsize
)

// ClientRequest is the client protocol's request envelope. Requests are
// idempotent by (ClientID, ReqID).
type ClientRequest struct {
	ClientID uint16            `codec:"client_id"`
	ReqID    uint64            `codec:"req_id"`
	CmdType  ClientCommandType `codec:"cmd_type"`
	Payload  []byte            `codec:"payload"`
}

// ClientStatus is the reply status code surfaced to clients, per spec.md §7.
type ClientStatus uint8

const (
	StatusOK ClientStatus = iota
	StatusNotLeader
	StatusLogFull
	StatusNoQuorum
	StatusInternalError
)

// ClientReply is the client protocol's reply envelope.
type ClientReply struct {
	ReqID  uint64       `codec:"req_id"`
	Status ClientStatus `codec:"status"`
	Data   []byte       `codec:"data"`
	// LeaderHint is set when Status == StatusNotLeader, so the client can
	// redirect without another round of discovery.
	LeaderHint Peer `codec:"leader_hint"`
}

// StoredVoteSlot is returned by a one-sided read of a peer's
// well-known stored-vote slot, used by DARE's read-based leadership
// verification (spec.md §4.4). It is carried as a plain RMA read result
// (see transport/rma), not a datagram message, but is declared here since
// its shape is part of the same wire contract.
type StoredVoteSlot struct {
	Term     uint64 `codec:"term"`
	VotedFor string `codec:"voted_for"`
}

// Configuration is the decoded payload of a CONFIG log entry's Msgpack
// companion data: the full peer list for the configuration identified by
// replog.ConfigID. The compact ConfigID (group size + bit-vector + epoch)
// lives in the log entry itself; Configuration is exchanged out-of-band
// (over the datagram channel, e.g. during RECONF) to map bit-vector
// indices back to full Peer records.
type Configuration struct {
	Epoch uint64 `codec:"epoch"`
	Peers []Peer `codec:"peers"`
}
