// Package server wires the log, state machine, and transport into the
// single-threaded replicated-log engine spec.md describes: one goroutine
// runs the current role's loop (follower, candidate, or leader), channels
// feed it client requests, transport RPCs, and commit-index updates, and
// the role loops below it run on every completion and timer tick. This
// mirrors the teacher's Server type and its runLoop{Leader,Candidate,
// Follower} shape almost file-for-file, generalized from per-index log
// replication (AppendEntries RPC) to the RMA-write/poll model.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/replog"
	"github.com/mpoke/dare-go/sm"
	"github.com/mpoke/dare-go/transport"
)

// ServerCoreOptions bundles the collaborators a Server cannot do without —
// the same split the teacher makes between "core" (required, no sane
// default) and "options" (tunable, defaulted) constructor arguments.
type ServerCoreOptions struct {
	ID           string
	Index        uint8
	LogSize      uint64
	StateMachine sm.StateMachine
	Datagram     transport.Datagram
	RMA          transport.RMA
	Peers        []pb.Peer
}

// replyWaiter is completed exactly once the command it was registered for
// is applied to the state machine (or fails before that point). It
// abstracts over the two ways a client command reaches this server: an
// inbound ClientRequest RPC (completed by responding to the transport
// call) or a direct in-process ApplyCommand call (completed by resolving a
// FutureTask), so the apply loop in replication.go doesn't need to know
// which one it's dealing with.
type replyWaiter interface {
	complete(status pb.ClientStatus, data []byte)
}

type rpcReplyWaiter struct {
	rpc   *transport.RPC
	reqID uint64
}

func (w *rpcReplyWaiter) complete(status pb.ClientStatus, data []byte) {
	w.rpc.Respond(&pb.ClientReply{ReqID: w.reqID, Status: status, Data: data}, nil)
}

type futureReplyWaiter struct {
	task *FutureTask[struct{}, []byte]
}

func (w *futureReplyWaiter) complete(status pb.ClientStatus, data []byte) {
	if status != pb.StatusOK {
		w.task.setResult(nil, clientStatusError(status))
		return
	}
	w.task.setResult(data, nil)
}

// Server is one cluster member. Exactly one of its role loops is ever
// running. Commit advances, completions and shutdown reach the main loop
// through the channels in this struct; state that RPC handlers touch on
// their own goroutines sits behind narrow locks (serverState, peerRecord,
// peersMu for the peer map, pendingMu for parked replies, and configStore's
// own mutex), so a handler can answer (e.g.) RequestVote without waiting
// for a main-loop tick.
type Server struct {
	id    string
	index uint8
	self  pb.Peer
	opts  *serverOptions

	serveFlag uint32
	logger    *zap.SugaredLogger

	serverState

	log *replog.Log
	sm  sm.StateMachine

	dg  transport.Datagram
	rma transport.RMA

	confStore *configStore

	peersMu sync.RWMutex
	peers   map[transport.PeerID]*peerRecord

	pendingMu sync.Mutex
	pending   map[uint64]replyWaiter

	lastApplied uint64

	// controlBuf backs transport.RegionControl: this server's own Offsets
	// snapshot followed by its NC-buffer, refreshed after every local log
	// mutation so a peer's RMA read of it is never more than one mutation
	// stale (spec.md §4.5 steps 1-2 read exactly this from the *other*
	// side).
	controlBuf  []byte
	voteSlotBuf []byte

	commitCh   chan uint64
	applyCh    chan struct{}
	shutdownCh chan error
	serveErrCh chan error

	flagReselectLoop uint32
	shutdownOnce     sync.Once
}

func NewServer(core ServerCoreOptions, opts ...ServerOption) (*Server, error) {
	if core.LogSize == 0 {
		return nil, errors.New("server: LogSize must be non-zero")
	}
	o := applyServerOpts(opts...)

	peers := map[transport.PeerID]*peerRecord{}
	var self pb.Peer
	for _, p := range core.Peers {
		if p.ID == core.ID {
			self = p
			continue
		}
		peers[transport.PeerID(p.Index)] = newPeerRecord(p)
	}

	configID := replog.ConfigID{GroupSize: uint8(len(core.Peers)), Epoch: 1}
	for _, p := range core.Peers {
		configID.Active |= 1 << p.Index
	}

	s := &Server{
		id:         core.ID,
		index:      core.Index,
		self:       self,
		opts:       o,
		serverState: serverState{stateRole: Follower},
		log:        replog.New(core.LogSize),
		sm:         core.StateMachine,
		dg:         core.Datagram,
		rma:        core.RMA,
		confStore:  newConfigStore(configuration{id: configID, peers: core.Peers}),
		peers:      peers,
		pending:    map[uint64]replyWaiter{},
		commitCh:   make(chan uint64, 16),
		applyCh:    make(chan struct{}, 1),
		shutdownCh: make(chan error, 1),
		serveErrCh: make(chan error, 1),
	}
	s.logger = newLogger(o.logLevel)
	s.registerRegions()
	return s, nil
}

// registerRegions exposes this server's log and control buffers to the RMA
// transport, so other servers' one-sided writes and reads have somewhere
// to land. Real NIC-backed RMA would pin and register these buffers with
// the hardware; the reference transport/rma implementation simply keeps a
// map from Region to the []byte it was given here.
func (s *Server) registerRegions() {
	s.rma.Register(transport.RegionLog, s.log.Buffer())
	s.controlBuf = make([]byte, offsetsWireSize+ncBufferWireSize)
	s.rma.Register(transport.RegionControl, s.controlBuf)
	s.voteSlotBuf = make([]byte, storedVoteSlotSize)
	s.rma.Register(transport.RegionStoredVote, s.voteSlotBuf)
}

// refreshVoteSlot re-encodes this server's last vote summary into
// voteSlotBuf, the region a verifying leader's verifyLeadership reads over
// RMA (spec.md §4.4).
func (s *Server) refreshVoteSlot() {
	copy(s.voteSlotBuf, encodeStoredVoteSlot(pb.StoredVoteSlot{Term: s.currentTerm(), VotedFor: s.lastVoteSummary().candidate}))
}

// refreshControlState re-encodes this server's Offsets and NC-buffer into
// controlBuf so they stay current for a peer's next RMA read. Called after
// local appends and commit advances; the stored-vote slot is refreshed
// separately by refreshVoteSlot.
func (s *Server) refreshControlState() {
	copy(s.controlBuf[:offsetsWireSize], encodeOffsetsWire(s.log.Offsets()))
	nc, err := s.log.BuildNCBuffer()
	if err != nil {
		s.logger.Warnw("NC-buffer overflow", logFields(s, zap.Error(err))...)
	}
	copy(s.controlBuf[offsetsWireSize:], encodeNCBufferWire(nc))
}

// ingestControlOffsets adopts this server's own control-region End into its
// Log. A follower's log bytes land straight into its registered RegionLog
// buffer via one-sided writes — replog.Log's backing array is correct the
// instant a replication write completes — but replog.Log's own end/tail
// bookkeeping is local state nothing remote can touch directly; only the
// leader's own replicateTo/adjustFollower ever learn the right End, and they
// hand it over by writing it into this server's RegionControl at
// endOffsetWireAddr (see syncFollowerEnd). Call this before reading any
// entry out of Log — the apply loop and the election log-tail check both
// need it — so they see what has actually arrived over RMA instead of the
// log's permanently-empty zero state. A no-op for the leader, whose own End
// is already authoritative from its local appends.
func (s *Server) ingestControlOffsets() {
	if s.role() == Leader {
		return
	}
	remoteEnd := decodeUint64Wire(s.controlBuf[endOffsetWireAddr : endOffsetWireAddr+8])
	if remoteEnd == s.log.End() {
		return
	}
	s.log.SetEnd(remoteEnd)
	s.log.RecomputeTail()
}

// learnPeers merges a configuration's peer list into this server's own
// peer directory, adding a peerRecord for any index not already tracked.
// Called whenever a heartbeat's piggybacked pb.Configuration arrives (see
// HeartbeatRequest.Config's doc comment), so a follower's directory holds
// every peer's address well before it ever applies the CONFIG log entry
// that makes membership authoritative.
func (s *Server) learnPeers(list []pb.Peer) {
	if len(list) == 0 {
		return
	}
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	for _, p := range list {
		if p.ID == s.id {
			if s.self.ID == "" {
				s.self = p
			}
			continue
		}
		if _, ok := s.peers[transport.PeerID(p.Index)]; !ok {
			s.peers[transport.PeerID(p.Index)] = newPeerRecord(p)
		}
	}
}

func (s *Server) ID() string       { return s.id }
func (s *Server) Index() uint8     { return s.index }
func (s *Server) Log() *replog.Log { return s.log }

func (s *Server) alterRole(role ServerRole) {
	s.logger.Infow("alter role", logFields(s, "new_role", role.String())...)
	s.setRole(role)
}

func (s *Server) alterTerm(term uint64) {
	s.logger.Infow("alter term", logFields(s, "new_term", term)...)
	s.setCurrentTerm(term)
}

func (s *Server) alterLeader(id string) {
	s.logger.Infow("alter leader", logFields(s, "new_leader", id)...)
	s.setLeaderHint(id)
}

// stepdownFollower converts the server into a follower, discarding any
// leader-only replication state; outstanding remote writes are left to
// complete or fail, their completions simply ignored once posted under a
// stale term (spec.md §5 "Cancellation & timeouts").
func (s *Server) stepdownFollower(leaderID string) {
	s.setRole(Follower)
	s.setLeaderHint(leaderID)
	s.log.ResetTailCache()
}

func (s *Server) randomTimer(timeout time.Duration) *time.Timer {
	offset := rand.Int63n(int64(s.opts.maxTimerRandomOffsetRatio*float64(timeout)) + 1)
	return time.NewTimer(timeout + time.Duration(offset))
}

func (s *Server) reselectLoop()      { atomic.StoreUint32(&s.flagReselectLoop, 1) }
func (s *Server) resetReselectLoop() { atomic.StoreUint32(&s.flagReselectLoop, 0) }
func (s *Server) shouldReselectLoop() bool {
	return atomic.LoadUint32(&s.flagReselectLoop) != 0
}

func (s *Server) runMainLoop() {
	for !s.shutdownState() {
		s.resetReselectLoop()
		switch s.role() {
		case Leader:
			s.runLoopLeader()
		case Candidate:
			s.runLoopCandidate()
		case Follower:
			s.runLoopFollower()
		}
	}
}

// handleRPC type-switches an inbound datagram RPC onto the right handler
// and responds exactly once, the same dispatch shape as the teacher's
// Server.handleRPC.
func (s *Server) handleRPC(rpc *transport.RPC) {
	switch req := rpc.Request.(type) {
	case *pb.RequestVoteRequest:
		rpc.Respond(s.handleRequestVote(req))
	case *pb.HeartbeatRequest:
		rpc.Respond(s.handleHeartbeat(req))
	case *pb.SnapshotFragmentRequest:
		rpc.Respond(s.handleSnapshotFragment(req))
	case *pb.ClientRequest:
		s.handleClientRequest(rpc, req)
	default:
		s.logger.Warnw("incoming RPC is unrecognized", logFields(s, "request", fmt.Sprintf("%T", req))...)
		rpc.Respond(nil, errors.New("server: unrecognized request type"))
	}
}

func (s *Server) internalShutdown(err error) {
	if !s.setShutdownState() {
		return
	}
	s.logger.Infow("ready to shutdown", logFields(s, zap.Error(err))...)
	if closer, ok := s.dg.(transport.Closer); ok {
		if cerr := closer.Close(); cerr != nil {
			s.logger.Warnw("error closing datagram transport", logFields(s, zap.Error(cerr))...)
		}
	}
	s.sm.Destroy()
	s.serveErrCh <- err
}

// Serve starts the datagram transport and the main loop, blocking until
// Shutdown is called or an unrecoverable error occurs.
func (s *Server) Serve() error {
	if !atomic.CompareAndSwapUint32(&s.serveFlag, 0, 1) {
		return errors.New("server: Serve can only be called once")
	}
	go func() {
		if srv, ok := s.dg.(interface{ Serve() error }); ok {
			if err := srv.Serve(); err != nil {
				s.internalShutdown(err)
			}
		}
	}()
	go s.runMainLoop()
	return <-s.serveErrCh
}

func (s *Server) Shutdown(err error) {
	s.shutdownOnce.Do(func() { s.shutdownCh <- err })
}

// ApplyCommand submits a command for replication. On a follower it returns
// ErrNotLeader immediately — spec.md's client protocol expects the caller
// (or a thin proxy in front of it) to retry against LeaderHint, not for the
// server to forward the request itself.
func (s *Server) ApplyCommand(ctx context.Context, cltID uint16, reqID uint64, payload []byte) (*FutureTask[struct{}, []byte], error) {
	if s.role() != Leader {
		return nil, ErrNotLeader
	}
	task := newFutureTask[[]byte](struct{}{})
	if _, err := s.appendClientEntry(cltID, reqID, payload); err != nil {
		task.setResult(nil, err)
		return task, nil
	}
	s.pendingMu.Lock()
	s.pending[reqID] = &futureReplyWaiter{task: task}
	s.pendingMu.Unlock()
	return task, nil
}
