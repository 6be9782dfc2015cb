package server

import (
	"context"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/replog"
	"github.com/mpoke/dare-go/transport"
)

func clientStatusError(status pb.ClientStatus) error {
	switch status {
	case pb.StatusNotLeader:
		return ErrNotLeader
	case pb.StatusLogFull:
		return ErrLogFull
	case pb.StatusNoQuorum:
		return ErrNoQuorum
	default:
		return ErrShutdown
	}
}

// appendClientEntry appends a CSM entry carrying payload, tagged with the
// client's (cltID, reqID) so the apply loop can find the matching
// replyWaiter once the entry commits (spec.md §4.3 "if leader and entry
// carries a client id, send reply with out_data").
func (s *Server) appendClientEntry(cltID uint16, reqID uint64, payload []byte) (uint64, error) {
	idx, err := s.log.AppendCommand(s.currentTerm(), reqID, cltID, payload)
	if err != nil {
		return 0, err
	}
	s.refreshControlState()
	s.triggerReplication()
	return idx, nil
}

// handleClientRequest answers a ClientRequest RPC. A non-leader replies
// immediately with StatusNotLeader and a hint; a leader appends the
// command and parks the RPC in s.pending until the apply loop resolves it.
// READ requests are served immediately against the state machine via the
// caller-supplied payload interpretation — DARE treats READ as a
// linearizable query gated by the leadership-verification read
// (spec.md §4.4), performed here synchronously before answering.
func (s *Server) handleClientRequest(rpc *transport.RPC, req *pb.ClientRequest) {
	if s.role() != Leader {
		hint := pb.Peer{}
		if id := s.leaderHintID(); id != "" {
			if p, ok := s.confStore.Latest().peerByID(id); ok {
				hint = p
			}
		}
		rpc.Respond(&pb.ClientReply{ReqID: req.ReqID, Status: pb.StatusNotLeader, LeaderHint: hint}, nil)
		return
	}

	switch req.CmdType {
	case pb.ClientRead:
		s.handleClientRead(rpc, req)
	case pb.ClientWrite:
		if _, err := s.appendClientEntry(req.ClientID, req.ReqID, req.Payload); err != nil {
			rpc.Respond(&pb.ClientReply{ReqID: req.ReqID, Status: statusForAppendError(err)}, nil)
			return
		}
		s.pendingMu.Lock()
		s.pending[req.ReqID] = &rpcReplyWaiter{rpc: rpc, reqID: req.ReqID}
		s.pendingMu.Unlock()
	case pb.ClientReconf, pb.ClientDownsize:
		// Membership-change entries use the same CONFIG payload path as a
		// CSM write; the apply loop's CONFIG handling (replication.go)
		// installs the new configuration once it commits.
		if _, err := s.appendReconfEntry(req); err != nil {
			rpc.Respond(&pb.ClientReply{ReqID: req.ReqID, Status: statusForAppendError(err)}, nil)
			return
		}
		s.pendingMu.Lock()
		s.pending[req.ReqID] = &rpcReplyWaiter{rpc: rpc, reqID: req.ReqID}
		s.pendingMu.Unlock()
	default:
		rpc.Respond(&pb.ClientReply{ReqID: req.ReqID, Status: pb.StatusInternalError}, nil)
	}
}

// handleClientRead verifies leadership before answering, per spec.md's
// read-based leadership-verification optimization (§4.4): a stale leader
// that has lost a majority of followers must not serve a read.
func (s *Server) handleClientRead(rpc *transport.RPC, req *pb.ClientRequest) {
	if !s.verifyLeadership() {
		s.stepdownFollower("")
		s.reselectLoop()
		rpc.Respond(&pb.ClientReply{ReqID: req.ReqID, Status: pb.StatusNoQuorum}, nil)
		return
	}
	data, err := s.sm.ApplyCmd(context.Background(), req.Payload)
	if err != nil {
		rpc.Respond(&pb.ClientReply{ReqID: req.ReqID, Status: pb.StatusInternalError}, nil)
		return
	}
	rpc.Respond(&pb.ClientReply{ReqID: req.ReqID, Status: pb.StatusOK, Data: data}, nil)
}

func statusForAppendError(err error) pb.ClientStatus {
	switch err {
	case replog.ErrFull:
		return pb.StatusLogFull
	case replog.ErrEntryTooLarge:
		return pb.StatusInternalError
	default:
		return pb.StatusInternalError
	}
}

// resolvePending completes and forgets the waiter registered for reqID, if
// any. Called from the apply loop once the corresponding entry's command
// has been applied to the state machine.
func (s *Server) resolvePending(reqID uint64, status pb.ClientStatus, data []byte) {
	s.pendingMu.Lock()
	w, ok := s.pending[reqID]
	if ok {
		delete(s.pending, reqID)
	}
	s.pendingMu.Unlock()
	if ok {
		w.complete(status, data)
	}
}
