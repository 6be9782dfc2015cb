package server

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/replog"
	"github.com/mpoke/dare-go/transport"
)

// runLoopLeader is the steady-state replication loop: it reacts to commit
// advances, inbound RPCs, heartbeat ticks, and write completions, posting
// no work itself outside of appendClientEntry/triggerReplication, which run
// on the RPC-handling goroutines and post their RMA writes directly
// (spec.md §5 "the replication core never blocks").
func (s *Server) runLoopLeader() {
	s.logger.Infow("run leader loop", logFields(s)...)

	heartbeat := time.NewTicker(s.opts.heartbeatInterval)
	defer heartbeat.Stop()

	for s.role() == Leader {
		select {
		case commit := <-s.commitCh:
			s.advanceCommit(commit)
		case rpc := <-s.dg.Inbound():
			go s.handleRPC(rpc)
		case <-heartbeat.C:
			s.sendHeartbeats()
		case comp := <-s.rma.Poll():
			s.handleCompletion(comp)
		case err := <-s.shutdownCh:
			s.internalShutdown(err)
			return
		}
		if s.shouldReselectLoop() {
			return
		}
	}
}

// becomeLeader appends a term-forcing NOOP, recomputes the tail cache, then
// runs spec.md §4.5's log-adjustment protocol against every follower, and
// only then starts issuing replication writes — so every follower's end is
// reset to where its log stops matching the leader's before any entry is
// written to it.
func (s *Server) becomeLeader() {
	s.alterRole(Leader)
	s.alterLeader(s.id)

	if _, err := s.log.AppendNoop(s.currentTerm()); err != nil {
		s.logger.Warnw("failed to append term-forcing NOOP", logFields(s, zap.Error(err))...)
	}
	s.log.RecomputeTail()
	s.refreshControlState()

	s.peersMu.RLock()
	targets := make([]*peerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		targets = append(targets, p)
	}
	s.peersMu.RUnlock()

	for _, p := range targets {
		s.adjustFollower(p)
	}

	s.triggerReplication()
}

// adjustFollower implements spec.md §4.5 steps 1-4 for a single peer.
func (s *Server) adjustFollower(p *peerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	peerID := transport.PeerID(p.peer.Index)

	offsetsRaw, err := s.rma.Read(ctx, peerID, transport.RegionControl, 0, offsetsWireSize)
	if err != nil {
		s.logger.Warnw("log adjustment: failed reading peer offsets", logFields(s, "peer", p.peer.ID, zap.Error(err))...)
		p.setQPState(transport.QPError)
		return
	}
	remoteOffsets := decodeOffsetsWire(offsetsRaw)

	ncRaw, err := s.rma.Read(ctx, peerID, transport.RegionControl, offsetsWireSize, ncBufferWireSize)
	if err != nil {
		s.logger.Warnw("log adjustment: failed reading peer NC-buffer", logFields(s, "peer", p.peer.ID, zap.Error(err))...)
		p.setQPState(transport.QPError)
		return
	}
	remoteNC := decodeNCBufferWire(ncRaw)

	mismatch := s.log.FindRemoteEnd(remoteOffsets.Commit, remoteNC)

	if err := s.rma.Write(ctx, peerID, transport.RegionControl, endOffsetWireAddr, encodeUint64Wire(mismatch),
		transport.WorkRequestID{Term: s.currentTerm(), SSN: p.incSendCount()}, true); err != nil {
		s.logger.Warnw("log adjustment: failed writing truncated end", logFields(s, "peer", p.peer.ID, zap.Error(err))...)
		p.setQPState(transport.QPError)
		return
	}

	p.setNextOffset(mismatch)
	p.setMatchOffset(mismatch)
	p.setQPState(transport.QPActive)
}

// triggerReplication posts writes for every active peer whose
// next_offset lags the local log's end — called after every local append
// and after becomeLeader's adjustment pass.
func (s *Server) triggerReplication() {
	if s.role() != Leader {
		return
	}
	s.peersMu.RLock()
	targets := make([]*peerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		if p.isActive() {
			targets = append(targets, p)
		}
	}
	s.peersMu.RUnlock()

	end := s.log.End()
	for _, p := range targets {
		next, _, _ := p.snapshot()
		if next == end {
			continue
		}
		s.replicateTo(p, next, end)
	}
}

// replicateTo posts a one-sided write of [from, to) into the peer's log
// region, splitting across the physical wrap point if needed, per spec.md
// §4.2 step 2. Every K-th write is signaled; the rest still carry an
// SSN-tagged WorkRequestID so stale completions are identifiable even when
// not waited on.
func (s *Server) replicateTo(p *peerRecord, from, to uint64) {
	ctx := context.Background()
	peerID := transport.PeerID(p.peer.Index)
	ssn := p.incSendCount()
	signaled := int(ssn)%s.opts.signalEvery == 0
	wr := transport.WorkRequestID{Term: s.currentTerm(), SSN: ssn}

	// write's completion reports EndAtPost = dstOffset+len(data), which is
	// only a valid match_offset for the terminal segment of this call — a
	// wrapped replicateTo's first segment ends mid-buffer, not at the
	// logical destination `to`. Only the final segment may be signaled, so
	// handleCompletion never ranks a peer by a mid-wrap byte offset.
	write := func(dstOffset uint64, data []byte, final bool) error {
		if len(data) == 0 {
			return nil
		}
		return s.rma.Write(ctx, peerID, transport.RegionLog, dstOffset, data, wr, final && signaled)
	}

	if to >= from {
		if err := write(from, s.logBytesBetween(from, to), true); err != nil {
			s.logger.Debugw("replicate write failed", logFields(s, "peer", p.peer.ID, zap.Error(err))...)
			return
		}
	} else {
		// Wrapped: write [from, L) then [0, to).
		if err := write(from, s.logBytesBetween(from, s.log.Len()), false); err != nil {
			s.logger.Debugw("replicate write failed", logFields(s, "peer", p.peer.ID, zap.Error(err))...)
			return
		}
		if err := write(0, s.logBytesBetween(0, to), true); err != nil {
			s.logger.Debugw("replicate write failed", logFields(s, "peer", p.peer.ID, zap.Error(err))...)
			return
		}
	}

	p.setNextOffset(to)
	if !signaled {
		// Optimistically advance match_offset too; a signaled completion
		// will confirm it, and an error completion will roll qp_state to
		// ERROR rather than rolling this back (spec.md §4.6).
		p.setMatchOffset(to)
	}

	s.syncFollowerEnd(p, peerID, to)
}

// syncFollowerEnd keeps a follower's RegionControl End current on every
// steady-state replication write, not just at leader-transition time —
// generalizing adjustFollower's one-time adjustment write (spec.md §4.5 step
// 4, "remotely write the follower's end") to every subsequent replicateTo.
// Without this the follower's own end never advances past whatever
// adjustFollower last wrote, so it can never leave the initial log-gap state
// ingestControlOffsets is meant to resolve. Unsignaled: a lost or reordered
// update is harmless, since the next replication round writes a newer End.
func (s *Server) syncFollowerEnd(p *peerRecord, peerID transport.PeerID, end uint64) {
	wr := transport.WorkRequestID{Term: s.currentTerm(), SSN: p.incSendCount()}
	if err := s.rma.Write(context.Background(), peerID, transport.RegionControl, endOffsetWireAddr, encodeUint64Wire(end), wr, false); err != nil {
		s.logger.Debugw("failed syncing follower end", logFields(s, "peer", p.peer.ID, zap.Error(err))...)
	}
}

// logBytesBetween slices [from, to) of the local log through the RMA
// transport's optional LocalLogBytes method. The reference transport/rma
// implementation serves it from the buffer registered as RegionLog, which
// is replog.Log's own Buffer() (see registerRegions). It returns nil when
// the transport has no such method.
func (s *Server) logBytesBetween(from, to uint64) []byte {
	lb, ok := s.rma.(interface{ LocalLogBytes(from, to uint64) []byte })
	if !ok {
		return nil
	}
	return lb.LocalLogBytes(from, to)
}

func (s *Server) handleCompletion(comp transport.Completion) {
	if comp.WR.Term != s.currentTerm() {
		// Stale completion from a term we've since left; discard
		// (spec.md §5 "stale completions are discarded").
		return
	}
	s.peersMu.RLock()
	p, ok := s.peers[comp.Peer]
	s.peersMu.RUnlock()
	if !ok {
		return
	}
	if comp.Status != transport.CompletionOK {
		s.logger.Warnw("write completion failed", logFields(s, "peer", comp.Peer)...)
		p.setQPState(transport.QPError)
		return
	}
	p.setMatchOffset(comp.EndAtPost)
	s.maybeAdvanceCommit()
}

// maybeAdvanceCommit implements spec.md §4.2's commit rule: gather
// match_offset for active peers plus the leader's own end, sort by
// log.IsLarger (descending, i.e. "most advanced first"), and take the
// element at 0-based index n/2, which a majority of the n offsets have
// reached — but only if that offset's entry was appended in the current
// term.
func (s *Server) maybeAdvanceCommit() {
	s.peersMu.RLock()
	offsets := make([]uint64, 0, len(s.peers)+1)
	for _, p := range s.peers {
		if p.isActive() {
			_, match, _ := p.snapshot()
			offsets = append(offsets, match)
		}
	}
	s.peersMu.RUnlock()
	offsets = append(offsets, s.log.End())

	sort.Slice(offsets, func(i, j int) bool { return s.log.IsLarger(offsets[i], offsets[j]) })

	n := len(offsets)
	idx := n / 2
	if idx < 0 || idx >= n {
		return
	}
	candidate := offsets[idx]

	e, ok := s.log.EntryAt(candidate)
	if candidate != s.log.End() && (!ok || e.Term != s.currentTerm()) {
		return
	}
	select {
	case s.commitCh <- candidate:
	default:
	}
}

// advanceCommit runs spec.md §4.3's apply loop from the log's current
// apply offset through commit, invoking the state machine and the CONFIG/
// HEAD housekeeping described there.
func (s *Server) advanceCommit(commit uint64) {
	s.ingestControlOffsets()
	if s.log.IsLarger(s.log.Commit(), commit) {
		return
	}
	s.log.SetCommit(commit)

	for s.log.Apply() != s.log.Commit() {
		e, ok := s.log.EntryAt(s.log.Apply())
		if !ok {
			s.logger.Panicw("log gap detected while applying", logFields(s, "offset", s.log.Apply())...)
		}
		s.applyEntry(e)
		s.log.SetApply(s.log.NextOffset(e))
	}
	s.refreshControlState()

	if s.log.Apply()-s.log.Head() > s.opts.snapshotThreshold && s.role() == Leader {
		s.maybeSnapshot()
	}
}

func (s *Server) applyEntry(e replog.Entry) {
	switch e.Type {
	case replog.EntryCSM:
		data, err := s.sm.ApplyCmd(context.Background(), e.Payload)
		if err != nil {
			s.logger.Warnw("apply_cmd failed", logFields(s, "idx", e.Idx, zap.Error(err))...)
			if s.role() == Leader {
				s.resolvePending(e.ReqID, pb.StatusInternalError, nil)
			}
			s.Shutdown(err)
			return
		}
		if s.role() == Leader {
			s.resolvePending(e.ReqID, pb.StatusOK, data)
		}
	case replog.EntryCONFIG:
		s.installConfig(e.ConfigID)
	case replog.EntryHEAD:
		s.log.AdvanceHead(e.HeadOffset)
	case replog.EntryNOOP:
		// no-op
	}
}

// installConfig applies a committed CONFIG entry. The log entry only
// carries the compact ConfigID (group size, bit-vector, epoch); the full
// peer directory needed to resolve each bit to an address is assembled
// from whatever this server already knows about its peers — added by
// appendReconfEntry on the leader that appended the entry, and by
// learnPeers from the configuration carried in the leader's heartbeats on
// a follower (see pb.Configuration's doc comment). Known peers outside the
// new ConfigID are marked inactive.
func (s *Server) installConfig(id replog.ConfigID) {
	peerList := make([]pb.Peer, 0, id.GroupSize)
	if id.Contains(s.index) {
		peerList = append(peerList, s.self)
	}
	s.peersMu.RLock()
	for _, p := range s.peers {
		member := id.Contains(p.peer.Index)
		p.setActive(member)
		if member {
			peerList = append(peerList, p.peer)
		}
	}
	s.peersMu.RUnlock()

	s.confStore.Set(configuration{id: id, peers: peerList})

	if !id.Contains(s.index) {
		s.logger.Infow("no longer a member of the active configuration, shutting down", logFields(s)...)
		s.Shutdown(nil)
	}
}

// appendReconfEntry decodes the client's requested membership change into
// a ConfigID and appends a CONFIG entry for it. The full pb.Configuration
// (peer endpoints) travels in the client payload itself, since only the
// compact ConfigID belongs in the log (see pb.Configuration's doc comment).
func (s *Server) appendReconfEntry(req *pb.ClientRequest) (uint64, error) {
	cfg, err := decodeConfigurationPayload(req.Payload)
	if err != nil {
		return 0, err
	}
	id := replog.ConfigID{GroupSize: uint8(len(cfg.Peers)), Epoch: cfg.Epoch}
	for _, p := range cfg.Peers {
		id.Active |= 1 << p.Index
	}
	idx, err := s.log.AppendConfig(s.currentTerm(), id)
	if err != nil {
		return 0, err
	}
	s.refreshControlState()
	// Track the new peer set immediately so replication can address new
	// members as soon as the entry is appended; membership only becomes
	// authoritative for quorum counting once the CONFIG entry commits
	// (installConfig), matching spec.md §4.3's CONFIG handling.
	s.peersMu.Lock()
	for _, p := range cfg.Peers {
		if p.ID == s.id {
			continue
		}
		if _, ok := s.peers[transport.PeerID(p.Index)]; !ok {
			s.peers[transport.PeerID(p.Index)] = newPeerRecord(p)
		}
	}
	s.peersMu.Unlock()
	return idx, nil
}

// maybeSnapshot implements spec.md §4.3's snapshot trigger: serialize the
// state machine (the serialized bytes are not kept), then append a HEAD
// entry carrying the current apply offset, which is the start of the first
// entry not yet applied, so head can advance there once that HEAD entry
// itself commits and applies.
func (s *Server) maybeSnapshot() {
	size := s.sm.Size()
	buf := make([]byte, size)
	if _, err := s.sm.CreateSnapshot(buf); err != nil {
		s.logger.Warnw("snapshot creation failed", logFields(s, zap.Error(err))...)
		return
	}
	if _, err := s.log.AppendHead(s.currentTerm(), s.log.Apply()); err != nil {
		s.logger.Warnw("failed to append HEAD entry", logFields(s, zap.Error(err))...)
		return
	}
	s.refreshControlState()
	s.triggerReplication()
}

func (s *Server) sendHeartbeats() {
	commit := s.log.Commit()
	term := s.currentTerm()
	conf := s.confStore.Latest()
	req := &pb.HeartbeatRequest{
		Term:     term,
		LeaderID: s.id,
		Commit:   commit,
		Config:   pb.Configuration{Epoch: conf.id.Epoch, Peers: conf.peers},
	}

	s.peersMu.RLock()
	targets := make([]*peerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		targets = append(targets, p)
	}
	s.peersMu.RUnlock()

	for _, p := range targets {
		p := p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.heartbeatInterval)
			defer cancel()
			resp, err := s.dg.Heartbeat(ctx, transport.PeerID(p.peer.Index), req)
			if err != nil {
				return
			}
			if resp.Term > s.currentTerm() {
				s.alterTerm(resp.Term)
				s.alterRole(Follower)
				s.reselectLoop()
			}
		}()
	}
}

// handleSnapshotFragment serves one chunk of a snapshot to a recovering
// peer. Every call serializes the state machine's current state afresh;
// the buffer maybeSnapshot creates is not kept. A recovering peer
// reassembles the snapshot by repeated calls advancing Offset until Done.
// The response's LastEntryIdx, LastEntryTerm and LastEntryOffset are left
// zero.
func (s *Server) handleSnapshotFragment(req *pb.SnapshotFragmentRequest) (*pb.SnapshotFragmentResponse, error) {
	size := s.sm.Size()
	buf := make([]byte, size)
	if _, err := s.sm.CreateSnapshot(buf); err != nil {
		return nil, err
	}
	start := int(req.Offset)
	if start > len(buf) {
		start = len(buf)
	}
	end := start + int(req.MaxLen)
	if end > len(buf) || req.MaxLen == 0 {
		end = len(buf)
	}
	return &pb.SnapshotFragmentResponse{
		TotalLen: uint32(len(buf)),
		Data:     buf[start:end],
		Done:     end >= len(buf),
	}, nil
}
