package server

import (
	"sync"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/transport"
)

// peerRecord is the "server record" of spec.md §3: role-agnostic identity
// plus the leader-only replication progress fields, one per cluster member
// other than self.
type peerRecord struct {
	mu sync.Mutex

	peer pb.Peer

	// nextOffset is where the leader will write this follower's next entry;
	// matchOffset is the highest offset confirmed written. Both are leader-
	// only and reset whenever leadership is (re)gained.
	nextOffset  uint64
	matchOffset uint64

	qpState   transport.QPState
	sendCount uint64

	// active is false once a peer has been dropped from the configuration
	// (spec.md §4.3 CONFIG handling, see installConfig). A peer whose QP is
	// in error after write failures (spec.md §4.6) is also left out of
	// quorum counting, through qpState rather than this flag (see isActive).
	active bool
}

func newPeerRecord(p pb.Peer) *peerRecord {
	return &peerRecord{peer: p, qpState: transport.QPActive, active: true}
}

func (p *peerRecord) snapshot() (next, match uint64, state transport.QPState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextOffset, p.matchOffset, p.qpState
}

func (p *peerRecord) setNextOffset(offset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextOffset = offset
}

func (p *peerRecord) setMatchOffset(offset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matchOffset = offset
}

func (p *peerRecord) setQPState(state transport.QPState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.qpState = state
}

func (p *peerRecord) incSendCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCount++
	return p.sendCount
}

func (p *peerRecord) isActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && p.qpState != transport.QPError
}

func (p *peerRecord) setActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = active
}
