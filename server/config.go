package server

import (
	"sync"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/replog"
)

// configuration is the decoded membership a CONFIG log entry establishes:
// the compact replog.ConfigID that actually lives in the log, plus the full
// peer list needed to address each member (spec.md §3 "Election state" and
// the pb.Configuration doc comment on why the two are kept separate).
type configuration struct {
	id    replog.ConfigID
	peers []pb.Peer
}

func (c configuration) quorum() int { return c.id.Quorum() }

func (c configuration) contains(index uint8) bool { return c.id.Contains(index) }

func (c configuration) peerByID(serverID string) (pb.Peer, bool) {
	for _, p := range c.peers {
		if p.ID == serverID {
			return p, true
		}
	}
	return pb.Peer{}, false
}

func (c configuration) peerByIndex(index uint8) (pb.Peer, bool) {
	for _, p := range c.peers {
		if p.Index == index {
			return p, true
		}
	}
	return pb.Peer{}, false
}

// configStore holds the single currently-active configuration. DARE has no
// joint-consensus intermediate state the way the teacher's configurationStore
// does (spec.md's RECONF is a single CONFIG entry swap, not a two-phase
// transition — see the "Open Questions" resolution in DESIGN.md), so this
// is a plain guarded value rather than the teacher's current/next pair.
type configStore struct {
	mu     sync.RWMutex
	active configuration
}

func newConfigStore(initial configuration) *configStore {
	return &configStore{active: initial}
}

func (s *configStore) Latest() configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *configStore) Set(c configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = c
}
