package server

import "sync"

// ServerRole mirrors the teacher's Follower/Candidate/Leader enum, ordered
// so role comparisons (role() < Follower, etc.) read naturally.
type ServerRole uint8

const (
	Follower ServerRole = iota
	Candidate
	Leader
)

func (r ServerRole) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// voteSummary is the last (term, candidate) this server voted for, part of
// the election state spec.md §3 requires survive as long as the process
// runs (there is no on-disk persistence per spec.md §6 "Persisted state:
// None").
type voteSummary struct {
	term      uint64
	candidate string
}

// serverState is the mutable election/role state a server's main loop and
// RPC handlers both touch, guarded by a single mutex the way the teacher's
// serverState embeds one lock for current_term/role/leader together
// (spec.md §3 "Election state... mutated only by the election engine under
// exclusive access").
type serverState struct {
	mu sync.RWMutex

	stateRole  ServerRole
	term       uint64
	lastVote   voteSummary
	leaderHint string

	shutdown bool
}

func (s *serverState) role() ServerRole {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateRole
}

func (s *serverState) setRole(role ServerRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateRole = role
}

func (s *serverState) currentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term
}

func (s *serverState) setCurrentTerm(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
}

func (s *serverState) setLastVoteSummary(term uint64, candidate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVote = voteSummary{term: term, candidate: candidate}
}

func (s *serverState) lastVoteSummary() voteSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastVote
}

func (s *serverState) setLeaderHint(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderHint = id
}

func (s *serverState) leaderHintID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderHint
}

func (s *serverState) setShutdownState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.shutdown = true
	return true
}

func (s *serverState) shutdownState() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}
