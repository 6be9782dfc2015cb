package server

import "errors"

// Error kinds from spec.md §7. STALE_TERM and PEER_ERROR never escape the
// server as errors returned to callers — they only ever drive internal
// state transitions (step down, mark peer inactive) — so only the kinds a
// caller can actually observe are exported here.
var (
	ErrNotLeader        = errors.New("server: not the leader")
	ErrLogFull          = errors.New("server: log is full")
	ErrNoQuorum         = errors.New("server: no quorum available")
	ErrShutdown         = errors.New("server: server is shutting down")
	ErrDeadlineExceeded = errors.New("server: deadline exceeded")
)

// Must1 panics if err is non-nil. Reserved for invariant violations the
// spec treats as impossible in a correct run (e.g. a commit index beyond
// the local log), never for recoverable failures.
func Must1(err error) {
	if err != nil {
		panic(err)
	}
}

// Must2 panics if err is non-nil, otherwise returns v.
func Must2[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
