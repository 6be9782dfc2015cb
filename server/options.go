package server

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// serverOptions holds every tunable the teacher exposes as a functional
// option, generalized to DARE's timing and replication constants.
type serverOptions struct {
	logLevel zapcore.Level

	// followerTimeout is the base election timeout; randomTimer adds a
	// jitter up to maxTimerRandomOffsetRatio*followerTimeout on top,
	// matching spec.md's "base 150ms, jitter 0-150ms" (§4.4).
	followerTimeout           time.Duration
	maxTimerRandomOffsetRatio float64

	// heartbeatInterval is how often the leader sends (term, commit) to
	// every peer (spec.md §4.4, "every ~25ms").
	heartbeatInterval time.Duration

	// signalEvery is K in "every K-th write is signaled" (spec.md §4.2).
	signalEvery int

	// snapshotThreshold is the apply-head distance, in bytes, past which
	// the replication engine triggers a snapshot + HEAD entry (spec.md §4.3
	// "if apply - head > threshold").
	snapshotThreshold uint64
}

type ServerOption func(*serverOptions)

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logLevel:                  zapcore.InfoLevel,
		followerTimeout:           150 * time.Millisecond,
		maxTimerRandomOffsetRatio: 1.0,
		heartbeatInterval:         25 * time.Millisecond,
		signalEvery:               8,
		snapshotThreshold:         1 << 20,
	}
}

func applyServerOpts(opts ...ServerOption) *serverOptions {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithLogLevel(level zapcore.Level) ServerOption {
	return func(o *serverOptions) { o.logLevel = level }
}

func WithFollowerTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.followerTimeout = d }
}

func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.heartbeatInterval = d }
}

// WithSignalEvery sets K, the period at which outstanding remote writes are
// signaled for completion. Untracked writes still carry an SSN-tagged
// WorkRequestID so stale completions remain identifiable; this only bounds
// how many completions the leader actually waits on (spec.md §4.2).
func WithSignalEvery(k int) ServerOption {
	return func(o *serverOptions) { o.signalEvery = k }
}

func WithSnapshotThreshold(bytes uint64) ServerOption {
	return func(o *serverOptions) { o.snapshotThreshold = bytes }
}
