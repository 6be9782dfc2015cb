// Package null implements an sm.StateMachine that discards every command.
// It is useful for exercising the replication engine itself (election,
// commit advancement, log adjustment) without any state-machine-specific
// behavior getting in the way, the way SM_NULL does in the original DARE
// source (dare_sm.h).
package null

import (
	"context"

	"github.com/mpoke/dare-go/sm"
)

type StateMachine struct {
	applied uint64
}

func New() *StateMachine { return &StateMachine{} }

func (s *StateMachine) Kind() sm.Kind { return sm.KindNull }

func (s *StateMachine) Destroy() {}

func (s *StateMachine) ApplyCmd(ctx context.Context, cmd []byte) ([]byte, error) {
	s.applied++
	return nil, nil
}

func (s *StateMachine) Size() uint32 { return 8 }

func (s *StateMachine) CreateSnapshot(buf []byte) (uint32, error) {
	if len(buf) < 8 {
		return 0, nil
	}
	putUint64(buf, s.applied)
	return 8, nil
}

func (s *StateMachine) ApplySnapshot(buf []byte) error {
	if len(buf) < 8 {
		return nil
	}
	s.applied = getUint64(buf)
	return nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
