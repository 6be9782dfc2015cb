// Package kvs implements sm.StateMachine as an in-memory key-value store,
// the Go rewrite of SM_KVS from the original DARE source. It follows the
// teacher's cmd/kv state machine in shape (a map guarded by a RWMutex,
// Msgpack snapshots via ugorji/go/codec) but answers to the sm.StateMachine
// contract instead of the teacher's own raft.StateMachine interface.
package kvs

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ugorji/go/codec"

	"github.com/mpoke/dare-go/sm"
)

type StateMachine struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func New() *StateMachine {
	return &StateMachine{states: map[string][]byte{}}
}

func (s *StateMachine) Kind() sm.Kind { return sm.KindKVS }

func (s *StateMachine) Destroy() {}

func (s *StateMachine) ApplyCmd(ctx context.Context, cmd []byte) ([]byte, error) {
	c, err := DecodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("kvs: decode command: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Type {
	case CommandSet:
		s.states[c.Key] = append([]byte(nil), c.Value...)
		return nil, nil
	case CommandUnset:
		delete(s.states, c.Key)
		return nil, nil
	case CommandGet:
		return append([]byte(nil), s.states[c.Key]...), nil
	default:
		return nil, fmt.Errorf("kvs: unknown command type %d", c.Type)
	}
}

func (s *StateMachine) Size() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.encodeLocked()
	if err != nil {
		return 0
	}
	return uint32(len(data))
}

func (s *StateMachine) CreateSnapshot(buf []byte) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.encodeLocked()
	if err != nil {
		return 0, err
	}
	if len(buf) < len(data) {
		return 0, fmt.Errorf("kvs: snapshot buffer too small: need %d, have %d", len(data), len(buf))
	}
	return uint32(copy(buf, data)), nil
}

func (s *StateMachine) ApplySnapshot(buf []byte) error {
	var states map[string][]byte
	if err := codec.NewDecoder(bytes.NewReader(buf), &msgpackHandle).Decode(&states); err != nil {
		return fmt.Errorf("kvs: decode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if states == nil {
		states = map[string][]byte{}
	}
	s.states = states
	return nil
}

func (s *StateMachine) encodeLocked() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &msgpackHandle).Encode(s.states); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Value returns the current value for key, for tests and the demo CLI.
func (s *StateMachine) Value(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.states[key]
	return v, ok
}
