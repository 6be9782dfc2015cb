// Package fsadapter implements sm.StateMachine as an opaque file-system
// state machine (the Go counterpart of SM_FS from the original DARE
// source). Commands are file mutations under a root directory; a snapshot
// is a full walk of that directory, Msgpack-encoded like the kvs adapter's
// snapshots. The core never inspects what a command or snapshot "means"
// here — per spec.md §1, everything beyond the five-callback contract is
// this adapter's own business.
package fsadapter

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ugorji/go/codec"

	"github.com/mpoke/dare-go/sm"
)

type Op uint8

const (
	OpWrite Op = iota
	OpDelete
	OpMkdir
)

type Command struct {
	Op   Op
	Path string
	Data []byte
	Mode os.FileMode
}

var msgpackHandle codec.MsgpackHandle

func EncodeCommand(c Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &msgpackHandle).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := codec.NewDecoder(bytes.NewReader(b), &msgpackHandle).Decode(&c); err != nil {
		return Command{}, err
	}
	return c, nil
}

type fileRecord struct {
	Path string
	Data []byte
	Mode os.FileMode
	Dir  bool
}

// StateMachine applies commands to files rooted at Root. Root must exist
// and be exclusively owned by this state machine instance.
type StateMachine struct {
	mu   sync.Mutex
	Root string
}

func New(root string) *StateMachine {
	return &StateMachine{Root: root}
}

func (s *StateMachine) Kind() sm.Kind { return sm.KindFS }

func (s *StateMachine) Destroy() {}

func (s *StateMachine) resolve(p string) (string, error) {
	clean := filepath.Clean("/" + p)
	full := filepath.Join(s.Root, clean)
	if full != s.Root && !filepathHasPrefix(full, s.Root) {
		return "", fmt.Errorf("fsadapter: path %q escapes root", p)
	}
	return full, nil
}

func filepathHasPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}

func (s *StateMachine) ApplyCmd(ctx context.Context, cmd []byte) ([]byte, error) {
	c, err := DecodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("fsadapter: decode command: %w", err)
	}
	full, err := s.resolve(c.Path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Op {
	case OpWrite:
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		mode := c.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(full, c.Data, mode); err != nil {
			return nil, err
		}
	case OpMkdir:
		if err := os.MkdirAll(full, 0o755); err != nil {
			return nil, err
		}
	case OpDelete:
		if err := os.RemoveAll(full); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("fsadapter: unknown op %d", c.Op)
	}
	return nil, nil
}

func (s *StateMachine) Size() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.encodeLocked()
	if err != nil {
		return 0
	}
	return uint32(len(data))
}

func (s *StateMachine) CreateSnapshot(buf []byte) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.encodeLocked()
	if err != nil {
		return 0, err
	}
	if len(buf) < len(data) {
		return 0, fmt.Errorf("fsadapter: snapshot buffer too small: need %d, have %d", len(data), len(buf))
	}
	return uint32(copy(buf, data)), nil
}

func (s *StateMachine) ApplySnapshot(buf []byte) error {
	var records []fileRecord
	if err := codec.NewDecoder(bytes.NewReader(buf), &msgpackHandle).Decode(&records); err != nil {
		return fmt.Errorf("fsadapter: decode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.Root); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return err
	}
	for _, rec := range records {
		full := filepath.Join(s.Root, rec.Path)
		if rec.Dir {
			if err := os.MkdirAll(full, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, rec.Data, rec.Mode); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateMachine) encodeLocked() ([]byte, error) {
	var records []fileRecord
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			records = append(records, fileRecord{Path: rel, Mode: info.Mode(), Dir: true})
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		records = append(records, fileRecord{Path: rel, Data: data, Mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &msgpackHandle).Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
