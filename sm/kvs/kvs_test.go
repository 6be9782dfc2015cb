package kvs

import (
	"context"
	"testing"

	"github.com/mpoke/dare-go/sm"
)

func applyCmd(t *testing.T, s *StateMachine, c Command) []byte {
	t.Helper()
	b, err := EncodeCommand(c)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	resp, err := s.ApplyCmd(context.Background(), b)
	if err != nil {
		t.Fatalf("ApplyCmd: %v", err)
	}
	return resp
}

func TestStateMachineKind(t *testing.T) {
	if New().Kind() != sm.KindKVS {
		t.Fatalf("expected KindKVS")
	}
}

func TestStateMachineSetGetUnset(t *testing.T) {
	s := New()
	applyCmd(t, s, Command{Type: CommandSet, Key: "a", Value: []byte("1")})

	v, ok := s.Value("a")
	if !ok || string(v) != "1" {
		t.Fatalf("expected a=1, got %q ok=%v", v, ok)
	}

	got := applyCmd(t, s, Command{Type: CommandGet, Key: "a"})
	if string(got) != "1" {
		t.Fatalf("expected ApplyCmd(get) to return 1, got %q", got)
	}

	applyCmd(t, s, Command{Type: CommandUnset, Key: "a"})
	if _, ok := s.Value("a"); ok {
		t.Fatal("expected key a to be gone after unset")
	}
}

func TestStateMachineApplyCmdUnknownType(t *testing.T) {
	s := New()
	b, _ := EncodeCommand(Command{Type: CommandType(99), Key: "a"})
	if _, err := s.ApplyCmd(context.Background(), b); err == nil {
		t.Fatal("expected an unknown command type to error")
	}
}

func TestStateMachineApplyCmdBadPayload(t *testing.T) {
	s := New()
	if _, err := s.ApplyCmd(context.Background(), []byte{0xff, 0xff}); err == nil {
		t.Fatal("expected a malformed command payload to error")
	}
}

func TestStateMachineSnapshotRoundTrip(t *testing.T) {
	s := New()
	applyCmd(t, s, Command{Type: CommandSet, Key: "a", Value: []byte("1")})
	applyCmd(t, s, Command{Type: CommandSet, Key: "b", Value: []byte("2")})

	buf := make([]byte, s.Size())
	n, err := s.CreateSnapshot(buf)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	restored := New()
	if err := restored.ApplySnapshot(buf[:n]); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if v, ok := restored.Value("a"); !ok || string(v) != "1" {
		t.Fatalf("expected restored a=1, got %q ok=%v", v, ok)
	}
	if v, ok := restored.Value("b"); !ok || string(v) != "2" {
		t.Fatalf("expected restored b=2, got %q ok=%v", v, ok)
	}
}

func TestStateMachineCreateSnapshotTooSmallBuffer(t *testing.T) {
	s := New()
	applyCmd(t, s, Command{Type: CommandSet, Key: "a", Value: []byte("1")})
	if _, err := s.CreateSnapshot(make([]byte, 1)); err == nil {
		t.Fatal("expected CreateSnapshot to fail when buf is smaller than the encoded state")
	}
}
