package null

import (
	"context"
	"testing"

	"github.com/mpoke/dare-go/sm"
)

func TestStateMachineKind(t *testing.T) {
	s := New()
	if s.Kind() != sm.KindNull {
		t.Fatalf("expected KindNull, got %v", s.Kind())
	}
}

func TestStateMachineApplyCmdCountsAndSnapshots(t *testing.T) {
	s := New()
	for i := 0; i < 3; i++ {
		if _, err := s.ApplyCmd(context.Background(), []byte("anything")); err != nil {
			t.Fatalf("ApplyCmd: %v", err)
		}
	}

	buf := make([]byte, s.Size())
	n, err := s.CreateSnapshot(buf)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 bytes written, got %d", n)
	}

	restored := New()
	if err := restored.ApplySnapshot(buf[:n]); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if restored.applied != 3 {
		t.Fatalf("expected restored applied count 3, got %d", restored.applied)
	}
}

func TestStateMachineCreateSnapshotUndersizedBuffer(t *testing.T) {
	s := New()
	n, err := s.CreateSnapshot(make([]byte, 2))
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes written for an undersized buffer, got %d", n)
	}
}
