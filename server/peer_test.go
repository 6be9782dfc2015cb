package server

import (
	"testing"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/transport"
)

func TestNewPeerRecordDefaults(t *testing.T) {
	p := newPeerRecord(pb.Peer{Index: 1, ID: "n1", Endpoint: "10.0.0.1:9000"})
	if !p.isActive() {
		t.Fatal("expected a freshly created peer record to be active")
	}
	next, match, state := p.snapshot()
	if next != 0 || match != 0 || state != transport.QPActive {
		t.Fatalf("unexpected defaults: next=%d match=%d state=%v", next, match, state)
	}
}

func TestPeerRecordOffsetTracking(t *testing.T) {
	p := newPeerRecord(pb.Peer{Index: 1, ID: "n1"})
	p.setNextOffset(100)
	p.setMatchOffset(50)
	next, match, _ := p.snapshot()
	if next != 100 || match != 50 {
		t.Fatalf("expected next=100 match=50, got next=%d match=%d", next, match)
	}
}

func TestPeerRecordQPErrorMarksInactive(t *testing.T) {
	p := newPeerRecord(pb.Peer{Index: 1, ID: "n1"})
	p.setQPState(transport.QPError)
	if p.isActive() {
		t.Fatal("expected a peer with QPError state to report inactive")
	}
}

func TestPeerRecordExplicitDeactivation(t *testing.T) {
	p := newPeerRecord(pb.Peer{Index: 1, ID: "n1"})
	p.setActive(false)
	if p.isActive() {
		t.Fatal("expected explicitly deactivated peer to report inactive")
	}
}

func TestPeerRecordSendCountIncrements(t *testing.T) {
	p := newPeerRecord(pb.Peer{Index: 1, ID: "n1"})
	if c := p.incSendCount(); c != 1 {
		t.Fatalf("expected first increment to be 1, got %d", c)
	}
	if c := p.incSendCount(); c != 2 {
		t.Fatalf("expected second increment to be 2, got %d", c)
	}
}
