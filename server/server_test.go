package server

import (
	"context"
	"errors"
	"testing"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/replog"
	"github.com/mpoke/dare-go/sm/null"
	"github.com/mpoke/dare-go/transport"
)

var errFakeTransportUnused = errors.New("server: test fake does not implement this call")

// fakeDatagram is a no-op transport.Datagram sufficient for constructing a
// Server and exercising its RPC handlers directly, without any real network
// activity — the handlers under test never call out through it.
type fakeDatagram struct {
	inbound chan *transport.RPC
}

func newFakeDatagram() *fakeDatagram {
	return &fakeDatagram{inbound: make(chan *transport.RPC, 1)}
}

func (f *fakeDatagram) RequestVote(ctx context.Context, peer transport.PeerID, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error) {
	return nil, errFakeTransportUnused
}
func (f *fakeDatagram) Heartbeat(ctx context.Context, peer transport.PeerID, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error) {
	return nil, errFakeTransportUnused
}
func (f *fakeDatagram) SnapshotFragment(ctx context.Context, peer transport.PeerID, req *pb.SnapshotFragmentRequest) (*pb.SnapshotFragmentResponse, error) {
	return nil, errFakeTransportUnused
}
func (f *fakeDatagram) ClientRequest(ctx context.Context, peer transport.PeerID, req *pb.ClientRequest) (*pb.ClientReply, error) {
	return nil, errFakeTransportUnused
}
func (f *fakeDatagram) Inbound() <-chan *transport.RPC { return f.inbound }
func (f *fakeDatagram) Connect(peer pb.Peer) error      { return nil }
func (f *fakeDatagram) Disconnect(peer transport.PeerID) {}

// fakeRMA is a no-op transport.RMA: Register just records the buffer so
// registerRegions succeeds; every RPC-adjacent method beyond that is unused
// by the handler-level tests in this file.
type fakeRMA struct {
	regions map[transport.RegionKind][]byte
	pollCh  chan transport.Completion
}

func newFakeRMA() *fakeRMA {
	return &fakeRMA{regions: map[transport.RegionKind][]byte{}, pollCh: make(chan transport.Completion, 1)}
}

func (f *fakeRMA) Register(kind transport.RegionKind, buf []byte) transport.Region {
	f.regions[kind] = buf
	return transport.Region{Kind: kind, Length: uint64(len(buf))}
}
func (f *fakeRMA) Write(ctx context.Context, peer transport.PeerID, kind transport.RegionKind, dstOffset uint64, src []byte, wr transport.WorkRequestID, signaled bool) error {
	return errFakeTransportUnused
}
func (f *fakeRMA) Read(ctx context.Context, peer transport.PeerID, kind transport.RegionKind, srcOffset, length uint64) ([]byte, error) {
	return nil, errFakeTransportUnused
}
func (f *fakeRMA) Poll() <-chan transport.Completion            { return f.pollCh }
func (f *fakeRMA) PeerState(peer transport.PeerID) transport.QPState { return transport.QPActive }
func (f *fakeRMA) Reset(peer transport.PeerID)                       {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	peers := []pb.Peer{
		{Index: 0, ID: "n0", Endpoint: "127.0.0.1:19000"},
		{Index: 1, ID: "n1", Endpoint: "127.0.0.1:19001"},
		{Index: 2, ID: "n2", Endpoint: "127.0.0.1:19002"},
	}
	s, err := NewServer(ServerCoreOptions{
		ID:           "n0",
		Index:        0,
		LogSize:      1 << 16,
		StateMachine: null.New(),
		Datagram:     newFakeDatagram(),
		RMA:          newFakeRMA(),
		Peers:        peers,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestNewServerStartsAsFollower(t *testing.T) {
	s := newTestServer(t)
	if s.role() != Follower {
		t.Fatalf("expected new server to start as Follower, got %v", s.role())
	}
	if s.ID() != "n0" || s.Index() != 0 {
		t.Fatalf("unexpected identity: id=%q index=%d", s.ID(), s.Index())
	}
}

func TestHandleRequestVoteGrantsOncePerTerm(t *testing.T) {
	s := newTestServer(t)
	req := &pb.RequestVoteRequest{Term: 1, CandidateID: "n1", LastLogIndex: 0, LastLogTerm: 0}

	resp, err := s.handleRequestVote(req)
	if err != nil {
		t.Fatalf("handleRequestVote: %v", err)
	}
	if !resp.Granted {
		t.Fatalf("expected first vote in term 1 to be granted, got %+v", resp)
	}

	// A second candidate in the same term must be refused.
	resp2, err := s.handleRequestVote(&pb.RequestVoteRequest{Term: 1, CandidateID: "n2"})
	if err != nil {
		t.Fatalf("handleRequestVote: %v", err)
	}
	if resp2.Granted {
		t.Fatal("expected second candidate in the same term to be refused")
	}
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	s := newTestServer(t)
	s.alterTerm(5)
	resp, err := s.handleRequestVote(&pb.RequestVoteRequest{Term: 3, CandidateID: "n1"})
	if err != nil {
		t.Fatalf("handleRequestVote: %v", err)
	}
	if resp.Granted || resp.Term != 5 {
		t.Fatalf("expected stale term to be refused with current term echoed back, got %+v", resp)
	}
}

func TestHandleHeartbeatLearnsPeerDirectory(t *testing.T) {
	s := newTestServer(t)
	newPeer := pb.Peer{Index: 3, ID: "n3", Endpoint: "127.0.0.1:19003"}
	req := &pb.HeartbeatRequest{
		Term:     1,
		LeaderID: "n1",
		Commit:   0,
		Config:   pb.Configuration{Epoch: 2, Peers: append(append([]pb.Peer{}, s.confStore.Latest().peers...), newPeer)},
	}
	if _, err := s.handleHeartbeat(req); err != nil {
		t.Fatalf("handleHeartbeat: %v", err)
	}
	s.peersMu.RLock()
	_, ok := s.peers[transport.PeerID(newPeer.Index)]
	s.peersMu.RUnlock()
	if !ok {
		t.Fatal("expected handleHeartbeat to learn the new peer from the piggybacked configuration")
	}
}

func TestInstallConfigAssemblesPeerListFromDirectory(t *testing.T) {
	s := newTestServer(t)
	// Simulate having already learned about a 4th peer via a heartbeat.
	s.learnPeers([]pb.Peer{{Index: 3, ID: "n3", Endpoint: "127.0.0.1:19003"}})

	id := replog.ConfigID{GroupSize: 4, Active: 0b1111, Epoch: 2}
	s.installConfig(id)

	conf := s.confStore.Latest()
	if len(conf.peers) != 4 {
		t.Fatalf("expected 4 peers in the installed configuration, got %d: %+v", len(conf.peers), conf.peers)
	}
	if _, ok := conf.peerByIndex(3); !ok {
		t.Fatal("expected the newly learned peer to be present in the installed configuration")
	}
}
