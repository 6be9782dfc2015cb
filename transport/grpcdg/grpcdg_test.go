package grpcdg

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/transport"
)

func newTestDatagram(t *testing.T, peerIndex uint8) *GRPCDatagram {
	t.Helper()
	g, err := New("127.0.0.1:0", zap.NewNop().Sugar(), func() transport.PeerID { return transport.PeerID(peerIndex) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go g.Serve()
	t.Cleanup(func() { g.Close() })
	return g
}

// respondOnce drains exactly one inbound RPC from g and answers it with
// resp, mirroring the shape of the server core's own main loop handling.
func respondOnce(g *GRPCDatagram, resp interface{}) {
	go func() {
		rpc := <-g.Inbound()
		rpc.Respond(resp, nil)
	}()
}

func TestGRPCDatagramRequestVoteRoundTrip(t *testing.T) {
	server := newTestDatagram(t, 1)
	client := newTestDatagram(t, 0)

	if err := client.Connect(pb.Peer{Index: 1, ID: "n1", Endpoint: server.Addr()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	respondOnce(server, &pb.RequestVoteResponse{ServerID: "n1", Term: 3, Granted: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.RequestVote(ctx, transport.PeerID(1), &pb.RequestVoteRequest{Term: 3, CandidateID: "n0"})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if !resp.Granted || resp.Term != 3 || resp.ServerID != "n1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGRPCDatagramHeartbeatCarriesConfig(t *testing.T) {
	server := newTestDatagram(t, 1)
	client := newTestDatagram(t, 0)

	if err := client.Connect(pb.Peer{Index: 1, ID: "n1", Endpoint: server.Addr()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var seen *pb.HeartbeatRequest
	done := make(chan struct{})
	go func() {
		rpc := <-server.Inbound()
		seen = rpc.Request.(*pb.HeartbeatRequest)
		rpc.Respond(&pb.HeartbeatResponse{ServerID: "n1", Term: seen.Term}, nil)
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := &pb.HeartbeatRequest{
		Term:     2,
		LeaderID: "n0",
		Commit:   10,
		Config:   pb.Configuration{Epoch: 1, Peers: []pb.Peer{{Index: 0, ID: "n0"}, {Index: 1, ID: "n1"}}},
	}
	resp, err := client.Heartbeat(ctx, transport.PeerID(1), req)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	<-done
	if resp.Term != 2 {
		t.Fatalf("expected echoed term 2, got %d", resp.Term)
	}
	if len(seen.Config.Peers) != 2 {
		t.Fatalf("expected the piggybacked configuration to survive the wire, got %+v", seen.Config)
	}
}

func TestGRPCDatagramRequestVoteUnconnectedPeer(t *testing.T) {
	client := newTestDatagram(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.RequestVote(ctx, transport.PeerID(9), &pb.RequestVoteRequest{Term: 1}); err != errNotConnected {
		t.Fatalf("expected errNotConnected for an unconnected peer, got %v", err)
	}
}

func TestGRPCDatagramDisconnect(t *testing.T) {
	server := newTestDatagram(t, 1)
	client := newTestDatagram(t, 0)
	if err := client.Connect(pb.Peer{Index: 1, ID: "n1", Endpoint: server.Addr()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.Disconnect(transport.PeerID(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.RequestVote(ctx, transport.PeerID(1), &pb.RequestVoteRequest{Term: 1}); err != errNotConnected {
		t.Fatalf("expected errNotConnected after Disconnect, got %v", err)
	}
}
