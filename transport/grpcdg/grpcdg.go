// Package grpcdg is the reference Datagram transport: it carries the
// messages declared in package pb over gRPC unary calls, framed with the
// msgpack codec registered in codec.go rather than protobuf. It is grounded
// in the teacher's transport_grpc.go (GRPCTransport/grpcTransService), kept
// down to the same dial-once-and-cache client pool (without tryClient's
// retry loop; see invoke), generalized from the teacher's four classic-Raft
// RPCs to DARE's four datagram RPCs.
package grpcdg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/transport"
)

// service implements datagramServer by forwarding every inbound call onto
// rpcCh and blocking for the core's Respond call, exactly like the
// teacher's grpcTransService.
type service struct {
	rpcCh chan *transport.RPC
	from  func() transport.PeerID
}

func (s *service) dispatch(ctx context.Context, req interface{}) (interface{}, error) {
	r := transport.NewRPC(s.from(), req)
	s.rpcCh <- r
	return r.Wait(ctx)
}

func (s *service) RequestVote(ctx context.Context, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error) {
	resp, err := s.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.RequestVoteResponse), nil
}

func (s *service) Heartbeat(ctx context.Context, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error) {
	resp, err := s.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.HeartbeatResponse), nil
}

func (s *service) SnapshotFragment(ctx context.Context, req *pb.SnapshotFragmentRequest) (*pb.SnapshotFragmentResponse, error) {
	resp, err := s.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.SnapshotFragmentResponse), nil
}

func (s *service) ClientRequest(ctx context.Context, req *pb.ClientRequest) (*pb.ClientReply, error) {
	resp, err := s.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.ClientReply), nil
}

type client struct {
	conn *grpc.ClientConn
}

// GRPCDatagram implements transport.Datagram over plain gRPC, using the
// hand-written serviceDesc in service.go in place of protoc-gen-go-grpc stubs.
type GRPCDatagram struct {
	log *zap.SugaredLogger

	svc    *service
	server *grpc.Server

	listener net.Listener

	serveFlag uint32

	clients   map[transport.PeerID]*client
	clientsMu sync.RWMutex
}

// New creates a GRPCDatagram listening on listenAddr. peerOf resolves an
// inbound connection to a PeerID; since plain gRPC carries no sender
// identity by default, the reference implementation expects callers to
// stamp it via the ClientID/LeaderID/CandidateID fields already present on
// every request message instead of relying on transport-level identity,
// so peerOf may simply return an unknown/zero PeerID and let the server
// core recover identity from the decoded request.
func New(listenAddr string, log *zap.SugaredLogger, peerOf func() transport.PeerID) (*GRPCDatagram, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("grpcdg: listen: %w", err)
	}
	if peerOf == nil {
		peerOf = func() transport.PeerID { return 0 }
	}
	return &GRPCDatagram{
		log:      log,
		svc:      &service{rpcCh: make(chan *transport.RPC, 64), from: peerOf},
		listener: listener,
		clients:  map[transport.PeerID]*client{},
	}, nil
}

func (g *GRPCDatagram) Addr() string { return g.listener.Addr().String() }

func (g *GRPCDatagram) Inbound() <-chan *transport.RPC { return g.svc.rpcCh }

// Serve blocks, registering the hand-written service descriptor and
// accepting connections. Must be called at most once, mirroring the
// teacher's single-Serve-call panic guard.
func (g *GRPCDatagram) Serve() error {
	if !atomic.CompareAndSwapUint32(&g.serveFlag, 0, 1) {
		panic("grpcdg: Serve called more than once")
	}
	g.server = grpc.NewServer()
	g.server.RegisterService(&serviceDesc, g.svc)
	if g.log != nil {
		g.log.Infow("datagram transport listening", "addr", g.listener.Addr())
	}
	return g.server.Serve(g.listener)
}

func (g *GRPCDatagram) connectLocked(peer pb.Peer) error {
	if _, ok := g.clients[transport.PeerID(peer.Index)]; ok {
		return nil
	}
	conn, err := grpc.NewClient(peer.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("grpcdg: dial %s: %w", peer.Endpoint, err)
	}
	g.clients[transport.PeerID(peer.Index)] = &client{conn: conn}
	return nil
}

func (g *GRPCDatagram) Connect(peer pb.Peer) error {
	g.clientsMu.RLock()
	_, ok := g.clients[transport.PeerID(peer.Index)]
	g.clientsMu.RUnlock()
	if ok {
		return nil
	}
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	return g.connectLocked(peer)
}

func (g *GRPCDatagram) Disconnect(peer transport.PeerID) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	g.disconnectLocked(peer)
}

func (g *GRPCDatagram) disconnectLocked(peer transport.PeerID) {
	if c, ok := g.clients[peer]; ok {
		delete(g.clients, peer)
		c.conn.Close()
	}
}

func (g *GRPCDatagram) Close() error {
	g.clientsMu.Lock()
	for id, c := range g.clients {
		c.conn.Close()
		delete(g.clients, id)
	}
	g.clientsMu.Unlock()
	if g.server != nil {
		g.server.GracefulStop()
	}
	return nil
}

var errNotConnected = errors.New("grpcdg: peer not connected")

// invoke runs fn against the cached client conn for peer, returning
// errNotConnected if Connect has not been called for it. It does not itself
// retry — teacher's tryClient retries specifically on rpc.ErrShutdown, a
// net/rpc-specific sentinel that has no equivalent on a grpc.ClientConn
// (which already reconnects transparently under the hood); callers here
// rely on gRPC's own reconnection instead.
func (g *GRPCDatagram) invoke(peer transport.PeerID, fn func(cc *grpc.ClientConn) error) error {
	g.clientsMu.RLock()
	c, ok := g.clients[peer]
	g.clientsMu.RUnlock()
	if !ok {
		return errNotConnected
	}
	return fn(c.conn)
}

func (g *GRPCDatagram) RequestVote(ctx context.Context, peer transport.PeerID, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error) {
	resp := new(pb.RequestVoteResponse)
	err := g.invoke(peer, func(cc *grpc.ClientConn) error {
		return cc.Invoke(ctx, methodRequestVote, req, resp, grpc.CallContentSubtype(codecName))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *GRPCDatagram) Heartbeat(ctx context.Context, peer transport.PeerID, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error) {
	resp := new(pb.HeartbeatResponse)
	err := g.invoke(peer, func(cc *grpc.ClientConn) error {
		return cc.Invoke(ctx, methodHeartbeat, req, resp, grpc.CallContentSubtype(codecName))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *GRPCDatagram) SnapshotFragment(ctx context.Context, peer transport.PeerID, req *pb.SnapshotFragmentRequest) (*pb.SnapshotFragmentResponse, error) {
	resp := new(pb.SnapshotFragmentResponse)
	err := g.invoke(peer, func(cc *grpc.ClientConn) error {
		return cc.Invoke(ctx, methodSnapshotFragment, req, resp, grpc.CallContentSubtype(codecName))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *GRPCDatagram) ClientRequest(ctx context.Context, peer transport.PeerID, req *pb.ClientRequest) (*pb.ClientReply, error) {
	resp := new(pb.ClientReply)
	err := g.invoke(peer, func(cc *grpc.ClientConn) error {
		return cc.Invoke(ctx, methodClientRequest, req, resp, grpc.CallContentSubtype(codecName))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
