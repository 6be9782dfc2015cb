package grpcdg

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mpoke/dare-go/pb"
)

// datagramServer is implemented by the internal service that forwards
// inbound RPCs onto the rpcCh channel consumed via Datagram.Inbound().
type datagramServer interface {
	RequestVote(ctx context.Context, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error)
	Heartbeat(ctx context.Context, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error)
	SnapshotFragment(ctx context.Context, req *pb.SnapshotFragmentRequest) (*pb.SnapshotFragmentResponse, error)
	ClientRequest(ctx context.Context, req *pb.ClientRequest) (*pb.ClientReply, error)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(pb.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(datagramServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dare.Datagram/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(datagramServer).RequestVote(ctx, req.(*pb.RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(pb.HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(datagramServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dare.Datagram/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(datagramServer).Heartbeat(ctx, req.(*pb.HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func snapshotFragmentHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(pb.SnapshotFragmentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(datagramServer).SnapshotFragment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dare.Datagram/SnapshotFragment"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(datagramServer).SnapshotFragment(ctx, req.(*pb.SnapshotFragmentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func clientRequestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(pb.ClientRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(datagramServer).ClientRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dare.Datagram/ClientRequest"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(datagramServer).ClientRequest(ctx, req.(*pb.ClientRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a "Datagram" service with these four unary methods.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "dare.Datagram",
	HandlerType: (*datagramServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "SnapshotFragment", Handler: snapshotFragmentHandler},
		{MethodName: "ClientRequest", Handler: clientRequestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dare/transport.proto",
}

const (
	methodRequestVote      = "/dare.Datagram/RequestVote"
	methodHeartbeat        = "/dare.Datagram/Heartbeat"
	methodSnapshotFragment = "/dare.Datagram/SnapshotFragment"
	methodClientRequest    = "/dare.Datagram/ClientRequest"
)
