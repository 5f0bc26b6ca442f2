package transport

import (
	"context"

	"google.golang.org/grpc"

	"raftcore/internal/raft/raftpb"
)

// serviceName mirrors the name the teacher's protoc-generated RaftService
// would have used; kept identical so the wire-level RPC naming is
// unaffected by the switch away from protobuf.
const serviceName = "raftcore.RaftService"

// RaftServiceServer is implemented by server.Server. It mirrors the RPC
// surface spec.md §6 names, hand-written in place of the generated
// *_grpc.pb.go the teacher's proto package would normally supply.
type RaftServiceServer interface {
	RequestVote(context.Context, *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error)
	PreVote(context.Context, *raftpb.PreVoteRequest) (*raftpb.PreVoteResponse, error)
	AppendEntries(context.Context, *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error)
	InstallSnapshot(context.Context, *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error)
	CustomNotification(context.Context, *raftpb.CustomNotificationRequest) (*raftpb.CustomNotificationResponse, error)
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(raftpb.RequestVoteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServiceServer).RequestVote(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServiceServer).RequestVote(ctx, req.(*raftpb.RequestVoteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func preVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(raftpb.PreVoteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServiceServer).PreVote(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/PreVote"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServiceServer).PreVote(ctx, req.(*raftpb.PreVoteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(raftpb.AppendEntriesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServiceServer).AppendEntries(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServiceServer).AppendEntries(ctx, req.(*raftpb.AppendEntriesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func installSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(raftpb.InstallSnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServiceServer).InstallSnapshot(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/InstallSnapshot"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServiceServer).InstallSnapshot(ctx, req.(*raftpb.InstallSnapshotRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func customNotificationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(raftpb.CustomNotificationRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServiceServer).CustomNotification(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/CustomNotification"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServiceServer).CustomNotification(ctx, req.(*raftpb.CustomNotificationRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is the hand-written equivalent of the *_grpc.pb.go ServiceDesc
// protoc would normally generate from a .proto file (see DESIGN.md).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RaftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "PreVote", Handler: preVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
		{MethodName: "CustomNotification", Handler: customNotificationHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftcore/internal/raft/transport/service.go",
}

// RegisterRaftServiceServer registers srv with s, forcing the gob codec so
// no protobuf descriptor is ever required on the wire.
func RegisterRaftServiceServer(s *grpc.Server, srv RaftServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// raftServiceClient is the hand-written equivalent of the generated client
// stub.
type raftServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftServiceClient wraps a grpc.ClientConn with typed RPC methods.
func NewRaftServiceClient(cc grpc.ClientConnInterface) RaftServiceServer {
	return &raftServiceClient{cc: cc}
}

func (c *raftServiceClient) RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	resp := new(raftpb.RequestVoteResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *raftServiceClient) PreVote(ctx context.Context, req *raftpb.PreVoteRequest) (*raftpb.PreVoteResponse, error) {
	resp := new(raftpb.PreVoteResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/PreVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *raftServiceClient) AppendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	resp := new(raftpb.AppendEntriesResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *raftServiceClient) InstallSnapshot(ctx context.Context, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	resp := new(raftpb.InstallSnapshotResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/InstallSnapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *raftServiceClient) CustomNotification(ctx context.Context, req *raftpb.CustomNotificationRequest) (*raftpb.CustomNotificationResponse, error) {
	resp := new(raftpb.CustomNotificationResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CustomNotification", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
