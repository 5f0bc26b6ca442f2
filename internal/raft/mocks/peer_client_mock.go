package mocks

import (
	"context"
	"sync"

	"raftcore/internal/raft/raftpb"
	"raftcore/internal/raft/transport"
)

// PeerServer is the narrow slice of server.Server the in-process harness
// dispatches RPCs to directly, avoiding an import cycle between mocks and
// server (mocks is imported by server's tests, not the reverse).
type PeerServer interface {
	RequestVote(context.Context, *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error)
	PreVote(context.Context, *raftpb.PreVoteRequest) (*raftpb.PreVoteResponse, error)
	AppendEntries(context.Context, *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error)
	InstallSnapshot(context.Context, *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error)
	CustomNotification(context.Context, *raftpb.CustomNotificationRequest) (*raftpb.CustomNotificationResponse, error)
}

// MockPeerClient implements transport.PeerClient by calling directly into an
// in-process PeerServer, so multi-node tests never open real sockets (§10 of
// SPEC_FULL.md).
type MockPeerClient struct {
	mu      sync.RWMutex
	target  PeerServer
	Partitioned bool
}

var _ transport.PeerClient = (*MockPeerClient)(nil)

// NewMockPeerClient builds a client that dispatches straight into target.
func NewMockPeerClient(target PeerServer) *MockPeerClient {
	return &MockPeerClient{target: target}
}

// SetPartitioned simulates a network partition: every RPC through this
// client fails until cleared.
func (m *MockPeerClient) SetPartitioned(partitioned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Partitioned = partitioned
}

func (m *MockPeerClient) isPartitioned() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Partitioned
}

func (m *MockPeerClient) RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	if m.isPartitioned() {
		return nil, context.DeadlineExceeded
	}
	return m.target.RequestVote(ctx, req)
}

func (m *MockPeerClient) PreVote(ctx context.Context, req *raftpb.PreVoteRequest) (*raftpb.PreVoteResponse, error) {
	if m.isPartitioned() {
		return nil, context.DeadlineExceeded
	}
	return m.target.PreVote(ctx, req)
}

func (m *MockPeerClient) AppendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	if m.isPartitioned() {
		return nil, context.DeadlineExceeded
	}
	return m.target.AppendEntries(ctx, req)
}

func (m *MockPeerClient) InstallSnapshot(ctx context.Context, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	if m.isPartitioned() {
		return nil, context.DeadlineExceeded
	}
	return m.target.InstallSnapshot(ctx, req)
}

func (m *MockPeerClient) CustomNotification(ctx context.Context, req *raftpb.CustomNotificationRequest) (*raftpb.CustomNotificationResponse, error) {
	if m.isPartitioned() {
		return nil, context.DeadlineExceeded
	}
	return m.target.CustomNotification(ctx, req)
}
