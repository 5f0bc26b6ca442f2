// Package transport implements the RPC client/server layer the consensus
// engine in internal/raft/server drives: a gRPC connection pool keyed by
// ServerID (resolved through the raft:// scheme in resolver.go) plus a
// hand-written service definition (service.go) and gob wire codec
// (codec.go) standing in for the protoc-generated code the teacher
// repository referenced but never shipped.
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raftcore/internal/raft/raftpb"
)

const (
	// RPCTimeout bounds a single RPC attempt; broadcast time should stay an
	// order of magnitude below the election timeout (§5.6 of the Raft paper).
	RPCTimeout = 50 * time.Millisecond

	// MaxRetries bounds retries for vote/snapshot/notification RPCs, which
	// are superseded by the next election/transfer round rather than
	// retried indefinitely.
	MaxRetries = 3

	// AppendEntriesMaxRetries is higher because the leader is expected to
	// keep retrying replication to a lagging follower across many rounds
	// rather than give up (§5.3 of the Raft paper).
	AppendEntriesMaxRetries = 100

	RetryBackoffBase = 10 * time.Millisecond
	MaxRetryBackoff  = 100 * time.Millisecond
)

// PeerClient is the outbound RPC surface the coordination goroutine uses to
// talk to one peer. It is implemented both by *GRPCTransport's per-peer
// handles and by in-memory stubs in internal/raft/mocks, so multi-node
// tests never need real sockets for determinism (§10 of SPEC_FULL.md).
type PeerClient interface {
	RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error)
	PreVote(ctx context.Context, req *raftpb.PreVoteRequest) (*raftpb.PreVoteResponse, error)
	AppendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error)
	CustomNotification(ctx context.Context, req *raftpb.CustomNotificationRequest) (*raftpb.CustomNotificationResponse, error)
}

// GRPCTransport owns one gRPC connection per peer, reachable through the
// raft:// resolver by ServerID.
type GRPCTransport struct {
	connPool sync.Map // raftpb.ServerID -> *grpc.ClientConn
	metrics  metricsRecorder
}

// metricsRecorder is the minimal slice of server.MetricsCollector transport
// needs; kept narrow to avoid an import cycle with the server package.
type metricsRecorder interface {
	RecordRequestVote()
	RecordAppendEntries()
	RecordHeartbeat()
}

// NewGRPCTransport dials every peer in peerAddrs (ServerID -> endpoint).
func NewGRPCTransport(peerAddrs map[raftpb.ServerID]string, metrics metricsRecorder) *GRPCTransport {
	t := &GRPCTransport{metrics: metrics}
	for id, addr := range peerAddrs {
		if err := t.AddPeer(id, addr); err != nil {
			log.Printf("[TRANSPORT] failed to dial peer %s at %s: %v", id, addr, err)
		}
	}
	return t
}

// AddPeer registers a peer's address with the resolver and dials it.
func (t *GRPCTransport) AddPeer(id raftpb.ServerID, addr string) error {
	if _, ok := t.connPool.Load(id); ok {
		RegisterPeerAddr(id, addr)
		return nil
	}

	RegisterPeerAddr(id, addr)

	target := fmt.Sprintf("%s:///%s", raftScheme, id)
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec())),
	)
	if err != nil {
		return fmt.Errorf("failed to dial peer %s: %w", id, err)
	}

	t.connPool.Store(id, conn)
	return nil
}

// RemovePeer closes and forgets the connection for a peer that left the
// cluster (§4.4).
func (t *GRPCTransport) RemovePeer(id raftpb.ServerID) {
	if v, ok := t.connPool.LoadAndDelete(id); ok {
		if conn, ok := v.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				log.Printf("[TRANSPORT] failed to close connection to removed peer %s: %v", id, err)
			}
		}
	}
}

// Reconnect tears down and re-dials a peer's connection. Used when the
// pre-vote peer-refresh rule (original_source/src/handle_vote.cxx) decides
// a stale client must be recreated.
func (t *GRPCTransport) Reconnect(id raftpb.ServerID, addr string) error {
	t.RemovePeer(id)
	return t.AddPeer(id, addr)
}

// CloseAllClients closes every outbound connection, used on shutdown.
func (t *GRPCTransport) CloseAllClients() {
	t.connPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				log.Printf("[TRANSPORT] failed to close connection to %v: %v", key, err)
			}
		}
		return true
	})
}

func (t *GRPCTransport) client(id raftpb.ServerID) (RaftServiceServer, error) {
	v, ok := t.connPool.Load(id)
	if !ok {
		return nil, fmt.Errorf("no connection to peer %s (likely removed from cluster)", id)
	}
	conn, ok := v.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid connection type for peer %s: %T", id, v)
	}
	return NewRaftServiceClient(conn), nil
}

// Peer returns a PeerClient for id, retrying each RPC with the transport's
// standard backoff policy.
func (t *GRPCTransport) Peer(id raftpb.ServerID) PeerClient {
	return &retryingPeer{id: id, transport: t}
}

// retryingPeer adapts one peer connection to PeerClient, applying bounded
// retry with exponential backoff per RPC kind (grounded in the teacher's
// server/transport.go retry loops).
type retryingPeer struct {
	id        raftpb.ServerID
	transport *GRPCTransport
}

func (p *retryingPeer) RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	if p.transport.metrics != nil {
		p.transport.metrics.RecordRequestVote()
	}
	var resp *raftpb.RequestVoteResponse
	err := withRetry(ctx, p.id, MaxRetries, func(rpcCtx context.Context) error {
		client, err := p.transport.client(p.id)
		if err != nil {
			return err
		}
		resp, err = client.RequestVote(rpcCtx, req)
		return err
	})
	return resp, err
}

func (p *retryingPeer) PreVote(ctx context.Context, req *raftpb.PreVoteRequest) (*raftpb.PreVoteResponse, error) {
	var resp *raftpb.PreVoteResponse
	err := withRetry(ctx, p.id, MaxRetries, func(rpcCtx context.Context) error {
		client, err := p.transport.client(p.id)
		if err != nil {
			return err
		}
		resp, err = client.PreVote(rpcCtx, req)
		return err
	})
	return resp, err
}

func (p *retryingPeer) AppendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	if p.transport.metrics != nil {
		if len(req.Entries) == 0 {
			p.transport.metrics.RecordHeartbeat()
		} else {
			p.transport.metrics.RecordAppendEntries()
		}
	}
	var resp *raftpb.AppendEntriesResponse
	err := withRetry(ctx, p.id, AppendEntriesMaxRetries, func(rpcCtx context.Context) error {
		client, err := p.transport.client(p.id)
		if err != nil {
			return err
		}
		resp, err = client.AppendEntries(rpcCtx, req)
		return err
	})
	return resp, err
}

func (p *retryingPeer) InstallSnapshot(ctx context.Context, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	var resp *raftpb.InstallSnapshotResponse
	err := withRetry(ctx, p.id, MaxRetries, func(rpcCtx context.Context) error {
		client, err := p.transport.client(p.id)
		if err != nil {
			return err
		}
		resp, err = client.InstallSnapshot(rpcCtx, req)
		return err
	})
	return resp, err
}

func (p *retryingPeer) CustomNotification(ctx context.Context, req *raftpb.CustomNotificationRequest) (*raftpb.CustomNotificationResponse, error) {
	var resp *raftpb.CustomNotificationResponse
	err := withRetry(ctx, p.id, MaxRetries, func(rpcCtx context.Context) error {
		client, err := p.transport.client(p.id)
		if err != nil {
			return err
		}
		resp, err = client.CustomNotification(rpcCtx, req)
		return err
	})
	return resp, err
}

// withRetry runs attempt up to maxAttempts times with exponential backoff,
// bailing out early if ctx is cancelled (leader stepping down, shutdown).
func withRetry(ctx context.Context, peerID raftpb.ServerID, maxAttempts int, attempt func(context.Context) error) error {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		lastErr = attempt(rpcCtx)
		cancel()

		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rpc to %s cancelled: %w", peerID, ctx.Err())
		default:
		}

		if i < maxAttempts-1 {
			backoff := RetryBackoffBase * time.Duration(i+1)
			if backoff > MaxRetryBackoff {
				backoff = MaxRetryBackoff
			}
			time.Sleep(backoff)
		}
	}
	return fmt.Errorf("rpc to %s failed after %d attempts: %w", peerID, maxAttempts, lastErr)
}
