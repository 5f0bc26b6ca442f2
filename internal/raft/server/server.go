package server

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/raftpb"
	"raftcore/internal/raft/statemachine"
	"raftcore/internal/raft/storage"
	"raftcore/internal/raft/transport"
)

// getElectionTimeout picks a randomized election timeout in [lower, upper),
// as recommended in §9.3 of the Raft paper to avoid split votes.
func getElectionTimeout(lower, upper time.Duration) time.Duration {
	if upper <= lower {
		return lower
	}
	span := upper - lower
	return lower + time.Duration(rand.Int63n(int64(span)))
}

// Server is the consensus engine: it owns serverState, one peerRecord per
// other cluster member, the durable log/state stores, the state machine,
// the RPC transport, and every timer. Only the coordination goroutine
// (run(), see orchestrator.go) mutates any of these; RPC handlers below
// only ever read serverState for a fast early-reject before handing the
// request to the coordinator over a dedicated channel (§7 of SPEC_FULL.md).
type Server struct {
	ID      ServerID
	Address string

	state serverState

	cfg Config

	log          storage.LogStore
	stateManager storage.StateManager
	sm           statemachine.StateMachine

	peersMu sync.RWMutex
	peers   map[ServerID]*peerRecord

	grpcTransport *transport.GRPCTransport

	pubSub *pubsub.PubSubClient

	grpcServer *grpc.Server

	electionTimer    *time.Timer
	heartbeatTimer   *time.Ticker
	gracePeriodTimer *time.Timer

	metrics MetricsCollector

	callbacksMu sync.RWMutex
	callbacks   []CallbackFunc

	// metaMu guards the four meta_cb hooks (meta.go), settable at any time
	// via SetMetaCallbacks and read on every inbound/outbound message.
	metaMu        sync.RWMutex
	writeReqMeta  WriteMetaFunc
	readReqMeta   ReadMetaFunc
	writeRespMeta WriteMetaFunc
	readRespMeta  ReadMetaFunc

	// work queue channels, read exclusively by run().
	requestVoteCh        chan *requestVoteCall
	preVoteCh            chan *preVoteCall
	appendEntriesCh      chan *appendEntriesCall
	installSnapshotCh    chan *installSnapshotCall
	customNotificationCh chan *customNotificationCall
	submitCh             chan *submitCall
	membershipCh         chan *membershipCall
	priorityCh           chan *priorityCall
	transferCh           chan *transferCall

	// pendingCommits tracks client promises awaiting commit, keyed by the
	// log index they were appended at, fulfilled strictly in index order
	// by the apply loop (§4.5).
	pendingMu          sync.Mutex
	pendingCommits     map[raftpb.Index]chan submitResult
	pendingSubmittedAt map[raftpb.Index]time.Time

	// preVote and vote aggregate the current round's responses; owned by
	// the coordination goroutine exclusively (election.go).
	preVote *preVoteAggregate
	vote    *voteAggregate

	noResponseFailureCount int

	// electionStartedAt marks when the current pre-vote/vote attempt began,
	// so becomeLeader can report RecordElectionDuration.
	electionStartedAt time.Time

	doneCh chan struct{}
}

// NewServer builds a Server in Follower state with a fresh UUID identity,
// ready to be started with StartServer.
func NewServer(cfg Config, logStore storage.LogStore, stateManager storage.StateManager, sm statemachine.StateMachine, metrics MetricsCollector, pubSub *pubsub.PubSubClient) *Server {
	id := ServerID(uuid.New().String())

	s := &Server{
		ID:           id,
		cfg:          cfg,
		log:          logStore,
		stateManager: stateManager,
		sm:           sm,
		peers:        make(map[ServerID]*peerRecord),
		pubSub:       pubSub,
		metrics:      metrics,

		requestVoteCh:        make(chan *requestVoteCall, 8),
		preVoteCh:            make(chan *preVoteCall, 8),
		appendEntriesCh:      make(chan *appendEntriesCall, 8),
		installSnapshotCh:    make(chan *installSnapshotCall, 8),
		customNotificationCh: make(chan *customNotificationCall, 8),
		submitCh:             make(chan *submitCall, 64),
		membershipCh:         make(chan *membershipCall, 4),
		priorityCh:           make(chan *priorityCall, 4),
		transferCh:           make(chan *transferCall, 1),

		pendingCommits:     make(map[raftpb.Index]chan submitResult),
		pendingSubmittedAt: make(map[raftpb.Index]time.Time),

		doneCh: make(chan struct{}),
	}

	s.state.setRole(RoleFollower)
	s.state.setElectionTimeout(getElectionTimeout(cfg.ElectionTimeoutLower, cfg.ElectionTimeoutUpper))

	if persisted, err := stateManager.LoadState(); err == nil {
		s.state.setCurrentTerm(persisted.CurrentTerm)
		s.state.setVotedFor(persisted.VotedFor)
	}
	if config, err := stateManager.LoadConfig(); err == nil {
		s.state.setConfig(config)
	}

	s.grpcTransport = transport.NewGRPCTransport(nil, metrics)

	return s
}

// RegisterCallback adds fn to the set invoked on every named engine event
// (§4.6, §9). Must be called before StartServer.
func (s *Server) RegisterCallback(fn CallbackFunc) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// RequestVote handles the RequestVote RPC, satisfying transport.RaftServiceServer.
func (s *Server) RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	params := raftpb.MetaCallbackParams{MsgType: raftpb.MsgRequestVoteRequest, Src: req.Src, Dst: req.Dst, LogIdx: req.LastLogIdx}
	if !s.validateRequestMeta(params, req.Meta) {
		return nil, ErrMetaRejected
	}

	call := &requestVoteCall{req: req, resp: make(chan *raftpb.RequestVoteResponse, 1)}
	select {
	case s.requestVoteCh <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, ErrShuttingDown
	}
	select {
	case resp := <-call.resp:
		resp.Meta = s.writeResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgRequestVoteResponse, Src: resp.Src, Dst: resp.Dst})
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PreVote handles the PreVote RPC.
func (s *Server) PreVote(ctx context.Context, req *raftpb.PreVoteRequest) (*raftpb.PreVoteResponse, error) {
	params := raftpb.MetaCallbackParams{MsgType: raftpb.MsgPreVoteRequest, Src: req.Src, Dst: req.Dst, LogIdx: req.LastLogIdx}
	if !s.validateRequestMeta(params, req.Meta) {
		return nil, ErrMetaRejected
	}

	call := &preVoteCall{req: req, resp: make(chan *raftpb.PreVoteResponse, 1)}
	select {
	case s.preVoteCh <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, ErrShuttingDown
	}
	select {
	case resp := <-call.resp:
		resp.Meta = s.writeResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgPreVoteResponse, Src: resp.Src, Dst: resp.Dst})
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AppendEntries handles the AppendEntries RPC (replication and heartbeats).
func (s *Server) AppendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	params := raftpb.MetaCallbackParams{MsgType: raftpb.MsgAppendEntriesRequest, Src: req.Src, Dst: req.Dst, LogIdx: req.PrevLogIdx}
	if !s.validateRequestMeta(params, req.Meta) {
		return nil, ErrMetaRejected
	}

	// Stale-term fast reject, per §5.1 of the Raft paper: answer without
	// bothering the coordinator so a partitioned-off former leader learns
	// it's stale as cheaply as possible.
	if req.Term < s.state.getCurrentTerm() {
		resp := &raftpb.AppendEntriesResponse{
			Term:     s.state.getCurrentTerm(),
			Src:      s.ID,
			Dst:      req.Src,
			Accepted: false,
		}
		resp.Meta = s.writeResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgAppendEntriesResponse, Src: resp.Src, Dst: resp.Dst})
		return resp, nil
	}

	call := &appendEntriesCall{req: req, resp: make(chan *raftpb.AppendEntriesResponse, 1)}
	select {
	case s.appendEntriesCh <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, ErrShuttingDown
	}
	select {
	case resp := <-call.resp:
		resp.Meta = s.writeResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgAppendEntriesResponse, Src: resp.Src, Dst: resp.Dst, LogIdx: resp.LastLogIdx})
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InstallSnapshot handles the InstallSnapshot RPC.
func (s *Server) InstallSnapshot(ctx context.Context, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	params := raftpb.MetaCallbackParams{MsgType: raftpb.MsgInstallSnapshotRequest, Src: req.Src, Dst: req.Dst, LogIdx: req.SnapshotLastIdx}
	if !s.validateRequestMeta(params, req.Meta) {
		return nil, ErrMetaRejected
	}

	call := &installSnapshotCall{req: req, resp: make(chan *raftpb.InstallSnapshotResponse, 1)}
	select {
	case s.installSnapshotCh <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, ErrShuttingDown
	}
	select {
	case resp := <-call.resp:
		resp.Meta = s.writeResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgInstallSnapshotResponse, Src: resp.Src, Dst: resp.Dst})
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CustomNotification handles the CustomNotification RPC.
func (s *Server) CustomNotification(ctx context.Context, req *raftpb.CustomNotificationRequest) (*raftpb.CustomNotificationResponse, error) {
	params := raftpb.MetaCallbackParams{MsgType: raftpb.MsgCustomNotificationRequest, Src: req.Src, Dst: req.Dst}
	if !s.validateRequestMeta(params, req.Meta) {
		return nil, ErrMetaRejected
	}

	call := &customNotificationCall{req: req, resp: make(chan *raftpb.CustomNotificationResponse, 1)}
	select {
	case s.customNotificationCh <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, ErrShuttingDown
	}
	select {
	case resp := <-call.resp:
		resp.Meta = s.writeResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgCustomNotificationResponse, Src: resp.Src, Dst: resp.Dst})
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartServer binds a TCP listener, starts the gRPC server and every
// background job, then blocks serving RPCs until the listener closes.
func (s *Server) StartServer(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	tcpAddr, ok := lis.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected listener address type %T", lis.Addr())
	}
	s.Address = tcpAddr.String()

	s.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	transport.RegisterRaftServiceServer(s.grpcServer, s)

	s.electionTimer = time.NewTimer(s.state.getElectionTimeout())
	s.heartbeatTimer = time.NewTicker(s.cfg.HeartbeatInterval)
	s.heartbeatTimer.Stop()

	go TrackElectionTimeoutJob(s.ctx(), s.electionTimer, s.pubSub)
	go TrackHeartbeatTimerJob(s.ctx(), s.heartbeatTimer, s.pubSub)
	go TrackSnapshotContextSweepJob(s.ctx(), s.sm, s.pubSub)
	go s.run()
	go s.applyLoop()

	log.Printf("[SERVER-%s] listening on %s, role=%s term=%d", s.ID, s.Address, s.state.getRole(), s.state.getCurrentTerm())

	return s.grpcServer.Serve(lis)
}

func (s *Server) ctx() serverCtx {
	return serverCtx{ID: s.ID, Addr: s.Address, Role: s.state.getRole(), Term: s.state.getCurrentTerm()}
}

// Role reports this server's current role. Safe to call from any goroutine.
func (s *Server) Role() Role {
	return s.state.getRole()
}

// CurrentTerm reports this server's current term. Safe to call from any
// goroutine.
func (s *Server) CurrentTerm() raftpb.Term {
	return s.state.getCurrentTerm()
}

// CommitIndex reports the highest log index known committed.
func (s *Server) CommitIndex() raftpb.Index {
	return s.state.getCommitIndex()
}

// OpenSnapshotContextCount reports how many outbound snapshot read contexts
// the state machine currently has open, or 0 if it doesn't track them.
func (s *Server) OpenSnapshotContextCount() int {
	if tracker, ok := s.sm.(statemachine.SnapshotContextTracker); ok {
		return tracker.OpenSnapshotContextCount()
	}
	return 0
}

// GracefulShutdown stops accepting new RPCs, drains in-flight work, then
// tears down outbound connections and background jobs.
func (s *Server) GracefulShutdown() {
	log.Printf("[SERVER-%s] graceful shutdown", s.ID)
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	s.grpcTransport.CloseAllClients()
	close(s.doneCh)
	pubsub.Publish(s.pubSub, pubsub.NewEvent(ServerShutDown, struct{}{}))
}

// ForceShutdown tears everything down immediately without waiting for
// in-flight RPCs to finish.
func (s *Server) ForceShutdown() {
	log.Printf("[SERVER-%s] force shutdown", s.ID)
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	s.grpcTransport.CloseAllClients()
	close(s.doneCh)
	pubsub.Publish(s.pubSub, pubsub.NewEvent(ServerShutDown, struct{}{}))
}

func (s *Server) notifyCallbacks(evt CallbackEvent) {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	for _, fn := range s.callbacks {
		fn(evt)
	}
}
