package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/mocks"
	"raftcore/internal/raft/raftpb"
)

func newUnwiredServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	pubSub := pubsub.NewPubSub()
	s := NewServer(cfg, mocks.NewMockLogStore(), mocks.NewMockStateManager(), mocks.NewMockStateMachine(), mocks.NewMockMetricsCollector(), pubSub)
	return s
}

func withVotingConfig(s *Server, n int) {
	descs := make([]raftpb.ServerDescriptor, n)
	for i := 0; i < n; i++ {
		descs[i] = raftpb.ServerDescriptor{ID: ServerID(ServerIDForTest(i)), Priority: 1}
	}
	s.state.setConfig(raftpb.ClusterConfig{Servers: descs})
}

func TestQuorumSize_DefaultMajority(t *testing.T) {
	cfg := DefaultConfig()
	s := newUnwiredServer(t, cfg)
	withVotingConfig(s, 5)
	assert.Equal(t, 3, s.quorumSize())
}

func TestQuorumSize_TwoNodeAutoAdjust(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoAdjustQuorumForSmallCluster = true
	s := newUnwiredServer(t, cfg)
	withVotingConfig(s, 2)
	assert.Equal(t, 1, s.quorumSize())
}

func TestQuorumSize_TwoNodeWithoutAutoAdjust(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoAdjustQuorumForSmallCluster = false
	s := newUnwiredServer(t, cfg)
	withVotingConfig(s, 2)
	assert.Equal(t, 2, s.quorumSize())
}

func TestQuorumSize_CustomOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomElectionQuorumSize = 4
	s := newUnwiredServer(t, cfg)
	withVotingConfig(s, 5)
	assert.Equal(t, 4, s.quorumSize())
}

func TestCheckCondForZeroPriorityElection_NonZeroPriorityAlwaysAllowed(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setPriority(5)
	s.state.setTargetPriority(10)
	assert.True(t, s.checkCondForZeroPriorityElection())
}

func TestCheckCondForZeroPriorityElection_ZeroTargetAlwaysAllowed(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setPriority(0)
	s.state.setTargetPriority(0)
	assert.True(t, s.checkCondForZeroPriorityElection())
}

func TestCheckCondForZeroPriorityElection_BlockedWithoutEscapeFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowTemporaryZeroPriorityLeader = false
	s := newUnwiredServer(t, cfg)
	s.state.setPriority(0)
	s.state.setTargetPriority(10)
	assert.False(t, s.checkCondForZeroPriorityElection())
}

func TestCheckCondForZeroPriorityElection_BlockedWhileHigherPriorityPeerHealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowTemporaryZeroPriorityLeader = true
	s := newUnwiredServer(t, cfg)
	s.state.setPriority(0)
	s.state.setTargetPriority(10)

	s.peers["peer-1"] = &peerRecord{ID: "peer-1", Priority: 20, LastHeartbeatRecv: time.Now()}
	assert.False(t, s.checkCondForZeroPriorityElection())
}

func TestCheckCondForZeroPriorityElection_EscapesWhenNoHealthyHigherPriorityPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowTemporaryZeroPriorityLeader = true
	s := newUnwiredServer(t, cfg)
	s.state.setPriority(0)
	s.state.setTargetPriority(10)

	// peer is higher priority but stale (no recent heartbeat): doesn't block.
	s.peers["peer-1"] = &peerRecord{ID: "peer-1", Priority: 20}
	assert.True(t, s.checkCondForZeroPriorityElection())
}

func TestHandlePreVoteRequest_RejectsUnknownRequesterWhenConfigured(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	withVotingConfig(s, 2)

	req := &raftpb.PreVoteRequest{raftpb.NewHeader(1, "intruder", s.ID, 0, 0, 0)}
	resp := s.handlePreVoteRequest(req)

	assert.Equal(t, raftpb.NextIdxMaxSentinel, resp.NextIdxHint)
	assert.False(t, resp.Accepted)
}

func TestHandlePreVoteRequest_AcceptsUpToDateKnownPeer(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{
		{ID: s.ID}, {ID: "peer-1"},
	}})

	req := &raftpb.PreVoteRequest{raftpb.NewHeader(1, "peer-1", s.ID, 0, 0, 0)}
	resp := s.handlePreVoteRequest(req)
	assert.True(t, resp.Accepted)
}

func TestHandlePreVoteRequest_RejectsStaleTerm(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{
		{ID: s.ID}, {ID: "peer-1"},
	}})
	s.state.setCurrentTerm(5)

	req := &raftpb.PreVoteRequest{raftpb.NewHeader(1, "peer-1", s.ID, 0, 0, 0)}
	resp := s.handlePreVoteRequest(req)
	assert.False(t, resp.Accepted)
}

func TestHandlePreVoteRequest_NeverMutatesTermOrVotedFor(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{
		{ID: s.ID}, {ID: "peer-1"},
	}})
	s.state.setCurrentTerm(3)

	req := &raftpb.PreVoteRequest{raftpb.NewHeader(9, "peer-1", s.ID, 0, 0, 0)}
	s.handlePreVoteRequest(req)

	assert.Equal(t, raftpb.Term(3), s.state.getCurrentTerm())
	assert.Nil(t, s.state.getVotedFor())
}

func TestHandleRequestVote_GrantsOncePerTerm(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setCurrentTerm(1)

	req1 := &raftpb.RequestVoteRequest{raftpb.NewHeader(2, "peer-1", s.ID, 0, 0, 0), false}
	resp1 := s.handleRequestVote(req1)
	assert.True(t, resp1.Accepted)

	req2 := &raftpb.RequestVoteRequest{raftpb.NewHeader(2, "peer-2", s.ID, 0, 0, 0), false}
	resp2 := s.handleRequestVote(req2)
	assert.False(t, resp2.Accepted, "a second candidate in the same term must not also get a vote")
}

func TestHandleRequestVote_RejectsStaleTerm(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setCurrentTerm(5)

	req := &raftpb.RequestVoteRequest{raftpb.NewHeader(3, "peer-1", s.ID, 0, 0, 0), false}
	resp := s.handleRequestVote(req)
	assert.False(t, resp.Accepted)
	assert.Equal(t, raftpb.Term(5), resp.Term)
}

func TestHandleRequestVote_RejectsStaleLog(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.log.Append(&raftpb.LogEntry{Term: 1, Data: []byte("a")})
	s.log.Append(&raftpb.LogEntry{Term: 2, Data: []byte("b")})

	req := &raftpb.RequestVoteRequest{raftpb.NewHeader(3, "peer-1", s.ID, 1, 1, 0), false}
	resp := s.handleRequestVote(req)
	assert.False(t, resp.Accepted)
}

func TestHandleRequestVote_ForceVoteBypassesLogCheck(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.log.Append(&raftpb.LogEntry{Term: 1, Data: []byte("a")})
	s.log.Append(&raftpb.LogEntry{Term: 2, Data: []byte("b")})

	req := &raftpb.RequestVoteRequest{raftpb.NewHeader(3, "peer-1", s.ID, 0, 0, 0), true}
	resp := s.handleRequestVote(req)
	assert.True(t, resp.Accepted)
}

func TestHandleVoteResponse_OnlyAcceptedCountTowardGrant(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	withVotingConfig(s, 5)
	s.state.setCurrentTerm(1)
	s.vote = &voteAggregate{term: 1, total: 1, granted: 1}

	s.handleVoteResponse(VoteGrantedPayload{From: "peer-1", Term: 1, Accepted: false})
	assert.Equal(t, 1, s.vote.granted)
	assert.Equal(t, 2, s.vote.total)

	s.handleVoteResponse(VoteGrantedPayload{From: "peer-2", Term: 1, Accepted: true})
	assert.Equal(t, 2, s.vote.granted)
}

func TestHandleVoteResponse_HigherTermStepsDown(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setCurrentTerm(1)
	s.state.setRole(RoleCandidate)
	s.vote = &voteAggregate{term: 1, total: 1, granted: 1}

	s.handleVoteResponse(VoteGrantedPayload{From: "peer-1", Term: 5, Accepted: false})

	assert.Equal(t, raftpb.Term(5), s.state.getCurrentTerm())
	assert.Equal(t, RoleFollower, s.state.getRole())
	assert.True(t, s.vote.done)
}

func TestMaybeConcludeVote_BecomesLeaderAtQuorum(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	withVotingConfig(s, 3)
	s.vote = &voteAggregate{term: 1, total: 2, granted: 2}

	s.maybeConcludeVote()

	assert.Equal(t, RoleLeader, s.state.getRole())
	assert.True(t, s.vote.done)
}

func TestMaybeConcludePreVote_FailsRoundWhenQuorumUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyConnectionLimit = 100
	s := newUnwiredServer(t, cfg)
	withVotingConfig(s, 5)
	// 2 of 5 voters denied already; quorum is 3 and only 3 remain
	// unanswered, so the round is still reachable until a 3rd denial lands.
	s.preVote = &preVoteAggregate{term: 1, total: 3, live: 1, dead: 2}

	s.maybeConcludePreVote()
	assert.False(t, s.preVote.done, "round is still reachable with 2 unanswered voters")

	s.preVote.total = 4
	s.preVote.dead = 3
	s.maybeConcludePreVote()
	assert.True(t, s.preVote.done, "quorum became unreachable once a 3rd peer denied")
}

func TestMaybeConcludePreVote_SucceedsAtQuorum(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{
		{ID: s.ID}, {ID: "p1"}, {ID: "p2"},
	}})
	s.preVote = &preVoteAggregate{term: s.state.getCurrentTerm() + 1, total: 2, live: 2}

	s.maybeConcludePreVote()
	assert.True(t, s.preVote.done)
	assert.Equal(t, RoleCandidate, s.state.getRole())
}
