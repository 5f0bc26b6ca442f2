package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft/raftpb"
)

// stubPeerClient implements transport.PeerClient with canned no-op
// responses, letting handleAppendEntriesResponse's retry path
// (sendAppendEntries) proceed without a live connection or a real peer.
type stubPeerClient struct{}

func (stubPeerClient) RequestVote(context.Context, *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	return &raftpb.RequestVoteResponse{}, nil
}
func (stubPeerClient) PreVote(context.Context, *raftpb.PreVoteRequest) (*raftpb.PreVoteResponse, error) {
	return &raftpb.PreVoteResponse{}, nil
}
func (stubPeerClient) AppendEntries(context.Context, *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	return &raftpb.AppendEntriesResponse{}, nil
}
func (stubPeerClient) InstallSnapshot(context.Context, *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	return &raftpb.InstallSnapshotResponse{}, nil
}
func (stubPeerClient) CustomNotification(context.Context, *raftpb.CustomNotificationRequest) (*raftpb.CustomNotificationResponse, error) {
	return &raftpb.CustomNotificationResponse{}, nil
}

func timeNowForTest() time.Time { return time.Now() }

func appendLocal(t *testing.T, s *Server, term raftpb.Term, data []byte) raftpb.Index {
	t.Helper()
	idx := s.log.NextSlot()
	require.NoError(t, s.log.Append(&raftpb.LogEntry{Index: idx, Term: term, Data: data}))
	return idx
}

func TestEntriesFrom_RespectsLimit(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		appendLocal(t, s, 1, []byte("x"))
	}
	entries := s.entriesFrom(1, 2, 0)
	assert.Len(t, entries, 2)
}

func TestEntriesFrom_RespectsByteCapButAlwaysIncludesOne(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	appendLocal(t, s, 1, []byte("aaaaaaaaaa"))
	appendLocal(t, s, 1, []byte("b"))
	appendLocal(t, s, 1, []byte("c"))

	entries := s.entriesFrom(1, 100, 1)
	require.Len(t, entries, 1, "a byte cap smaller than the first entry must still return that entry")
}

func TestEntriesFrom_EmptyPastLogEnd(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	appendLocal(t, s, 1, []byte("a"))
	entries := s.entriesFrom(5, 10, 0)
	assert.Empty(t, entries)
}

func TestConflictHint_SkipsEntireMismatchedTerm(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	appendLocal(t, s, 1, []byte("a"))
	appendLocal(t, s, 1, []byte("b"))
	appendLocal(t, s, 2, []byte("c"))
	appendLocal(t, s, 2, []byte("d"))

	hint := s.conflictHint(4)
	assert.Equal(t, raftpb.Index(3), hint, "hint should land on the first entry of the conflicting term")
}

func TestHandleAppendEntriesRequest_RejectsStaleTerm(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setCurrentTerm(5)

	req := &raftpb.AppendEntriesRequest{raftpb.NewHeader(2, "leader-1", s.ID, 0, 0, 0), 0, 0, nil, 0}
	resp := s.handleAppendEntriesRequest(req)
	assert.False(t, resp.Accepted)
	assert.Equal(t, raftpb.Term(5), resp.Term)
}

func TestHandleAppendEntriesRequest_RejectsLogMismatch(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	appendLocal(t, s, 1, []byte("a"))

	req := &raftpb.AppendEntriesRequest{raftpb.NewHeader(1, "leader-1", s.ID, 2, 1, 0), 1, 2, nil, 0}
	resp := s.handleAppendEntriesRequest(req)
	assert.False(t, resp.Accepted)
	assert.Equal(t, raftpb.Index(1), resp.NextIdxHint)
}

func TestHandleAppendEntriesRequest_AppendsAndAdvancesCommit(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())

	req := &raftpb.AppendEntriesRequest{
		raftpb.NewHeader(1, "leader-1", s.ID, 0, 0, 0),
		0, 0,
		[]raftpb.LogEntry{{Index: 1, Term: 1, Data: []byte("x")}},
		1,
	}
	resp := s.handleAppendEntriesRequest(req)
	assert.True(t, resp.Accepted)
	assert.Equal(t, raftpb.Index(1), resp.LastLogIdx)
	assert.Equal(t, raftpb.Index(1), s.state.getCommitIndex())
}

func TestHandleAppendEntriesRequest_BecomesFollowerOnHigherTerm(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleCandidate)
	s.state.setCurrentTerm(1)

	req := &raftpb.AppendEntriesRequest{raftpb.NewHeader(5, "leader-1", s.ID, 0, 0, 0), 0, 0, nil, 0}
	resp := s.handleAppendEntriesRequest(req)

	assert.True(t, resp.Accepted)
	assert.Equal(t, RoleFollower, s.state.getRole())
	assert.Equal(t, raftpb.Term(5), s.state.getCurrentTerm())
}

func TestHandleAppendEntriesRequest_AppliesConfigEntryImmediately(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	newCfg := raftpb.ClusterConfig{LogIndex: 1, Servers: []raftpb.ServerDescriptor{{ID: s.ID}, {ID: "peer-2"}}}
	data, err := encodeClusterConfig(newCfg)
	require.NoError(t, err)

	req := &raftpb.AppendEntriesRequest{
		raftpb.NewHeader(1, "leader-1", s.ID, 0, 0, 0),
		0, 0,
		[]raftpb.LogEntry{{Index: 1, Term: 1, Type: raftpb.EntryConfiguration, Data: data}},
		0,
	}
	resp := s.handleAppendEntriesRequest(req)
	assert.True(t, resp.Accepted)
	assert.Len(t, s.state.getConfig().Servers, 2)
}

func TestHandleAppendEntriesRequest_ConfigEntryRemovingSelfMarksRemoved(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	newCfg := raftpb.ClusterConfig{LogIndex: 1, Servers: []raftpb.ServerDescriptor{{ID: "peer-2"}}}
	data, err := encodeClusterConfig(newCfg)
	require.NoError(t, err)

	req := &raftpb.AppendEntriesRequest{
		raftpb.NewHeader(1, "leader-1", s.ID, 0, 0, 0),
		0, 0,
		[]raftpb.LogEntry{{Index: 1, Term: 1, Type: raftpb.EntryConfiguration, Data: data}},
		0,
	}
	s.handleAppendEntriesRequest(req)
	assert.True(t, s.state.isRemovedFromCluster())
}

func TestHandleAppendEntriesResponse_StepsDownOnHigherTerm(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	s.state.setCurrentTerm(1)
	s.peers["peer-1"] = &peerRecord{ID: "peer-1"}

	s.handleAppendEntriesResponse(AppendEntriesAckPayload{
		From: "peer-1",
		Resp: raftpb.AppendEntriesResponse{Term: 9, Src: "peer-1"},
	})

	assert.Equal(t, RoleFollower, s.state.getRole())
	assert.Equal(t, raftpb.Term(9), s.state.getCurrentTerm())
}

func TestHandleAppendEntriesResponse_TransportFailureMarksReconnect(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	p := &peerRecord{ID: "peer-1"}
	s.peers["peer-1"] = p

	s.handleAppendEntriesResponse(AppendEntriesAckPayload{From: "peer-1", Resp: raftpb.AppendEntriesResponse{}})

	assert.True(t, p.ReconnectNeeded)
}

func TestHandleAppendEntriesResponse_RejectDecrementsNextIndex(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	p := &peerRecord{ID: "peer-1", NextIndex: 10, Client: stubPeerClient{}}
	s.peers["peer-1"] = p

	s.handleAppendEntriesResponse(AppendEntriesAckPayload{
		From: "peer-1",
		Resp: raftpb.AppendEntriesResponse{Src: "peer-1", Accepted: false},
	})

	assert.Equal(t, raftpb.Index(9), p.NextIndex)
}

func TestHandleAppendEntriesResponse_RejectHonorsNextIdxHint(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	p := &peerRecord{ID: "peer-1", NextIndex: 10, Client: stubPeerClient{}}
	s.peers["peer-1"] = p

	s.handleAppendEntriesResponse(AppendEntriesAckPayload{
		From: "peer-1",
		Resp: raftpb.AppendEntriesResponse{Src: "peer-1", Accepted: false, NextIdxHint: 3},
	})

	assert.Equal(t, raftpb.Index(3), p.NextIndex)
}

func TestHandleAppendEntriesResponse_AcceptAdvancesMatchAndCaptureBatchHint(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	appendLocal(t, s, 1, []byte("x"))
	p := &peerRecord{ID: "peer-1", Client: stubPeerClient{}}
	s.peers["peer-1"] = p

	s.handleAppendEntriesResponse(AppendEntriesAckPayload{
		From: "peer-1",
		Resp: raftpb.AppendEntriesResponse{Src: "peer-1", Accepted: true, LastLogIdx: 1, BatchSizeHintBytes: 512},
	})

	assert.Equal(t, raftpb.Index(1), p.MatchIndex)
	assert.Equal(t, raftpb.Index(2), p.NextIndex)
	assert.Equal(t, int64(512), p.MaxBatchBytes)
}

func TestMaybeAdvanceCommitIndex_OnlyCommitsCurrentTermEntries(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	s.state.setCurrentTerm(2)
	appendLocal(t, s, 1, []byte("old-term"))
	appendLocal(t, s, 2, []byte("new-term"))

	p1 := &peerRecord{ID: "p1", MatchIndex: 2, LastHeartbeatRecv: timeNowForTest()}
	s.peers["p1"] = p1

	s.maybeAdvanceCommitIndex()
	assert.Equal(t, raftpb.Index(2), s.state.getCommitIndex())
}

func TestMaybeAdvanceCommitIndex_WithholdsWhenCandidateIsOlderTerm(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	s.state.setCurrentTerm(3)
	appendLocal(t, s, 1, []byte("old-term"))

	p1 := &peerRecord{ID: "p1", MatchIndex: 1, LastHeartbeatRecv: timeNowForTest()}
	s.peers["p1"] = p1

	s.maybeAdvanceCommitIndex()
	assert.Equal(t, raftpb.Index(0), s.state.getCommitIndex(), "an older-term entry must not commit on its own")
}

func TestCommitQuorumSize_CustomOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomCommitQuorumSize = 7
	s := newUnwiredServer(t, cfg)
	assert.Equal(t, 7, s.commitQuorumSize(10))
}

func TestCommitQuorumSize_TwoNodeAutoAdjust(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoAdjustQuorumForSmallCluster = true
	s := newUnwiredServer(t, cfg)
	assert.Equal(t, 1, s.commitQuorumSize(2))
}
