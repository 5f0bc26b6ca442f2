package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft/raftpb"
)

func TestEncodeDecodeClusterConfig_RoundTrips(t *testing.T) {
	cfg := raftpb.ClusterConfig{
		LogIndex: 7,
		Servers: []raftpb.ServerDescriptor{
			{ID: "s1", Endpoint: "s1:1", Priority: 3},
			{ID: "s2", Endpoint: "s2:1", Learner: true},
		},
	}
	data, err := encodeClusterConfig(cfg)
	require.NoError(t, err)

	decoded, err := decodeClusterConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, decoded)
}

func TestHandleMembershipCall_RejectsWhenNotLeader(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleFollower)

	call := &membershipCall{add: true, server: raftpb.ServerDescriptor{ID: "new-1"}, resp: make(chan membershipResult, 1)}
	s.handleMembershipCall(call)

	res := <-call.resp
	assert.Equal(t, raftpb.ConfigChangeNotLeader, res.status)
	assert.ErrorIs(t, res.err, ErrNotLeader)
}

func TestHandleMembershipCall_RejectsWhenAlreadyInProgress(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	s.state.setConfigChangeInProgress(true, 1)

	call := &membershipCall{add: true, server: raftpb.ServerDescriptor{ID: "new-1"}, resp: make(chan membershipResult, 1)}
	s.handleMembershipCall(call)

	res := <-call.resp
	assert.Equal(t, raftpb.ConfigChangeInProgress, res.status)
}

func TestHandleMembershipCall_AddServerAppendsConfigEntry(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{{ID: s.ID}}})

	call := &membershipCall{add: true, server: raftpb.ServerDescriptor{ID: "new-1", Endpoint: "new-1:1"}, resp: make(chan membershipResult, 1)}
	s.handleMembershipCall(call)

	res := <-call.resp
	assert.Equal(t, raftpb.ConfigChangeOK, res.status)
	assert.Len(t, s.state.getConfig().Servers, 2)
	assert.Contains(t, s.peers, ServerID("new-1"))
}

func TestHandleMembershipCall_AddServerMarksNewJoinerWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseNewJoinerType = true
	s := newUnwiredServer(t, cfg)
	s.state.setRole(RoleLeader)
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{{ID: s.ID}}})

	call := &membershipCall{add: true, server: raftpb.ServerDescriptor{ID: "new-1"}, resp: make(chan membershipResult, 1)}
	s.handleMembershipCall(call)
	<-call.resp

	cfgAfterAdd := s.state.getConfig()
	desc, ok := cfgAfterAdd.ServerByID("new-1")
	require.True(t, ok)
	assert.True(t, desc.NewJoiner)
}

func TestHandleMembershipCall_RejectsDuplicateAdd(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{{ID: s.ID}, {ID: "existing"}}})

	call := &membershipCall{add: true, server: raftpb.ServerDescriptor{ID: "existing"}, resp: make(chan membershipResult, 1)}
	s.handleMembershipCall(call)

	res := <-call.resp
	assert.ErrorIs(t, res.err, ErrServerAlreadyExists)
}

func TestHandleMembershipCall_RemoveServer(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{{ID: s.ID}, {ID: "gone"}}})
	s.peers["gone"] = &peerRecord{ID: "gone"}

	call := &membershipCall{add: false, id: "gone", resp: make(chan membershipResult, 1)}
	s.handleMembershipCall(call)

	res := <-call.resp
	assert.Equal(t, raftpb.ConfigChangeOK, res.status)
	cfgAfterRemove := s.state.getConfig()
	_, stillPresent := cfgAfterRemove.ServerByID("gone")
	assert.False(t, stillPresent)
	assert.NotContains(t, s.peers, ServerID("gone"))
}

func TestHandleMembershipCall_RemoveUnknownServerFails(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleLeader)
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{{ID: s.ID}}})

	call := &membershipCall{add: false, id: "ghost", resp: make(chan membershipResult, 1)}
	s.handleMembershipCall(call)

	res := <-call.resp
	assert.ErrorIs(t, res.err, ErrServerNotFound)
}

func TestPromoteCaughtUpJoiners_PromotesWhenWithinStopGap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogSyncStopGap = 5
	s := newUnwiredServer(t, cfg)
	s.state.setRole(RoleLeader)
	for i := 0; i < 10; i++ {
		appendLocal(t, s, 1, []byte("x"))
	}
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{
		{ID: s.ID}, {ID: "joiner-1", NewJoiner: true},
	}})
	s.peers["joiner-1"] = &peerRecord{ID: "joiner-1", MatchIndex: 8}

	s.promoteCaughtUpJoiners()

	joinerCfg := s.state.getConfig()
	desc, ok := joinerCfg.ServerByID("joiner-1")
	require.True(t, ok)
	assert.False(t, desc.NewJoiner)
}

func TestPromoteCaughtUpJoiners_LeavesFarBehindJoinerAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogSyncStopGap = 2
	s := newUnwiredServer(t, cfg)
	s.state.setRole(RoleLeader)
	for i := 0; i < 10; i++ {
		appendLocal(t, s, 1, []byte("x"))
	}
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{
		{ID: s.ID}, {ID: "joiner-1", NewJoiner: true},
	}})
	s.peers["joiner-1"] = &peerRecord{ID: "joiner-1", MatchIndex: 2}

	s.promoteCaughtUpJoiners()

	joinerCfg := s.state.getConfig()
	desc, ok := joinerCfg.ServerByID("joiner-1")
	require.True(t, ok)
	assert.True(t, desc.NewJoiner, "a joiner still far behind must not be promoted")
}

func TestPromoteCaughtUpJoiners_NoopWhenNotLeader(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.state.setRole(RoleFollower)
	s.state.setConfig(raftpb.ClusterConfig{Servers: []raftpb.ServerDescriptor{
		{ID: s.ID}, {ID: "joiner-1", NewJoiner: true},
	}})

	s.promoteCaughtUpJoiners()

	joinerCfg := s.state.getConfig()
	desc, _ := joinerCfg.ServerByID("joiner-1")
	assert.True(t, desc.NewJoiner)
}
