package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"raftcore/internal/raft/raftpb"
)

func TestServerState_GetSetRole(t *testing.T) {
	s := &serverState{}

	t.Run("default role is follower", func(t *testing.T) {
		assert.Equal(t, RoleFollower, s.getRole())
	})

	t.Run("sets and gets role", func(t *testing.T) {
		s.setRole(RoleLeader)
		assert.Equal(t, RoleLeader, s.getRole())

		s.setRole(RoleCandidate)
		assert.Equal(t, RoleCandidate, s.getRole())
	})
}

func TestServerState_GetSetCurrentTerm(t *testing.T) {
	s := &serverState{}

	assert.Equal(t, raftpb.Term(0), s.getCurrentTerm())

	s.setCurrentTerm(5)
	assert.Equal(t, raftpb.Term(5), s.getCurrentTerm())

	newTerm := s.incrementCurrentTerm()
	assert.Equal(t, raftpb.Term(6), newTerm)
	assert.Equal(t, raftpb.Term(6), s.getCurrentTerm())
}

func TestServerState_GetSetVotedFor(t *testing.T) {
	s := &serverState{}

	assert.Nil(t, s.getVotedFor())

	candidateID := ServerID("server-123")
	s.setVotedFor(&candidateID)
	assert.Equal(t, candidateID, *s.getVotedFor())

	s.setVotedFor(nil)
	assert.Nil(t, s.getVotedFor())
}

func TestServerState_GetSetLeaderID(t *testing.T) {
	s := &serverState{}
	assert.Nil(t, s.getLeaderID())

	leaderID := ServerID("leader-1")
	s.setLeaderID(&leaderID)
	assert.Equal(t, leaderID, *s.getLeaderID())
}

func TestServerState_CommitIndexOnlyAdvances(t *testing.T) {
	s := &serverState{}

	s.setCommitIndex(10)
	assert.Equal(t, raftpb.Index(10), s.getCommitIndex())

	s.setCommitIndex(5)
	assert.Equal(t, raftpb.Index(10), s.getCommitIndex(), "commitIndex must never move backwards")

	s.setCommitIndex(20)
	assert.Equal(t, raftpb.Index(20), s.getCommitIndex())
}

func TestServerState_LastApplied(t *testing.T) {
	s := &serverState{}
	assert.Equal(t, raftpb.Index(0), s.getLastApplied())

	s.setLastApplied(7)
	assert.Equal(t, raftpb.Index(7), s.getLastApplied())
}

func TestServerState_ElectionTimeout(t *testing.T) {
	s := &serverState{}
	timeout := 200 * time.Millisecond
	s.setElectionTimeout(timeout)
	assert.Equal(t, timeout, s.getElectionTimeout())
}

func TestServerState_GrantedVotesTotal(t *testing.T) {
	s := &serverState{}
	assert.Equal(t, 0, s.getGrantedVotesTotal())

	s.setGrantedVotesTotal(0)
	assert.Equal(t, 1, s.incrementGrantedVotesTotal())
	assert.Equal(t, 2, s.incrementGrantedVotesTotal())
	assert.Equal(t, 2, s.getGrantedVotesTotal())
}

func TestServerState_Priority(t *testing.T) {
	s := &serverState{}
	s.setPriority(50)
	s.setTargetPriority(100)

	priority, target := s.getPriority()
	assert.Equal(t, int32(50), priority)
	assert.Equal(t, int32(100), target)
}

func TestServerState_RemovedFromCluster(t *testing.T) {
	s := &serverState{}
	assert.False(t, s.isRemovedFromCluster())

	s.setRemovedFromCluster(true)
	assert.True(t, s.isRemovedFromCluster())
}

func TestServerState_ConfigChangeInProgress(t *testing.T) {
	s := &serverState{}
	assert.False(t, s.isConfigChangeInProgress())

	s.setConfigChangeInProgress(true, 42)
	assert.True(t, s.isConfigChangeInProgress())

	s.setConfigChangeInProgress(false, 0)
	assert.False(t, s.isConfigChangeInProgress())
}

func TestServerState_Config(t *testing.T) {
	s := &serverState{}

	config := raftpb.ClusterConfig{
		LogIndex: 1,
		Servers: []raftpb.ServerDescriptor{
			{ID: "server1", Endpoint: "localhost:5001"},
		},
	}

	s.setConfig(config)
	retrieved := s.getConfig()
	assert.Equal(t, config.LogIndex, retrieved.LogIndex)
	assert.Len(t, retrieved.Servers, 1)
}

func TestServerState_Concurrency(t *testing.T) {
	s := &serverState{}

	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s.setRole(Role(idx % 4))
			s.getRole()
		}(i)
	}

	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s.setCurrentTerm(raftpb.Term(idx))
			s.getCurrentTerm()
		}(i)
	}

	wg.Wait()
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "leader", RoleLeader.String())
	assert.Equal(t, "follower", RoleFollower.String())
	assert.Equal(t, "candidate", RoleCandidate.String())
	assert.Equal(t, "learner", RoleLearner.String())
	assert.Equal(t, "unknown", Role(99).String())
}
