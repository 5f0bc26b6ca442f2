package server

import (
	"sync"
	"time"

	"raftcore/internal/raft/raftpb"
)

// serverState holds every piece of mutable Raft state in one place,
// protected by a single mutex. The coordination goroutine (run(), see
// orchestrator.go) calls the mutating setters below, except that the apply
// loop sets lastApplied and configChangeInProgress and
// runLeadershipTransfer sets the role; RPC handlers and other worker
// goroutines only use the getters, to read state for a fast
// early-reject (e.g. stale-term AppendEntries) before handing the request
// off to the coordinator (§7 of SPEC_FULL.md).
type serverState struct {
	mu sync.RWMutex

	role raftpb.Role

	currentTerm raftpb.Term
	votedFor    *ServerID

	// leaderID is this server's best knowledge of the current leader, used
	// to answer clients that must be auto-forwarded (§4.6).
	leaderID *ServerID

	commitIndex raftpb.Index
	lastApplied raftpb.Index

	electionTimeout time.Duration

	grantedVotesTotal   int
	preVoteGrantedTotal int
	electionCompleted   bool

	// priority and targetPriority implement the priority-based election
	// gating of §4.1: while targetPriority is above 0, a server with
	// priority 0 starts an election only if the zero-priority escape
	// condition holds; any priority above 0 is never gated.
	priority       int32
	targetPriority int32

	steppingDown           bool
	configChangeInProgress bool
	configChangeIndex      raftpb.Index
	removedFromCluster     bool

	config raftpb.ClusterConfig
}

func (s *serverState) getRole() raftpb.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *serverState) setRole(role raftpb.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

func (s *serverState) getCurrentTerm() raftpb.Term {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

func (s *serverState) setCurrentTerm(term raftpb.Term) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm = term
}

func (s *serverState) incrementCurrentTerm() raftpb.Term {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm++
	return s.currentTerm
}

func (s *serverState) getVotedFor() *ServerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

func (s *serverState) setVotedFor(id *ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
}

func (s *serverState) getLeaderID() *ServerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID
}

func (s *serverState) setLeaderID(id *ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
}

func (s *serverState) getCommitIndex() raftpb.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

func (s *serverState) setCommitIndex(index raftpb.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.commitIndex {
		s.commitIndex = index
	}
}

func (s *serverState) getLastApplied() raftpb.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

func (s *serverState) setLastApplied(index raftpb.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastApplied = index
}

func (s *serverState) getElectionTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.electionTimeout
}

func (s *serverState) setElectionTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.electionTimeout = timeout
}

func (s *serverState) getGrantedVotesTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grantedVotesTotal
}

func (s *serverState) setGrantedVotesTotal(votes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantedVotesTotal = votes
}

func (s *serverState) incrementGrantedVotesTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantedVotesTotal++
	return s.grantedVotesTotal
}

func (s *serverState) getPriority() (priority, target int32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priority, s.targetPriority
}

func (s *serverState) setPriority(priority int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = priority
}

func (s *serverState) setTargetPriority(target int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetPriority = target
}

func (s *serverState) isRemovedFromCluster() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.removedFromCluster
}

func (s *serverState) setRemovedFromCluster(removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removedFromCluster = removed
}

func (s *serverState) isConfigChangeInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configChangeInProgress
}

func (s *serverState) setConfigChangeInProgress(inProgress bool, index raftpb.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configChangeInProgress = inProgress
	s.configChangeIndex = index
}

func (s *serverState) getConfig() raftpb.ClusterConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *serverState) setConfig(config raftpb.ClusterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
}
