package server

import "raftcore/internal/raft/raftpb"

// The helpers below wrap notifyCallbacks (server.go) with the exact event
// shape for each named callback kind (§4.6, §9), so call sites never build
// a CallbackEvent by hand and risk leaving a field unset for its kind.

func (s *Server) fireBecameLeader() {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackBecameLeader})
}

func (s *Server) fireBecameFollower() {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackBecameFollower})
}

func (s *Server) fireElectionTimeout() {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackElectionTimeout})
}

func (s *Server) fireSentAppendEntriesReq(peer ServerID) {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackSentAppendEntriesReq, PeerID: peer})
}

func (s *Server) fireReceivedAppendEntriesResp(peer ServerID, idx raftpb.Index) {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackReceivedAppendEntriesResp, PeerID: peer, LogIdx: idx})
}

func (s *Server) fireNewConfigForPeer(peer ServerID, idx raftpb.Index) {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackNewConfig, PeerID: peer, LogIdx: idx})
}

func (s *Server) fireRemovedFromCluster() {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackRemovedFromCluster})
}

func (s *Server) fireSnapshotCreationBegin(peer ServerID) {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackSnapshotCreationBegin, PeerID: peer})
}

func (s *Server) fireSnapshotCreationEnd(idx raftpb.Index) {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackSnapshotCreationEnd, LogIdx: idx})
}

func (s *Server) fireErrorLeaderStepsDown(err error) {
	s.notifyCallbacks(CallbackEvent{Kind: CallbackErrorLeaderStepsDown, Err: err})
}
