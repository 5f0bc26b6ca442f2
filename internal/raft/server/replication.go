package server

import (
	"context"
	"log"
	"sort"
	"time"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/raftpb"
)

// maxEntriesPerBatch bounds how many log entries a single AppendEntries
// round trip carries, before a peer's BatchSizeHintBytes narrows it further
// (§4.2 "per-peer pipeline").
const maxEntriesPerBatch = 256

// broadcastAppendEntries sends one AppendEntries (heartbeat or replication)
// to every peer. Called on every heartbeat tick and immediately after a new
// entry is appended to the leader's own log.
func (s *Server) broadcastAppendEntries() {
	if s.state.getRole() != RoleLeader {
		return
	}

	s.peersMu.RLock()
	peers := make([]*peerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.RUnlock()

	for _, p := range peers {
		s.sendAppendEntries(p)
	}
}

// sendAppendEntries dispatches one AppendEntries to p, skipping it if a
// previous request to the same peer is still outstanding (InFlight); this
// applies to bare heartbeats as well.
func (s *Server) sendAppendEntries(p *peerRecord) {
	if p.snapshot != nil {
		s.sendInstallSnapshot(p)
		return
	}
	if !p.InFlight.CompareAndSwap(false, true) {
		return
	}

	prevLogIdx := p.NextIndex - 1
	prevLogTerm, err := s.log.TermAt(prevLogIdx)
	if err != nil {
		p.InFlight.Store(false)
		s.beginSnapshotTransfer(p)
		return
	}

	entries := s.entriesFrom(p.NextIndex, maxEntriesPerBatch, p.MaxBatchBytes)
	term := s.state.getCurrentTerm()
	hdr := raftpb.NewHeader(term, s.ID, p.ID, prevLogTerm, prevLogIdx, s.state.getCommitIndex())
	hdr.Meta = s.writeRequestMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgAppendEntriesRequest, Src: s.ID, Dst: p.ID, LogIdx: prevLogIdx})
	req := &raftpb.AppendEntriesRequest{hdr, prevLogIdx, prevLogTerm, entries, s.state.getCommitIndex()}

	p.LastHeartbeatSent = time.Now()
	sentLastIdx := prevLogIdx
	if len(entries) > 0 {
		sentLastIdx = entries[len(entries)-1].Index
	}
	s.fireSentAppendEntriesReq(p.ID)

	if s.metrics != nil && len(entries) == 0 {
		s.metrics.RecordHeartbeat()
	}

	go func() {
		defer p.InFlight.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval*3)
		defer cancel()

		resp, err := p.Client.AppendEntries(ctx, req)
		if err != nil {
			pubsub.Publish(s.pubSub, pubsub.NewEvent(AppendEntriesResponseReceived, AppendEntriesAckPayload{
				From:           p.ID,
				SentPrevLogIdx: prevLogIdx,
			}))
			return
		}
		if !s.validateResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgAppendEntriesResponse, Src: resp.Src, Dst: resp.Dst, LogIdx: resp.LastLogIdx}, resp.Meta) {
			pubsub.Publish(s.pubSub, pubsub.NewEvent(AppendEntriesResponseReceived, AppendEntriesAckPayload{
				From:           p.ID,
				SentPrevLogIdx: prevLogIdx,
			}))
			return
		}

		pubsub.Publish(s.pubSub, pubsub.NewEvent(AppendEntriesResponseReceived, AppendEntriesAckPayload{
			From:             p.ID,
			Resp:             *resp,
			SentPrevLogIdx:   prevLogIdx,
			SentLastEntryIdx: sentLastIdx,
		}))
	}()

	if s.metrics != nil {
		s.metrics.RecordAppendEntries()
	}
}

// entriesFrom collects up to limit entries starting at from, stopping at
// the log's current end or once maxBytes of entry payload has been
// collected (maxBytes <= 0 means unbounded), implementing the
// BatchSizeHintBytes back-pressure a follower can request (§4.2).
func (s *Server) entriesFrom(from raftpb.Index, limit int, maxBytes int64) []raftpb.LogEntry {
	last := s.log.NextSlot() - 1
	if from > last {
		return nil
	}
	var collected int64
	entries := make([]raftpb.LogEntry, 0, limit)
	for idx := from; idx <= last && len(entries) < limit; idx++ {
		e, err := s.log.EntryAt(idx)
		if err != nil {
			break
		}
		if maxBytes > 0 && len(entries) > 0 && collected+int64(len(e.Data)) > maxBytes {
			break
		}
		collected += int64(len(e.Data))
		entries = append(entries, *e)
	}
	return entries
}

// handleAppendEntriesRequest is the follower/candidate-side responder: log
// matching, conflict truncation, and commitIndex advancement all happen
// here, per §5.3 of the Raft paper.
func (s *Server) handleAppendEntriesRequest(req *raftpb.AppendEntriesRequest) *raftpb.AppendEntriesResponse {
	currentTerm := s.state.getCurrentTerm()

	if req.Term < currentTerm {
		return &raftpb.AppendEntriesResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false}
	}

	if req.Term > currentTerm {
		s.state.setCurrentTerm(req.Term)
		s.state.setVotedFor(nil)
		s.persistTermVote(req.Term, nil)
		currentTerm = req.Term
	}

	if s.state.getRole() != RoleFollower {
		s.state.setRole(RoleFollower)
		s.fireBecameFollower()
	}
	leader := req.Src
	s.state.setLeaderID(&leader)
	s.resetElectionTimer()

	if req.PrevLogIdx > 0 {
		termAtPrev, err := s.log.TermAt(req.PrevLogIdx)
		if err != nil || termAtPrev != req.PrevLogTerm {
			hint := s.conflictHint(req.PrevLogIdx)
			return &raftpb.AppendEntriesResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false, NextIdxHint: hint}
		}
	}

	for _, entry := range req.Entries {
		existing, err := s.log.EntryAt(entry.Index)
		if err == nil && existing.Term == entry.Term {
			continue
		}
		e := entry
		if err := s.log.WriteAt(entry.Index, &e); err != nil {
			log.Printf("[REPLICATION] [SERVER-%s] write-at %d failed: %v", s.ID, entry.Index, err)
			return &raftpb.AppendEntriesResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false}
		}
		if entry.Type == raftpb.EntryConfiguration {
			s.applyConfigEntry(entry)
		}
	}
	_ = s.log.Flush()

	lastLogIdx := s.log.NextSlot() - 1
	if req.LeaderCommit > s.state.getCommitIndex() {
		newCommit := req.LeaderCommit
		if lastLogIdx < newCommit {
			newCommit = lastLogIdx
		}
		s.state.setCommitIndex(newCommit)
		s.wakeApplyLoop()
	}

	return &raftpb.AppendEntriesResponse{
		Term:               currentTerm,
		Src:                s.ID,
		Dst:                req.Src,
		Accepted:           true,
		LastLogIdx:         lastLogIdx,
		BatchSizeHintBytes: s.nextBatchSizeHint(),
	}
}

// conflictHint finds the first index of the conflicting term at or before
// idx, letting the leader skip straight past an entire mismatched term
// instead of backing off one entry per round trip.
func (s *Server) conflictHint(idx raftpb.Index) raftpb.Index {
	term, err := s.log.TermAt(idx)
	if err != nil || term == 0 {
		start := s.log.StartIndex()
		if idx < start {
			return start
		}
		return idx
	}
	hint := idx
	for hint > s.log.StartIndex() {
		t, err := s.log.TermAt(hint - 1)
		if err != nil || t != term {
			break
		}
		hint--
	}
	return hint
}

// handleAppendEntriesResponse is the leader-side aggregator: it advances a
// peer's pipeline state and, when a new index has reached quorum, advances
// commitIndex per the leader-completeness property (only entries from the
// current term are counted toward a fresh commit advance).
func (s *Server) handleAppendEntriesResponse(payload AppendEntriesAckPayload) {
	if s.state.getRole() != RoleLeader {
		return
	}

	s.peersMu.Lock()
	p, ok := s.peers[payload.From]
	if !ok {
		s.peersMu.Unlock()
		return
	}

	if payload.Resp.Term > s.state.getCurrentTerm() {
		s.peersMu.Unlock()
		s.state.setCurrentTerm(payload.Resp.Term)
		s.state.setRole(RoleFollower)
		s.state.setVotedFor(nil)
		s.persistTermVote(payload.Resp.Term, nil)
		s.stopHeartbeatTimer()
		s.fireErrorLeaderStepsDown(nil)
		return
	}

	if payload.Resp.Src == "" {
		// transport failure: no response reached us. Leave NextIndex alone,
		// mark the peer for reconnect next pre-vote round.
		p.ReconnectNeeded = true
		s.peersMu.Unlock()
		return
	}

	p.LastHeartbeatRecv = time.Now()
	p.ReconnectNeeded = false

	if !payload.Resp.Accepted {
		if payload.Resp.NextIdxHint > 0 {
			p.NextIndex = payload.Resp.NextIdxHint
		} else if p.NextIndex > 1 {
			p.NextIndex--
		}
		s.peersMu.Unlock()
		s.sendAppendEntries(p)
		return
	}

	if payload.Resp.LastLogIdx > p.MatchIndex {
		p.MatchIndex = payload.Resp.LastLogIdx
	}
	p.NextIndex = p.MatchIndex + 1
	if payload.Resp.BatchSizeHintBytes > 0 {
		p.MaxBatchBytes = payload.Resp.BatchSizeHintBytes
	}
	s.peersMu.Unlock()

	s.fireReceivedAppendEntriesResp(payload.From, payload.Resp.LastLogIdx)
	s.maybeAdvanceCommitIndex()

	if payload.Resp.LastLogIdx < s.log.NextSlot()-1 {
		s.sendAppendEntries(p)
	}
}

// maybeAdvanceCommitIndex recomputes the highest index replicated to a
// quorum and advances commitIndex to it, honoring
// UseFullConsensusAmongHealthyMembers and a custom commit quorum size.
func (s *Server) maybeAdvanceCommitIndex() {
	currentTerm := s.state.getCurrentTerm()
	lastLogIdx := s.log.NextSlot() - 1

	s.peersMu.RLock()
	matchIndices := make([]raftpb.Index, 0, len(s.peers)+1)
	matchIndices = append(matchIndices, lastLogIdx)
	healthy := 0
	for _, p := range s.peers {
		matchIndices = append(matchIndices, p.MatchIndex)
		if time.Since(p.LastHeartbeatRecv) < s.cfg.HeartbeatInterval*time.Duration(s.cfg.ReconnectLimit) {
			healthy++
		}
	}
	s.peersMu.RUnlock()

	quorum := s.commitQuorumSize(len(matchIndices))
	if s.cfg.UseFullConsensusAmongHealthyMembers {
		quorum = healthy + 1
	}

	sort.Slice(matchIndices, func(i, j int) bool { return matchIndices[i] > matchIndices[j] })
	if quorum > len(matchIndices) {
		return
	}
	candidate := matchIndices[quorum-1]
	if candidate <= s.state.getCommitIndex() {
		return
	}

	termAtCandidate, err := s.log.TermAt(candidate)
	if err != nil || termAtCandidate != currentTerm {
		// Raft §5.4.2: a leader may only commit entries from its own term
		// directly; earlier-term entries commit as a side effect once a
		// same-term entry above them does.
		return
	}

	s.state.setCommitIndex(candidate)
	s.wakeApplyLoop()
}

// commitQuorumSize mirrors quorumSize but for the (possibly distinct)
// commit quorum, honoring CustomCommitQuorumSize.
func (s *Server) commitQuorumSize(clusterSize int) int {
	if s.cfg.CustomCommitQuorumSize > 0 {
		return s.cfg.CustomCommitQuorumSize
	}
	if clusterSize == 2 && s.cfg.AutoAdjustQuorumForSmallCluster {
		return 1
	}
	return clusterSize/2 + 1
}

// applyConfigEntry installs a configuration log entry into in-memory state
// the instant it is appended, per the non-joint reconfiguration model
// (§4.4): no two-phase joint consensus, the new configuration takes effect
// immediately for both replication and voting.
func (s *Server) applyConfigEntry(entry raftpb.LogEntry) {
	cfg, err := decodeClusterConfig(entry.Data)
	if err != nil {
		log.Printf("[MEMBERSHIP] [SERVER-%s] failed to decode config entry at %d: %v", s.ID, entry.Index, err)
		return
	}
	s.state.setConfig(cfg)
	if _, ok := cfg.ServerByID(s.ID); !ok {
		s.state.setRemovedFromCluster(true)
		s.fireRemovedFromCluster()
	}
	pubsub.Publish(s.pubSub, pubsub.NewEvent(ConfigChangeCompleted, cfg.LogIndex))
}
