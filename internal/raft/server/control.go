package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"time"

	"raftcore/internal/raft/raftpb"
)

// forwardedSubmitPrefix marks a CustomNotification as a follower forwarding
// a client command to the leader (AutoForwarding, §4.6). The payload after
// the prefix is base64 of the raw command bytes, since Metadata is a string
// but commands are arbitrary binary data.
const forwardedSubmitPrefix = "FWDSUBMIT:"

// Submit is the client-facing entry point for replicating one command. It
// blocks until the entry commits when cfg.ReturnMethod is ReturnBlocking,
// or returns as soon as the entry is appended to the leader's log otherwise.
func (s *Server) Submit(data []byte) (raftpb.Index, error) {
	call := &submitCall{data: data, resp: make(chan submitResult, 1)}
	timeout := s.cfg.WithClientReqTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.submitCh <- call:
	case <-timer.C:
		return 0, ErrTimeout
	case <-s.doneCh:
		return 0, ErrShuttingDown
	}

	select {
	case res := <-call.resp:
		return res.index, res.err
	case <-timer.C:
		return 0, ErrTimeout
	}
}

// handleSubmit is the coordinator-side entry point for both a direct
// client Submit and a forwarded command from a follower. A non-leader
// either rejects outright or spawns a forwarding goroutine, never blocking
// the coordination goroutine on the network call itself.
func (s *Server) handleSubmit(call *submitCall) {
	if s.state.getRole() != RoleLeader {
		if s.cfg.AutoForwarding {
			if leaderID := s.state.getLeaderID(); leaderID != nil {
				go s.forwardSubmit(*leaderID, call)
				return
			}
		}
		call.resp <- submitResult{err: ErrNotLeader}
		return
	}

	index, err := s.appendClientEntry(call.data)
	if err != nil {
		call.resp <- submitResult{err: err}
		return
	}

	if s.cfg.ReturnMethod == ReturnAsync {
		call.resp <- submitResult{index: index}
		return
	}

	s.pendingMu.Lock()
	s.pendingCommits[index] = call.resp
	s.pendingMu.Unlock()
}

// appendClientEntry appends data as a new application log entry at the
// leader's next slot and triggers replication; it never blocks on the
// network, only on the local log write.
func (s *Server) appendClientEntry(data []byte) (raftpb.Index, error) {
	index := s.log.NextSlot()
	entry := &raftpb.LogEntry{Index: index, Term: s.state.getCurrentTerm(), Type: raftpb.EntryApplication, Data: data}
	if err := s.log.Append(entry); err != nil {
		return 0, err
	}

	s.pendingMu.Lock()
	s.pendingSubmittedAt[index] = time.Now()
	s.pendingMu.Unlock()
	if !s.cfg.ParallelLogAppending {
		if err := s.log.Flush(); err != nil {
			return 0, err
		}
	}
	s.broadcastAppendEntries()
	return index, nil
}

// forwardSubmit sends data to the leader over CustomNotification, honoring
// AutoForwardingReqTimeout. It reports only whether the leader accepted the
// command into its log, not whether it went on to commit: a follower has
// no index to wait on for that without a second round trip, so
// AutoForwarding trades a stronger guarantee for a single hop.
func (s *Server) forwardSubmit(leaderID ServerID, call *submitCall) {
	s.peersMu.RLock()
	p, ok := s.peers[leaderID]
	s.peersMu.RUnlock()
	if !ok {
		call.resp <- submitResult{err: ErrNotLeader}
		return
	}

	timeout := s.cfg.AutoForwardingReqTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	encoded := forwardedSubmitPrefix + base64.StdEncoding.EncodeToString(call.data)
	hdr := raftpb.NewHeader(s.state.getCurrentTerm(), s.ID, leaderID, 0, 0, s.state.getCommitIndex())
	hdr.Meta = s.writeRequestMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgCustomNotificationRequest, Src: s.ID, Dst: leaderID})
	resp, err := p.Client.CustomNotification(ctx, &raftpb.CustomNotificationRequest{Header: hdr, Metadata: encoded})
	if err != nil {
		call.resp <- submitResult{err: err}
		return
	}
	if !s.validateResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgCustomNotificationResponse, Src: resp.Src, Dst: resp.Dst}, resp.Meta) {
		call.resp <- submitResult{err: ErrMetaRejected}
		return
	}
	if !resp.Accepted {
		call.resp <- submitResult{err: ErrNotLeader}
		return
	}
	call.resp <- submitResult{}
}

// handleCustomNotification dispatches a forwarded submit or, for any other
// metadata, fires a CallbackNewConfig event for the sender (§4.6); the
// metadata string itself is not passed to the callbacks.
func (s *Server) handleCustomNotification(req *raftpb.CustomNotificationRequest) *raftpb.CustomNotificationResponse {
	currentTerm := s.state.getCurrentTerm()

	if strings.HasPrefix(req.Metadata, forwardedSubmitPrefix) {
		if s.state.getRole() != RoleLeader {
			return &raftpb.CustomNotificationResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false}
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(req.Metadata, forwardedSubmitPrefix))
		if err != nil {
			return &raftpb.CustomNotificationResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false}
		}
		if _, err := s.appendClientEntry(data); err != nil {
			log.Printf("[CONTROL] [SERVER-%s] failed to append forwarded command: %v", s.ID, err)
			return &raftpb.CustomNotificationResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false}
		}
		return &raftpb.CustomNotificationResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: true}
	}

	s.fireNewConfigForPeer(req.Src, s.state.getCommitIndex())
	return &raftpb.CustomNotificationResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: true}
}

// SetPriority changes this server's own priority, or, if target names a
// different server, the priority this server records for that peer. Only
// the leader accepts a change for another server: a
// non-leader returns ErrNotLeader and does not relay the request to the
// leader or to the target.
func (s *Server) SetPriority(target ServerID, priority int32) error {
	call := &priorityCall{target: target, priority: priority, resp: make(chan error, 1)}
	select {
	case s.priorityCh <- call:
	case <-s.doneCh:
		return ErrShuttingDown
	}
	return <-call.resp
}

// handlePriorityCall applies a priority change. Changing a peer's priority
// is only accepted on the leader, and only updates the Priority of the
// leader's own peerRecord for it; nothing is sent to the peer. Changing
// one's own priority is always allowed.
func (s *Server) handlePriorityCall(call *priorityCall) {
	if call.target == s.ID || call.target == "" {
		s.state.setPriority(call.priority)
		call.resp <- nil
		return
	}

	if s.state.getRole() != RoleLeader {
		call.resp <- ErrNotLeader
		return
	}

	s.peersMu.Lock()
	p, ok := s.peers[call.target]
	if ok {
		p.Priority = call.priority
	}
	s.peersMu.Unlock()
	if !ok {
		call.resp <- ErrServerNotFound
		return
	}
	call.resp <- nil
}

// TransferLeadership asks the current leader to yield to target, per
// yield_leadership semantics (§4.1): the leader waits for target to fully
// catch up (bounded by LeadershipTransferMinWaitTime), then sends it a
// force-vote RequestVote so
// it can win the next term without waiting out a full election timeout.
func (s *Server) TransferLeadership(target ServerID) error {
	call := &transferCall{target: target, resp: make(chan error, 1)}
	select {
	case s.transferCh <- call:
	case <-s.doneCh:
		return ErrShuttingDown
	}
	return <-call.resp
}

func (s *Server) handleTransferCall(call *transferCall) {
	if s.state.getRole() != RoleLeader {
		call.resp <- ErrNotLeader
		return
	}
	s.peersMu.RLock()
	p, ok := s.peers[call.target]
	s.peersMu.RUnlock()
	if !ok {
		call.resp <- ErrServerNotFound
		return
	}

	go s.runLeadershipTransfer(p, call.resp)
}

// runLeadershipTransfer polls target's MatchIndex until it reaches the
// leader's log end (or LeadershipTransferMinWaitTime elapses), then issues
// a force-vote RequestVote so target can become leader immediately.
func (s *Server) runLeadershipTransfer(p *peerRecord, resp chan error) {
	deadline := time.Now().Add(s.cfg.LeadershipTransferMinWaitTime)
	if s.cfg.LeadershipTransferMinWaitTime <= 0 {
		deadline = time.Now().Add(2 * time.Second)
	}

	for time.Now().Before(deadline) {
		s.peersMu.RLock()
		lastIdx := s.log.NextSlot() - 1
		caughtUp := p.MatchIndex >= lastIdx
		s.peersMu.RUnlock()
		if caughtUp {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	lastIdx := s.log.NextSlot() - 1
	lastTerm, _ := s.log.TermAt(lastIdx)
	term := s.state.getCurrentTerm()
	hdr := raftpb.NewHeader(term, s.ID, p.ID, lastTerm, lastIdx, s.state.getCommitIndex())
	hdr.Meta = s.writeRequestMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgRequestVoteRequest, Src: s.ID, Dst: p.ID, LogIdx: lastIdx})
	req := &raftpb.RequestVoteRequest{Header: hdr, ForceVote: true}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval*3)
	defer cancel()

	rvResp, err := p.Client.RequestVote(ctx, req)
	if err != nil {
		resp <- err
		return
	}
	if !rvResp.Accepted {
		resp <- errors.New("leadership transfer target declined force vote")
		return
	}

	s.state.setRole(RoleFollower)
	s.stopHeartbeatTimer()
	s.fireBecameFollower()
	resp <- nil
}
