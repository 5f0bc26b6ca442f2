package server

import (
	"context"
	"log"
	"time"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/raftpb"
)

// preVoteAggregate tallies one pre-vote round's responses. It is owned
// exclusively by the coordination goroutine and grounded on the counter
// semantics of original_source/src/handle_vote.cxx's pre_vote_state: live
// and dead track considered accept/deny, abandoned tracks a "requester
// unknown to my configuration" strong deny, connectionBusy/noResponseFailure
// track transport failures separately from a considered deny so a
// partitioned minority doesn't masquerade as a rejected election.
type preVoteAggregate struct {
	term                  raftpb.Term
	total                 int
	live                  int
	dead                  int
	abandoned             int
	connectionBusyFailure int
	done                  bool
}

// voteAggregate tallies one RequestVote round.
type voteAggregate struct {
	term    raftpb.Term
	granted int
	total   int
	done    bool
}

// persistTermVote flushes currentTerm/votedFor to stable storage. Every
// caller must invoke this before mutating in-memory state further or
// sending any outbound message that would reveal the new term (§5, §4.6):
// a crash between the in-memory change and the flush must not leave this
// server able to cast a second vote, or reply, for a term it forgot it saw.
func (s *Server) persistTermVote(term raftpb.Term, votedFor *ServerID) {
	if err := s.stateManager.SaveState(raftpb.ServerState{CurrentTerm: term, VotedFor: votedFor}); err != nil {
		log.Printf("[SERVER-%s] [TERM-%d] failed to persist term/vote state: %v", s.ID, term, err)
	}
}

// votingMembers returns the current configuration's voting members,
// excluding learners and new-joiners still catching up (§4.4).
func (s *Server) votingMembers() []raftpb.ServerDescriptor {
	cfg := s.state.getConfig()
	return cfg.VotingMembers()
}

// quorumSize returns the number of affirmative responses (including this
// server's own implicit vote) required to win an election, honoring
// CustomElectionQuorumSize and the 2-node auto-quorum adjustment (§4.1).
func (s *Server) quorumSize() int {
	if s.cfg.CustomElectionQuorumSize > 0 {
		return s.cfg.CustomElectionQuorumSize
	}
	n := len(s.votingMembers())
	if n == 0 {
		n = 1
	}
	if n == 2 && s.cfg.AutoAdjustQuorumForSmallCluster {
		return 1
	}
	return n/2 + 1
}

// checkCondForZeroPriorityElection reports whether a server with priority 0
// may still initiate (or keep) an election, per §4.1's zero-priority escape
// condition: only if no higher-priority peer is known to be healthy, and
// AllowTemporaryZeroPriorityLeader is set.
func (s *Server) checkCondForZeroPriorityElection() bool {
	priority, target := s.state.getPriority()
	if priority > 0 || target == 0 {
		return true
	}
	if !s.cfg.AllowTemporaryZeroPriorityLeader {
		return false
	}
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	for _, p := range s.peers {
		if p.Priority >= target && time.Since(p.LastHeartbeatRecv) < s.cfg.HeartbeatInterval*time.Duration(s.cfg.ReconnectLimit) {
			return false
		}
	}
	return true
}

// refreshPeerClients implements the pre-vote peer-refresh rule from
// original_source/src/handle_vote.cxx: when firstRound is set, every peer
// client is recreated; otherwise only peers flagged ReconnectNeeded or idle
// past heartbeat_interval*reconnect_limit are recreated. beginPreVote passes
// firstRound whenever noResponseFailureCount is 0, i.e. on every round not
// preceded by a round that failed on transport errors.
func (s *Server) refreshPeerClients(firstRound bool) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	for id, p := range s.peers {
		if firstRound || p.needsReconnect(s.cfg.HeartbeatInterval, s.cfg.ReconnectLimit) {
			if err := s.grpcTransport.Reconnect(id, p.Endpoint); err != nil {
				log.Printf("[PRE-VOTE] [SERVER-%s] reconnect to %s failed: %v", s.ID, id, err)
				continue
			}
			p.Client = s.grpcTransport.Peer(id)
			p.ReconnectNeeded = false
		}
	}
}

// beginPreVote starts a pre-vote round at currentTerm+1 without bumping the
// term, per §4.1: a candidate only calls an actual election once it has
// collected a quorum of affirmative pre-votes, avoiding the term inflation a
// partitioned minority would otherwise cause on every election timeout.
func (s *Server) beginPreVote() {
	if !s.checkCondForZeroPriorityElection() {
		log.Printf("[PRE-VOTE] [SERVER-%s] priority gate blocks election attempt", s.ID)
		s.resetElectionTimer()
		return
	}

	s.fireElectionTimeout()
	s.electionStartedAt = time.Now()

	prospective := s.state.getCurrentTerm() + 1
	s.preVote = &preVoteAggregate{term: prospective, total: 1, live: 1}

	s.refreshPeerClients(s.noResponseFailureCount == 0)

	lastIdx := s.log.NextSlot() - 1
	lastTerm, _ := s.log.TermAt(lastIdx)

	s.peersMu.RLock()
	peers := make([]*peerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.RUnlock()

	for _, p := range peers {
		go s.sendPreVote(p, prospective, lastIdx, lastTerm)
	}

	s.maybeConcludePreVote()
}

func (s *Server) sendPreVote(p *peerRecord, term raftpb.Term, lastIdx raftpb.Index, lastTerm raftpb.Term) {
	hdr := raftpb.NewHeader(term, s.ID, p.ID, lastTerm, lastIdx, s.state.getCommitIndex())
	hdr.Meta = s.writeRequestMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgPreVoteRequest, Src: s.ID, Dst: p.ID, LogIdx: lastIdx})
	req := &raftpb.PreVoteRequest{Header: hdr}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval*2)
	defer cancel()

	resp, err := p.Client.PreVote(ctx, req)
	if err != nil {
		pubsub.Publish(s.pubSub, pubsub.NewEvent(PreVoteReceived, PreVoteGrantedPayload{
			From: p.ID, Term: term, ConnError: true,
		}))
		return
	}
	if !s.validateResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgPreVoteResponse, Src: resp.Src, Dst: resp.Dst}, resp.Meta) {
		pubsub.Publish(s.pubSub, pubsub.NewEvent(PreVoteReceived, PreVoteGrantedPayload{
			From: p.ID, Term: term, ConnError: true,
		}))
		return
	}

	pubsub.Publish(s.pubSub, pubsub.NewEvent(PreVoteReceived, PreVoteGrantedPayload{
		From:        p.ID,
		Term:        term,
		Accepted:    resp.Accepted,
		Abandoned:   resp.NextIdxHint == raftpb.NextIdxMaxSentinel,
		NextIdxHint: resp.NextIdxHint,
	}))
}

// handlePreVoteRequest is the responder side: it never mutates currentTerm
// or votedFor, since a pre-vote is non-binding.
func (s *Server) handlePreVoteRequest(req *raftpb.PreVoteRequest) *raftpb.PreVoteResponse {
	cfg := s.state.getConfig()
	if _, ok := cfg.ServerByID(req.Src); !ok && len(cfg.Servers) > 0 {
		return &raftpb.PreVoteResponse{Term: s.state.getCurrentTerm(), Src: s.ID, Dst: req.Src, NextIdxHint: raftpb.NextIdxMaxSentinel}
	}

	lastIdx := s.log.NextSlot() - 1
	lastTerm, _ := s.log.TermAt(lastIdx)

	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIdx >= lastIdx)
	accept := req.Term >= s.state.getCurrentTerm() && upToDate

	return &raftpb.PreVoteResponse{
		Term:     s.state.getCurrentTerm(),
		Src:      s.ID,
		Dst:      req.Src,
		Accepted: accept,
	}
}

func (s *Server) handlePreVoteResponse(payload PreVoteGrantedPayload) {
	if s.preVote == nil || payload.Term != s.preVote.term || s.preVote.done {
		return
	}
	s.preVote.total++
	switch {
	case payload.ConnError:
		s.preVote.connectionBusyFailure++
	case payload.Abandoned:
		s.preVote.abandoned++
	case payload.Accepted:
		s.preVote.live++
	default:
		s.preVote.dead++
	}
	s.maybeConcludePreVote()
}

// maybeConcludePreVote decides a pre-vote round as soon as the outcome is
// known (quorum of lives reached, or quorum has become unreachable),
// without waiting for every peer to answer.
func (s *Server) maybeConcludePreVote() {
	agg := s.preVote
	if agg == nil || agg.done {
		return
	}
	quorum := s.quorumSize()

	if agg.live >= quorum {
		agg.done = true
		s.noResponseFailureCount = 0
		s.initiateVote()
		return
	}

	votingTotal := len(s.votingMembers())
	if votingTotal == 0 {
		votingTotal = 1
	}
	unanswered := votingTotal - agg.total
	if agg.live+unanswered < quorum {
		agg.done = true
		s.handlePreVoteRoundFailed(agg)
	}
}

// handlePreVoteRoundFailed applies the busy-connection escalation from
// original_source/src/handle_vote.cxx: noResponseFailureCount grows by one
// for each failed round whose transport failures reached quorumSize and is
// reset by any other failed round; once it reaches BusyConnectionLimit the
// server exits with N22UnrecoverableIsolation.
func (s *Server) handlePreVoteRoundFailed(agg *preVoteAggregate) {
	if agg.connectionBusyFailure >= s.quorumSize() {
		s.noResponseFailureCount++
	} else {
		s.noResponseFailureCount = 0
	}

	if s.cfg.BusyConnectionLimit > 0 && s.noResponseFailureCount >= s.cfg.BusyConnectionLimit {
		log.Printf("[PRE-VOTE] [SERVER-%s] unrecoverable isolation after %d consecutive failed rounds", s.ID, s.noResponseFailureCount)
		s.stateManager.SystemExit(int(N22UnrecoverableIsolation))
	}

	s.resetElectionTimer()
}

// initiateVote promotes the server to Candidate and runs a real
// RequestVote round at currentTerm+1, now that a pre-vote quorum confirmed
// the attempt is viable.
func (s *Server) initiateVote() {
	term := s.state.incrementCurrentTerm()
	s.state.setRole(RoleCandidate)
	s.state.setVotedFor(&s.ID)
	s.persistTermVote(term, &s.ID)

	s.vote = &voteAggregate{term: term, total: 1, granted: 1}
	s.resetElectionTimer()

	log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] starting election", s.ID, term)

	lastIdx := s.log.NextSlot() - 1
	lastTerm, _ := s.log.TermAt(lastIdx)

	s.peersMu.RLock()
	peers := make([]*peerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.RUnlock()

	for _, p := range peers {
		go s.sendRequestVote(p, term, lastIdx, lastTerm, false)
	}

	s.maybeConcludeVote()
}

func (s *Server) sendRequestVote(p *peerRecord, term raftpb.Term, lastIdx raftpb.Index, lastTerm raftpb.Term, forceVote bool) {
	hdr := raftpb.NewHeader(term, s.ID, p.ID, lastTerm, lastIdx, s.state.getCommitIndex())
	hdr.Meta = s.writeRequestMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgRequestVoteRequest, Src: s.ID, Dst: p.ID, LogIdx: lastIdx})
	req := &raftpb.RequestVoteRequest{hdr, forceVote}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval*2)
	defer cancel()

	if s.metrics != nil {
		s.metrics.RecordRequestVote()
	}

	resp, err := p.Client.RequestVote(ctx, req)
	if err != nil {
		return
	}
	if !s.validateResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgRequestVoteResponse, Src: resp.Src, Dst: resp.Dst}, resp.Meta) {
		return
	}

	pubsub.Publish(s.pubSub, pubsub.NewEvent(VoteReceived, VoteGrantedPayload{From: p.ID, Term: resp.Term, Accepted: resp.Accepted}))
}

// handleRequestVote is the responder side of a binding vote request.
func (s *Server) handleRequestVote(req *raftpb.RequestVoteRequest) *raftpb.RequestVoteResponse {
	if req.Term < s.state.getCurrentTerm() {
		return &raftpb.RequestVoteResponse{Term: s.state.getCurrentTerm(), Src: s.ID, Dst: req.Src, Accepted: false}
	}

	if req.Term > s.state.getCurrentTerm() {
		s.state.setCurrentTerm(req.Term)
		s.state.setRole(RoleFollower)
		s.state.setVotedFor(nil)
		s.persistTermVote(req.Term, nil)
	}

	votedFor := s.state.getVotedFor()
	lastIdx := s.log.NextSlot() - 1
	lastTerm, _ := s.log.TermAt(lastIdx)
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIdx >= lastIdx)

	canVote := votedFor == nil || *votedFor == req.Src || req.ForceVote
	accept := canVote && (upToDate || req.ForceVote)

	if accept {
		s.state.setVotedFor(&req.Src)
		s.persistTermVote(s.state.getCurrentTerm(), &req.Src)
		s.resetElectionTimer()
	}

	return &raftpb.RequestVoteResponse{Term: s.state.getCurrentTerm(), Src: s.ID, Dst: req.Src, Accepted: accept}
}

func (s *Server) handleVoteResponse(payload VoteGrantedPayload) {
	if s.vote == nil || s.vote.done {
		return
	}
	if payload.Term > s.state.getCurrentTerm() {
		s.state.setCurrentTerm(payload.Term)
		s.state.setRole(RoleFollower)
		s.state.setVotedFor(nil)
		s.persistTermVote(payload.Term, nil)
		s.vote.done = true
		return
	}
	if payload.Term != s.vote.term {
		return
	}
	s.vote.total++
	if payload.Accepted {
		s.vote.granted++
	}
	s.maybeConcludeVote()
}

func (s *Server) maybeConcludeVote() {
	agg := s.vote
	if agg == nil || agg.done {
		return
	}
	if agg.granted >= s.quorumSize() {
		agg.done = true
		s.becomeLeader()
	}
}

// becomeLeader transitions to Leader, initializes every peerRecord's
// NextIndex/MatchIndex (§5.3 of the Raft paper), and starts heartbeating
// immediately so followers don't time out waiting for the first real entry.
func (s *Server) becomeLeader() {
	s.state.setRole(RoleLeader)
	leaderID := s.ID
	s.state.setLeaderID(&leaderID)

	lastIdx := s.log.NextSlot() - 1
	s.peersMu.Lock()
	for _, p := range s.peers {
		p.NextIndex = lastIdx + 1
		p.MatchIndex = 0
	}
	s.peersMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordElection()
		if !s.electionStartedAt.IsZero() {
			s.metrics.RecordElectionDuration(time.Since(s.electionStartedAt))
		}
	}

	log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] became leader", s.ID, s.state.getCurrentTerm())
	s.fireBecameLeader()

	s.startHeartbeatTimer()
	s.broadcastAppendEntries()
}

func (s *Server) handleGracePeriodExpired() {
	lastApplied := s.state.getLastApplied()
	commit := s.state.getCommitIndex()
	if lastApplied < commit {
		log.Printf("[APPLY] [SERVER-%s] state machine lagging: applied=%d commit=%d", s.ID, lastApplied, commit)
	}
}
