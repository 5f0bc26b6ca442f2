package server

import (
	"time"

	"raftcore/internal/pubsub"
)

// run is the single coordination goroutine: it makes almost every change to
// serverState, peerRecords, and the election/heartbeat timers. The
// exceptions are the apply loop (lastApplied, configChangeInProgress, the
// grace-period timer) and runLeadershipTransfer, which steps the leader
// down (role, heartbeat timer) from its own goroutine. Every RPC handler
// and background job hands work to it either as a call over a dedicated
// channel (request/response) or as a pubsub event (fire-and-forget
// notification), per §7 of SPEC_FULL.md.
func (s *Server) run() {
	electionExpiredCh := make(chan *pubsub.Event[time.Time], 1)
	heartbeatFiredCh := make(chan *pubsub.Event[time.Time], 1)
	graceExpiredCh := make(chan *pubsub.Event[time.Time], 1)
	shutdownCh := make(chan *pubsub.Event[struct{}], 1)
	preVoteRespCh := make(chan *pubsub.Event[PreVoteGrantedPayload], len(s.peers)+1)
	voteRespCh := make(chan *pubsub.Event[VoteGrantedPayload], len(s.peers)+1)
	appendEntriesAckCh := make(chan *pubsub.Event[AppendEntriesAckPayload], len(s.peers)+1)
	installSnapshotAckCh := make(chan *pubsub.Event[InstallSnapshotAckPayload], len(s.peers)+1)

	pubsub.Subscribe(s.pubSub, ElectionTimeoutExpired, electionExpiredCh, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(s.pubSub, HeartbeatTimerFired, heartbeatFiredCh, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(s.pubSub, GracePeriodExpired, graceExpiredCh, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(s.pubSub, ServerShutDown, shutdownCh, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(s.pubSub, PreVoteReceived, preVoteRespCh, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(s.pubSub, VoteReceived, voteRespCh, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(s.pubSub, AppendEntriesResponseReceived, appendEntriesAckCh, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(s.pubSub, InstallSnapshotResponseReceived, installSnapshotAckCh, pubsub.SubscriptionOptions{IsBlocking: false})

	for {
		select {
		case <-electionExpiredCh:
			role := s.state.getRole()
			if role == RoleFollower || role == RoleCandidate {
				s.beginPreVote()
			}

		case <-heartbeatFiredCh:
			if s.state.getRole() == RoleLeader {
				s.broadcastAppendEntries()
			}

		case <-graceExpiredCh:
			s.handleGracePeriodExpired()

		case evt := <-preVoteRespCh:
			s.handlePreVoteResponse(evt.Payload)

		case evt := <-voteRespCh:
			s.handleVoteResponse(evt.Payload)

		case evt := <-appendEntriesAckCh:
			s.handleAppendEntriesResponse(evt.Payload)

		case evt := <-installSnapshotAckCh:
			s.handleInstallSnapshotResponse(evt.Payload)

		case call := <-s.requestVoteCh:
			call.resp <- s.handleRequestVote(call.req)

		case call := <-s.preVoteCh:
			call.resp <- s.handlePreVoteRequest(call.req)

		case call := <-s.appendEntriesCh:
			call.resp <- s.handleAppendEntriesRequest(call.req)

		case call := <-s.installSnapshotCh:
			call.resp <- s.handleInstallSnapshotRequest(call.req)

		case call := <-s.customNotificationCh:
			call.resp <- s.handleCustomNotification(call.req)

		case call := <-s.submitCh:
			s.handleSubmit(call)

		case call := <-s.membershipCh:
			s.handleMembershipCall(call)

		case call := <-s.priorityCh:
			s.handlePriorityCall(call)

		case call := <-s.transferCh:
			s.handleTransferCall(call)

		case <-shutdownCh:
			return
		}
	}
}
