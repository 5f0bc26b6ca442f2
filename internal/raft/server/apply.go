package server

import (
	"log"
	"time"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/raftpb"
)

// applyTickInterval bounds how long applyLoop can sleep with nothing new
// to apply before it rechecks commitIndex, as a backstop alongside the
// CommitIndexAdvanced wakeups.
const applyTickInterval = 20 * time.Millisecond

// applyLoop is the single consumer over (lastApplied, commitIndex]. It runs
// independently of the coordination goroutine (apply order only depends on
// commitIndex and the log, both of which are safe to read concurrently).
// It advances lastApplied and removes fulfilled entries from pendingCommits;
// handleSubmit adds to pendingCommits under pendingMu, and
// handleInstallSnapshotRequest also sets lastApplied (§4.5, §7).
func (s *Server) applyLoop() {
	wakeCh := make(chan *pubsub.Event[raftpb.Index], 8)
	shutdownCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(s.pubSub, CommitIndexAdvanced, wakeCh, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(s.pubSub, ServerShutDown, shutdownCh, pubsub.SubscriptionOptions{IsBlocking: false})

	ticker := time.NewTicker(applyTickInterval)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-wakeCh:
		case <-ticker.C:
		case <-shutdownCh:
			return
		}

		if paused {
			continue
		}
		if s.applyPending() {
			s.armGracePeriodTimer()
		}
		if s.state.getRole() == RoleLeader {
			s.promoteCaughtUpJoiners()
		}
	}
}

// applyPending applies every committed-but-not-yet-applied entry in index
// order, fulfilling any pending client promise as it goes. Returns true if
// the state machine is still behind commitIndex after this pass (used to
// arm the lagging-state-machine grace timer, §4.5).
func (s *Server) applyPending() bool {
	commit := s.state.getCommitIndex()
	applied := s.state.getLastApplied()

	for idx := applied + 1; idx <= commit; idx++ {
		entry, err := s.log.EntryAt(idx)
		if err != nil {
			log.Printf("[APPLY] [SERVER-%s] missing entry at %d, stopping apply pass: %v", s.ID, idx, err)
			return true
		}

		var result []byte
		switch entry.Type {
		case raftpb.EntryApplication:
			result, err = s.sm.Commit(idx, entry.Data)
		case raftpb.EntryConfiguration:
			s.state.setConfigChangeInProgress(false, 0)
		default:
			// snapshot markers and custom entries carry no committable
			// payload; advancing lastApplied past them is enough.
		}

		s.state.setLastApplied(idx)
		s.fulfillPendingCommit(idx, result, err)
		s.recordCommandLatency(idx)

		if s.metrics != nil {
			s.metrics.RecordCommandCommitted()
		}
		pubsub.Publish(s.pubSub, pubsub.NewEvent(StateMachineApplied, idx))
	}

	return s.state.getLastApplied() < s.state.getCommitIndex()
}

// fulfillPendingCommit resolves a client's blocking Submit call, if one is
// still waiting on idx.
func (s *Server) fulfillPendingCommit(idx raftpb.Index, result []byte, err error) {
	s.pendingMu.Lock()
	ch, ok := s.pendingCommits[idx]
	if ok {
		delete(s.pendingCommits, idx)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- submitResult{index: idx, err: err}
	_ = result
}

// recordCommandLatency reports the time from a client's Submit to this
// entry's application, if it was submitted locally (forwarded/replicated
// entries from another leader term have no recorded submission time).
func (s *Server) recordCommandLatency(idx raftpb.Index) {
	s.pendingMu.Lock()
	submittedAt, ok := s.pendingSubmittedAt[idx]
	if ok {
		delete(s.pendingSubmittedAt, idx)
	}
	s.pendingMu.Unlock()
	if !ok || s.metrics == nil {
		return
	}
	s.metrics.RecordCommandLatency(time.Since(submittedAt))
}

// nextBatchSizeHint asks the state machine for a preferred batch size, if
// it implements BatchHinter, else returns 0 (no hint).
func (s *Server) nextBatchSizeHint() int64 {
	if hinter, ok := s.sm.(interface{ NextBatchSizeHintInBytes() int64 }); ok {
		return hinter.NextBatchSizeHintInBytes()
	}
	return 0
}

// wakeApplyLoop nudges applyLoop to run immediately instead of waiting for
// its next tick, called right after commitIndex advances.
func (s *Server) wakeApplyLoop() {
	pubsub.Publish(s.pubSub, pubsub.NewEvent(CommitIndexAdvanced, s.state.getCommitIndex()))
}
