package server

import "time"

// resetElectionTimer drains and reschedules the election timer with a fresh
// randomized duration. Only called from the coordination goroutine.
func (s *Server) resetElectionTimer() {
	if s.electionTimer == nil {
		return
	}
	if !s.electionTimer.Stop() {
		select {
		case <-s.electionTimer.C:
		default:
		}
	}
	timeout := getElectionTimeout(s.cfg.ElectionTimeoutLower, s.cfg.ElectionTimeoutUpper)
	s.state.setElectionTimeout(timeout)
	s.electionTimer.Reset(timeout)
}

// startHeartbeatTimer begins ticking at HeartbeatInterval; called the
// instant a server becomes leader.
func (s *Server) startHeartbeatTimer() {
	if s.heartbeatTimer == nil {
		return
	}
	s.heartbeatTimer.Reset(s.cfg.HeartbeatInterval)
}

// stopHeartbeatTimer halts heartbeat ticks; called the instant a leader
// steps down.
func (s *Server) stopHeartbeatTimer() {
	if s.heartbeatTimer == nil {
		return
	}
	s.heartbeatTimer.Stop()
}

// armGracePeriodTimer starts (or restarts) the lagging-state-machine grace
// timer (§4.5); firing publishes GracePeriodExpired via TrackGracePeriodJob.
func (s *Server) armGracePeriodTimer() {
	if s.cfg.GracePeriodOfLaggingStateMachine <= 0 {
		return
	}
	if s.gracePeriodTimer == nil {
		s.gracePeriodTimer = time.NewTimer(s.cfg.GracePeriodOfLaggingStateMachine)
		go TrackGracePeriodJob(s.ctx(), s.gracePeriodTimer, s.pubSub)
		return
	}
	if !s.gracePeriodTimer.Stop() {
		select {
		case <-s.gracePeriodTimer.C:
		default:
		}
	}
	s.gracePeriodTimer.Reset(s.cfg.GracePeriodOfLaggingStateMachine)
}
