package server

import (
	"sync/atomic"
	"time"

	"raftcore/internal/raft/raftpb"
	"raftcore/internal/raft/transport"
)

// peerRecord is the coordination goroutine's private view of one other
// cluster member. Every field here is read and written exclusively by the
// coordinator (run(), see orchestrator.go); nothing else may touch it,
// satisfying the ordering guarantee in §7 of SPEC_FULL.md. InFlight is the
// one exception: it is set from the worker goroutine dispatching the RPC
// so a second send can be suppressed without round-tripping through the
// coordinator first.
type peerRecord struct {
	ID       ServerID
	Endpoint string
	Client   transport.PeerClient

	// NextIndex is the next log index to send this peer; MatchIndex is
	// the highest index known to be replicated there (§4.2).
	NextIndex  raftpb.Index
	MatchIndex raftpb.Index

	LastHeartbeatSent time.Time
	LastHeartbeatRecv time.Time

	InFlight atomic.Bool

	// ReconnectNeeded is set when a response indicates this peer's RPC
	// client should be recreated before the next round (the pre-vote
	// peer-refresh rule, original_source/src/handle_vote.cxx).
	ReconnectNeeded bool

	Priority int32
	RoleHint raftpb.Role

	// MaxBatchBytes caps the payload size of the next AppendEntries sent to
	// this peer, per its most recent BatchSizeHintBytes (§4.2
	// back-pressure); 0 means no cap.
	MaxBatchBytes int64

	// snapshot holds the in-flight snapshot transfer state for this peer,
	// nil when none is active (§4.3).
	snapshot *snapshotSendState
}

// newPeerRecord builds a peerRecord for a freshly-discovered member, with
// NextIndex optimistically set to lastLogIndex+1 per the Raft paper §5.3.
func newPeerRecord(desc raftpb.ServerDescriptor, client transport.PeerClient, lastLogIndex raftpb.Index) *peerRecord {
	return &peerRecord{
		ID:         desc.ID,
		Endpoint:   desc.Endpoint,
		Client:     client,
		NextIndex:  lastLogIndex + 1,
		MatchIndex: 0,
		Priority:   desc.Priority,
		RoleHint:   raftpb.RoleFollower,
	}
}

// needsReconnect reports whether this peer has gone quiet long enough that
// its RPC client should be recreated before the next pre-vote round.
func (p *peerRecord) needsReconnect(heartbeatInterval time.Duration, reconnectLimit int) bool {
	if p.ReconnectNeeded {
		return true
	}
	if p.LastHeartbeatRecv.IsZero() {
		return false
	}
	return time.Since(p.LastHeartbeatRecv) > heartbeatInterval*time.Duration(reconnectLimit)
}
