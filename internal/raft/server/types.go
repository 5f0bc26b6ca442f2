package server

import (
	"time"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/raftpb"
)

// ServerID and Role are reused directly from raftpb so wire messages and
// in-memory server state never need translation at the RPC boundary.
type ServerID = raftpb.ServerID
type Role = raftpb.Role

const (
	RoleFollower  = raftpb.RoleFollower
	RoleCandidate = raftpb.RoleCandidate
	RoleLeader    = raftpb.RoleLeader
	RoleLearner   = raftpb.RoleLearner
)

// Event types published on the server's pubsub.PubSubClient. Every
// background job and RPC handler that needs to hand work back to the
// coordination goroutine does so by publishing one of these rather than by
// mutating Server fields directly (§7 of SPEC_FULL.md).
const (
	ServerShutDown pubsub.EventType = iota
	ElectionTimeoutExpired
	HeartbeatTimerFired
	GracePeriodExpired
	VoteReceived
	PreVoteReceived
	AppendEntriesReceived
	AppendEntriesResponseReceived
	RequestVoteReceived
	PreVoteRequestReceived
	InstallSnapshotReceived
	InstallSnapshotResponseReceived
	LogAppendCompleted
	CommitIndexAdvanced
	StateMachineApplied
	ConfigChangeCompleted
	SnapshotTransferCompleted
	PriorityChangeRequested
	ReconnectRequested
)

type serverCtx struct {
	ID    ServerID
	Addr  string
	Role  Role
	Term  raftpb.Term
}

// VoteGrantedPayload travels with VoteReceived events.
type VoteGrantedPayload struct {
	From     ServerID
	Term     raftpb.Term
	Accepted bool
}

// PreVoteGrantedPayload travels with PreVoteReceived events.
type PreVoteGrantedPayload struct {
	From        ServerID
	Term        raftpb.Term
	Accepted    bool
	Abandoned   bool
	NextIdxHint raftpb.Index
	// ConnError marks this response as a transport failure (no reply
	// reached us) rather than a considered deny, feeding the busy
	// connection / no-response counters original_source/src/handle_vote.cxx
	// tracks separately from outright rejections.
	ConnError bool
}

// AppendEntriesAckPayload travels with AppendEntriesResponseReceived events,
// carrying enough context for the leader to update a peerRecord.
type AppendEntriesAckPayload struct {
	From               ServerID
	Resp               raftpb.AppendEntriesResponse
	SentPrevLogIdx     raftpb.Index
	SentLastEntryIdx   raftpb.Index
}

// InstallSnapshotAckPayload travels with InstallSnapshotResponseReceived.
type InstallSnapshotAckPayload struct {
	From       ServerID
	Resp       raftpb.InstallSnapshotResponse
	Done       bool
	ReadFailed bool
}

// MetricsCollector is an optional interface for collecting performance metrics.
type MetricsCollector interface {
	RecordCommandLatency(latency time.Duration)
	RecordCommandCommitted()
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
}

// CallbackKind enumerates the named events the control plane dispatches to
// a registered callback (§4.6, §9 of SPEC_FULL.md).
type CallbackKind int32

const (
	CallbackBecameLeader CallbackKind = iota
	CallbackBecameFollower
	CallbackElectionTimeout
	CallbackSentAppendEntriesReq
	CallbackReceivedAppendEntriesResp
	CallbackNewConfig
	CallbackRemovedFromCluster
	CallbackSnapshotCreationBegin
	CallbackSnapshotCreationEnd
	CallbackErrorLeaderStepsDown
)

// CallbackEvent is the payload handed to a registered callback. Kind is
// always set; PeerID and LogIdx are populated only when applicable.
type CallbackEvent struct {
	Kind   CallbackKind
	PeerID ServerID
	LogIdx raftpb.Index
	Err    error
}

// CallbackFunc is invoked synchronously from the coordination goroutine; it
// must not block or call back into the Server.
type CallbackFunc func(CallbackEvent)

// The call types below are the work queue itself: every inbound RPC and
// every client-facing control operation is wrapped in one of these and
// handed to the coordination goroutine over a dedicated channel on Server,
// which is the only place that ever reads the embedded request and writes
// the embedded response (§7 of SPEC_FULL.md). Using a plain channel rather
// than pubsub here is deliberate: pubsub is a fan-out broadcast bus for
// notifications with no reply; these calls are strictly request/response.

type requestVoteCall struct {
	req  *raftpb.RequestVoteRequest
	resp chan *raftpb.RequestVoteResponse
}

type preVoteCall struct {
	req  *raftpb.PreVoteRequest
	resp chan *raftpb.PreVoteResponse
}

type appendEntriesCall struct {
	req  *raftpb.AppendEntriesRequest
	resp chan *raftpb.AppendEntriesResponse
}

type installSnapshotCall struct {
	req  *raftpb.InstallSnapshotRequest
	resp chan *raftpb.InstallSnapshotResponse
}

type customNotificationCall struct {
	req  *raftpb.CustomNotificationRequest
	resp chan *raftpb.CustomNotificationResponse
}

// submitCall carries one client command through the control plane into the
// replicated log (§4.6).
type submitCall struct {
	data []byte
	resp chan submitResult
}

type submitResult struct {
	index raftpb.Index
	err   error
}

// membershipCall carries an AddServer/RemoveServer request.
type membershipCall struct {
	add    bool
	server raftpb.ServerDescriptor
	id     ServerID
	resp   chan membershipResult
}

type membershipResult struct {
	status raftpb.ConfigChangeStatus
	err    error
}

// priorityCall carries a local set_priority request from SetPriority to the
// coordination goroutine (priority gating in §4.1).
type priorityCall struct {
	target   ServerID
	priority int32
	resp     chan error
}

// transferCall carries a yield_leadership request.
type transferCall struct {
	target ServerID
	resp   chan error
}
