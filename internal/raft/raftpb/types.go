// Package raftpb defines the wire and log-entry types shared between the
// consensus engine, its storage backends, and its transport layer.
//
// The teacher repository generates these from a .proto file via protoc; that
// generated code was never retrieved into this module (see DESIGN.md), so
// these are hand-written plain Go types encoded with encoding/gob rather than
// google.golang.org/protobuf.
package raftpb

import "time"

// Term is a monotonically increasing election epoch.
type Term = uint64

// Index is a 1-based, dense log position.
type Index = uint64

// ServerID identifies a server within a cluster configuration.
type ServerID string

// EntryType classifies a LogEntry's payload.
type EntryType int32

const (
	EntryApplication EntryType = iota
	EntryConfiguration
	EntrySnapshotMarker
	EntryCustom
)

func (t EntryType) String() string {
	switch t {
	case EntryApplication:
		return "application"
	case EntryConfiguration:
		return "configuration"
	case EntrySnapshotMarker:
		return "snapshot-marker"
	case EntryCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// LogEntry is the unit of replication. The pair (Index, Term) uniquely
// identifies an entry within a group's history.
type LogEntry struct {
	Index     Index
	Term      Term
	Type      EntryType
	Data      []byte
	Timestamp *time.Time
}

// ServerDescriptor is one member of a ClusterConfig.
type ServerDescriptor struct {
	ID        ServerID
	Endpoint  string
	Priority  int32
	Learner   bool
	NewJoiner bool
}

// ClusterConfig is the ordered list of server descriptors in effect at
// LogIndex. Per spec, joint consensus is not used: a configuration change is
// a single log entry that fully replaces the prior configuration and is
// applied to in-memory state the instant it is appended.
type ClusterConfig struct {
	LogIndex Index
	Servers  []ServerDescriptor
}

// ServerByID returns the descriptor for id, if present.
func (c *ClusterConfig) ServerByID(id ServerID) (ServerDescriptor, bool) {
	if c == nil {
		return ServerDescriptor{}, false
	}
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerDescriptor{}, false
}

// VotingMembers returns the descriptors that count toward quorum: neither
// learners nor new-joiners still catching up.
func (c *ClusterConfig) VotingMembers() []ServerDescriptor {
	if c == nil {
		return nil
	}
	out := make([]ServerDescriptor, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Learner || s.NewJoiner {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ServerState is the persistent record flushed before any vote grant or term
// bump is observed externally.
type ServerState struct {
	CurrentTerm Term
	VotedFor    *ServerID
}

// Role is the local server's position in the Raft role state machine.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleLearner
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleLearner:
		return "learner"
	default:
		return "unknown"
	}
}

// SnapshotMeta identifies a point-in-time state-machine snapshot.
type SnapshotMeta struct {
	LastIndex Index
	LastTerm  Term
	Size      int64
}

// SnapshotContextHandle is an opaque handle returned by the state machine
// when it opens a snapshot for reading; it is threaded back through
// ReadSnapshotChunk calls until the transfer completes or is abandoned.
type SnapshotContextHandle string

// ConfigChangeStatus is returned by AddServer/RemoveServer requests.
type ConfigChangeStatus int32

const (
	ConfigChangeOK ConfigChangeStatus = iota
	ConfigChangeNotLeader
	ConfigChangeInProgress
	ConfigChangeTimeout
)
