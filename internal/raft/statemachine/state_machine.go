// Package statemachine defines the application state-machine contract the
// consensus engine drives (§8 of SPEC_FULL.md) and ships one concrete
// in-memory KV implementation so the engine is runnable end-to-end.
package statemachine

import (
	"time"

	"raftcore/internal/raft/raftpb"
)

// StateMachine is the application state the commit pipeline in
// server/apply.go drives. Indices are the log indices of the entries being
// applied, not sequence numbers the state machine invents itself.
type StateMachine interface {
	// Commit applies data at index and returns an opaque result handed
	// back to the client awaiting that submission.
	Commit(index raftpb.Index, data []byte) ([]byte, error)
	// PreCommit previews an entry before it is known to be committed,
	// used by state machines that need to react to entries as soon as
	// they are appended (e.g. reconfiguration bookkeeping).
	PreCommit(index raftpb.Index, data []byte) error
	// Rollback undoes a PreCommit for an entry that was overwritten by a
	// conflicting leader before it committed.
	Rollback(index raftpb.Index, data []byte) error
	// SaveSnapshotChunk writes one chunk of an inbound snapshot transfer.
	SaveSnapshotChunk(snap raftpb.SnapshotMeta, offset int64, data []byte, done bool) error
	// ReadSnapshotChunk reads one chunk of an outbound snapshot transfer
	// opened under ctx, filling buf and returning the number of bytes read.
	ReadSnapshotChunk(snap raftpb.SnapshotMeta, ctx raftpb.SnapshotContextHandle, offset int64, buf []byte) (int, error)
	// ApplySnapshot installs a fully-received snapshot as the state
	// machine's current state.
	ApplySnapshot(snap raftpb.SnapshotMeta) (bool, error)
	// LastCommitIndex returns the highest index this state machine has
	// committed, used to resume apply after a restart.
	LastCommitIndex() raftpb.Index
	// LastSnapshot returns metadata for the most recent snapshot taken,
	// the zero value if none exists yet.
	LastSnapshot() raftpb.SnapshotMeta
}

// BatchHinter is implemented by state machines that want to cap the size of
// the next AppendEntries batch sent to them, mirroring nuRaft's optional
// get_next_batch_size_hint_in_bytes virtual. Type-asserted at runtime.
type BatchHinter interface {
	NextBatchSizeHintInBytes() int64
}

// CustomCommitterSetter is implemented by state machines that restrict which
// members' acknowledgement counts toward commit, overriding the default
// majority-of-voters quorum. Type-asserted at runtime.
type CustomCommitterSetter interface {
	CustomCommitters() []raftpb.ServerID
}

// SnapshotContextTracker is implemented by state machines that hold
// per-context resources for an open outbound snapshot read (e.g. a cached
// encoded buffer) and can report on and release them explicitly, mirroring
// nuRaft's user_snapshot_ctx lifecycle. Type-asserted at runtime; a state
// machine that doesn't implement it is assumed to hold nothing worth
// tracking.
type SnapshotContextTracker interface {
	// OpenSnapshotContextCount reports how many read contexts are
	// currently open, for the "drops to zero" observability requirement.
	OpenSnapshotContextCount() int
	// CloseSnapshotContext releases ctx's resources immediately, called
	// once a transfer completes or the peer it served is removed.
	CloseSnapshotContext(ctx raftpb.SnapshotContextHandle)
	// SweepIdleSnapshotContexts closes every context untouched for longer
	// than idleTimeout and returns how many it closed, called
	// periodically by a background job so a disconnected peer's
	// abandoned transfer doesn't leak forever.
	SweepIdleSnapshotContexts(idleTimeout time.Duration) int
}
