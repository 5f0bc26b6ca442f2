// Package storage defines the persistence contracts the consensus engine
// relies on (§8 of SPEC_FULL.md) and ships one concrete BBolt-backed
// implementation of each.
package storage

import "raftcore/internal/raft/raftpb"

// LogStore is the persistent log contract. All indices are 1-based and
// dense; implementations must make append/write-at durable only once Flush
// (or an implicit per-call fsync) has returned.
type LogStore interface {
	// Append adds entry at the end of the log.
	Append(entry *raftpb.LogEntry) error
	// WriteAt overwrites the entry at index and truncates everything
	// after it — used to resolve log conflicts (§4.2).
	WriteAt(index raftpb.Index, entry *raftpb.LogEntry) error
	// EntryAt returns the entry at index, or an error if absent.
	EntryAt(index raftpb.Index) (*raftpb.LogEntry, error)
	// TermAt returns the term of the entry at index (0 if index is 0).
	TermAt(index raftpb.Index) (raftpb.Term, error)
	// StartIndex returns the first index retained in the log (> 1 once
	// compaction has run).
	StartIndex() raftpb.Index
	// NextSlot returns the index the next Append will use.
	NextSlot() raftpb.Index
	// LastDurableIndex returns the highest index confirmed flushed to
	// stable storage.
	LastDurableIndex() raftpb.Index
	// Flush forces any buffered writes to stable storage.
	Flush() error
	// Compact discards entries at or below upToIndex.
	Compact(upToIndex raftpb.Index) error
	// Close releases underlying resources.
	Close() error
}

// StateManager is the persistent server-state contract: term/voted-for and
// the latest cluster configuration.
type StateManager interface {
	SaveState(state raftpb.ServerState) error
	LoadState() (raftpb.ServerState, error)
	SaveConfig(config raftpb.ClusterConfig) error
	LoadConfig() (raftpb.ClusterConfig, error)
	// SystemExit terminates the process with code — used for the
	// N22_unrecoverable_isolation escalation path (§4.1, §7).
	SystemExit(code int)
}
