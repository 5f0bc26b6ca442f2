package server

import "errors"

// Sentinel errors the engine branches on internally, per SPEC_FULL.md §9.
var (
	ErrNotLeader              = errors.New("server is not the leader")
	ErrConfigChangeInProgress = errors.New("a configuration change is already in progress")
	ErrTimeout                = errors.New("operation timed out")
	ErrRemovedFromCluster     = errors.New("server has been removed from the cluster")
	ErrServerAlreadyExists    = errors.New("server already present in configuration")
	ErrServerNotFound         = errors.New("server not present in configuration")
	ErrShuttingDown           = errors.New("server is shutting down")
	ErrSnapshotInProgress     = errors.New("a snapshot transfer is already in progress for this peer")
	// ErrMetaRejected is returned when a registered read meta callback
	// refuses an inbound message (§4.6): the message is dropped before it
	// reaches the coordination goroutine.
	ErrMetaRejected = errors.New("message rejected by meta callback")
)

// ExitCode enumerates the process-terminating conditions named in spec.md
// §6. N22UnrecoverableIsolation is the only one defined, and the engine
// raises it via storage.StateManager.SystemExit.
type ExitCode int

const (
	// N22UnrecoverableIsolation fires when a server cannot reach enough
	// peers to even complete pre-vote rounds for BusyConnectionLimit
	// consecutive cycles (original_source/src/handle_vote.cxx).
	N22UnrecoverableIsolation ExitCode = 22
)
