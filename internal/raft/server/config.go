package server

import (
	"fmt"
	"time"
)

// ReturnMethod controls when AppendEntries/replicate calls initiated by a
// client submission return to the caller.
type ReturnMethod int32

const (
	// ReturnBlocking waits until the entry is committed before returning.
	ReturnBlocking ReturnMethod = iota
	// ReturnAsync returns the entry's index as soon as it is appended to the
	// leader's log, without waiting for commit.
	ReturnAsync
)

// Config holds every tunable named in spec.md §6, generalizing the
// teacher's config.go (which previously only held configuration-*entry*
// helpers) into the full parameter set nuRaft-style engines expose.
type Config struct {
	// HeartbeatInterval is how often a leader sends AppendEntries to keep
	// followers from timing out.
	HeartbeatInterval time.Duration
	// ElectionTimeoutLower/Upper bound the randomized election timeout
	// (§5.2 of the Raft paper).
	ElectionTimeoutLower time.Duration
	ElectionTimeoutUpper time.Duration

	// LogSyncStopGap is how many entries behind the leader a catching-up
	// member may be before it is promoted to a full voting member (§4.4).
	LogSyncStopGap uint64
	// ReservedLogItems and SnapshotDistance are carried in Config but not
	// read by the engine: it neither compacts the log nor creates snapshots
	// on its own.
	ReservedLogItems uint64
	SnapshotDistance uint64

	// AllowTemporaryZeroPriorityLeader lets a server with priority 0 start
	// an election while targetPriority is above 0, as long as no peer at or
	// above targetPriority has been heard from within
	// HeartbeatInterval*ReconnectLimit; without it such a server never
	// starts one (§4.1 zero-priority escape).
	AllowTemporaryZeroPriorityLeader bool
	// AutoAdjustQuorumForSmallCluster relaxes quorum math for 2-node
	// clusters so a single live peer can still elect a leader.
	AutoAdjustQuorumForSmallCluster bool

	// GracePeriodOfLaggingStateMachine arms a timer whenever an apply pass
	// leaves lastApplied behind commitIndex; when it fires while the state
	// machine is still behind, the lag is logged. Nothing is paused and
	// elections are not delayed (§4.5).
	GracePeriodOfLaggingStateMachine time.Duration

	AutoForwarding               bool
	AutoForwardingReqTimeout     time.Duration
	AutoForwardingMaxConnections int

	ReturnMethod ReturnMethod

	// UseNewJoinerType marks new members as catching-up learners before
	// promoting them to full voters (§4.4).
	UseNewJoinerType bool

	// LeadershipTransferMinWaitTime is the longest yield_leadership waits
	// for the target to catch up (2s when zero or negative); once it
	// elapses the force vote is sent whether or not the target caught up.
	LeadershipTransferMinWaitTime time.Duration

	// ParallelLogAppending lets a leader dispatch AppendEntries to
	// followers without first flushing its own log write (§4.2). Commit
	// advance counts the leader's appended last index, not its durable
	// index, so an entry can commit before the leader's own copy is flushed.
	ParallelLogAppending bool

	// UseFullConsensusAmongHealthyMembers requires every healthy (recently
	// responsive) member to acknowledge before advancing commitIndex,
	// instead of a bare majority.
	UseFullConsensusAmongHealthyMembers bool

	// CustomCommitQuorumSize/CustomElectionQuorumSize override the default
	// majority-of-voters quorum size when non-zero.
	CustomCommitQuorumSize   int
	CustomElectionQuorumSize int

	WithClientReqTimeout time.Duration

	// ReconnectLimit is how many missed heartbeat intervals mark a peer
	// connection as needing to be recreated before the next pre-vote round.
	ReconnectLimit int
	// VoteLimit bounds how many times a candidate can lose an election
	// before backing off (unused directly by the engine; surfaced for
	// callers implementing their own backoff policy).
	VoteLimit int
	// BusyConnectionLimit is the number of consecutive failed pre-vote
	// rounds, each with transport failures reaching quorumSize, that
	// escalate to the unrecoverable-isolation exit path
	// (original_source/src/handle_vote.cxx).
	BusyConnectionLimit int
	// PreVoteRejectionLimit is checked to be non-negative by Validate; the
	// engine does not otherwise read it, and rejected pre-vote rounds are
	// not counted.
	PreVoteRejectionLimit int
}

// DefaultConfig returns the nuRaft-standard defaults referenced throughout
// original_source/.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:                    100 * time.Millisecond,
		ElectionTimeoutLower:                 150 * time.Millisecond,
		ElectionTimeoutUpper:                 300 * time.Millisecond,
		LogSyncStopGap:                       200,
		ReservedLogItems:                     5,
		SnapshotDistance:                     0,
		AllowTemporaryZeroPriorityLeader:     true,
		AutoAdjustQuorumForSmallCluster:      true,
		GracePeriodOfLaggingStateMachine:     10 * time.Second,
		AutoForwarding:                       false,
		AutoForwardingReqTimeout:             5 * time.Second,
		AutoForwardingMaxConnections:         10,
		ReturnMethod:                         ReturnBlocking,
		UseNewJoinerType:                     true,
		LeadershipTransferMinWaitTime:        500 * time.Millisecond,
		ParallelLogAppending:                 false,
		UseFullConsensusAmongHealthyMembers:  false,
		CustomCommitQuorumSize:               0,
		CustomElectionQuorumSize:             0,
		WithClientReqTimeout:                 3 * time.Second,
		ReconnectLimit:                       50,
		VoteLimit:                            5,
		BusyConnectionLimit:                  10,
		PreVoteRejectionLimit:                10,
	}
}

// Validate rejects nonsensical parameter combinations before a Server is
// started with this Config.
func (c Config) Validate() error {
	if c.ElectionTimeoutLower <= 0 || c.ElectionTimeoutUpper <= 0 {
		return fmt.Errorf("election timeouts must be positive")
	}
	if c.ElectionTimeoutLower >= c.ElectionTimeoutUpper {
		return fmt.Errorf("election timeout lower bound (%v) must be less than upper bound (%v)",
			c.ElectionTimeoutLower, c.ElectionTimeoutUpper)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutLower {
		return fmt.Errorf("heartbeat interval (%v) must be less than the election timeout lower bound (%v)",
			c.HeartbeatInterval, c.ElectionTimeoutLower)
	}
	if c.CustomCommitQuorumSize < 0 || c.CustomElectionQuorumSize < 0 {
		return fmt.Errorf("custom quorum sizes must not be negative")
	}
	if c.ReconnectLimit < 0 || c.BusyConnectionLimit < 0 || c.PreVoteRejectionLimit < 0 {
		return fmt.Errorf("retry limits must not be negative")
	}
	return nil
}
