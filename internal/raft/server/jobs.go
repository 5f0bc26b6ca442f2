package server

import (
	"log"
	"time"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/statemachine"
)

/*
Background jobs that run for the lifetime of a Server. Each subscribes to
ServerShutDown so it exits cleanly and never leaks a goroutine, per the
teacher's convention (see the "Understanding and preventing goroutine
leaks" reference the original jobs.go linked).
*/

// TrackElectionTimeoutJob publishes ElectionTimeoutExpired whenever
// electionTimer fires. The coordinator is responsible for calling Reset() on
// the timer (on AppendEntries receipt, on starting a new election, etc);
// until it does, this job simply blocks on the next fire.
func TrackElectionTimeoutJob(ctx serverCtx, electionTimer *time.Timer, pubSub *pubsub.PubSubClient) {
	stopCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(pubSub, ServerShutDown, stopCh, pubsub.SubscriptionOptions{IsBlocking: false})

	log.Printf("[JOB] [SERVER-%s] started election timeout tracker", ctx.ID)

	for {
		select {
		case firedAt := <-electionTimer.C:
			log.Printf("[JOB] [SERVER-%s] [TERM-%d] election timeout expired at %v",
				ctx.ID, ctx.Term, firedAt.Format(time.RFC3339Nano))
			pubsub.Publish(pubSub, pubsub.NewEvent(ElectionTimeoutExpired, firedAt))
		case <-stopCh:
			log.Printf("[JOB] [SERVER-%s] stopping election timeout tracker", ctx.ID)
			electionTimer.Stop()
			return
		}
	}
}

// TrackHeartbeatTimerJob publishes HeartbeatTimerFired on every tick while
// heartbeatTimer is running. The coordinator starts/stops the ticker itself
// (only a leader needs it); this job just forwards fires.
func TrackHeartbeatTimerJob(ctx serverCtx, heartbeatTimer *time.Ticker, pubSub *pubsub.PubSubClient) {
	stopCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(pubSub, ServerShutDown, stopCh, pubsub.SubscriptionOptions{IsBlocking: false})

	log.Printf("[JOB] [SERVER-%s] started heartbeat timer tracker", ctx.ID)

	for {
		select {
		case firedAt := <-heartbeatTimer.C:
			pubsub.Publish(pubSub, pubsub.NewEvent(HeartbeatTimerFired, firedAt))
		case <-stopCh:
			log.Printf("[JOB] [SERVER-%s] stopping heartbeat timer tracker", ctx.ID)
			heartbeatTimer.Stop()
			return
		}
	}
}

// TrackGracePeriodJob publishes GracePeriodExpired once graceTimer fires,
// used to detect a state machine that has fallen behind commitIndex for
// longer than GracePeriodOfLaggingStateMachine (§4.5).
func TrackGracePeriodJob(ctx serverCtx, graceTimer *time.Timer, pubSub *pubsub.PubSubClient) {
	stopCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(pubSub, ServerShutDown, stopCh, pubsub.SubscriptionOptions{IsBlocking: false})

	for {
		select {
		case firedAt := <-graceTimer.C:
			pubsub.Publish(pubSub, pubsub.NewEvent(GracePeriodExpired, firedAt))
		case <-stopCh:
			graceTimer.Stop()
			return
		}
	}
}

// snapshotContextSweepInterval bounds how often TrackSnapshotContextSweepJob
// checks for idle outbound snapshot read contexts.
const snapshotContextSweepInterval = 5 * time.Second

// snapshotContextIdleTimeout is how long a read context can sit untouched
// before TrackSnapshotContextSweepJob closes it, e.g. a peer that
// disconnected mid-transfer and never asked for its next chunk.
const snapshotContextIdleTimeout = 30 * time.Second

// TrackSnapshotContextSweepJob periodically closes outbound snapshot read
// contexts abandoned by a peer that stopped asking for chunks. A no-op if
// sm doesn't implement statemachine.SnapshotContextTracker.
func TrackSnapshotContextSweepJob(ctx serverCtx, sm statemachine.StateMachine, pubSub *pubsub.PubSubClient) {
	tracker, ok := sm.(statemachine.SnapshotContextTracker)
	if !ok {
		return
	}

	stopCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(pubSub, ServerShutDown, stopCh, pubsub.SubscriptionOptions{IsBlocking: false})

	ticker := time.NewTicker(snapshotContextSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepSnapshotContextsOnce(ctx, tracker, snapshotContextIdleTimeout)
		case <-stopCh:
			return
		}
	}
}

// sweepSnapshotContextsOnce runs a single sweep pass, factored out of
// TrackSnapshotContextSweepJob's loop so it can be driven directly by tests
// without waiting on the real ticker interval.
func sweepSnapshotContextsOnce(ctx serverCtx, tracker statemachine.SnapshotContextTracker, idleTimeout time.Duration) {
	if closed := tracker.SweepIdleSnapshotContexts(idleTimeout); closed > 0 {
		log.Printf("[JOB] [SERVER-%s] closed %d idle snapshot context(s), %d remain open",
			ctx.ID, closed, tracker.OpenSnapshotContextCount())
	}
}
