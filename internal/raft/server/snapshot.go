package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/raftpb"
	"raftcore/internal/raft/statemachine"
)

// snapshotChunkSize bounds one InstallSnapshot RPC payload.
const snapshotChunkSize = 64 * 1024

// snapshotSendState tracks an in-flight outbound snapshot transfer to one
// peer, used when that peer's NextIndex falls behind the leader's log
// retention window (§4.3).
type snapshotSendState struct {
	meta      raftpb.SnapshotMeta
	ctxHandle raftpb.SnapshotContextHandle
	offset    int64
	startedAt time.Time
}

// beginSnapshotTransfer switches a peer into snapshot-install mode once the
// leader can no longer serve it via ordinary log replication (its NextIndex
// has been compacted away).
func (s *Server) beginSnapshotTransfer(p *peerRecord) {
	meta := s.sm.LastSnapshot()
	if meta.LastIndex == 0 {
		log.Printf("[SNAPSHOT] [SERVER-%s] peer %s needs a snapshot but none exists yet", s.ID, p.ID)
		return
	}
	ctxHandle := raftpb.SnapshotContextHandle(fmt.Sprintf("%s-%d", p.ID, meta.LastIndex))
	p.snapshot = &snapshotSendState{meta: meta, ctxHandle: ctxHandle, startedAt: time.Now()}
	s.fireSnapshotCreationBegin(p.ID)
	s.sendInstallSnapshot(p)
}

// sendInstallSnapshot sends the next chunk of an in-flight snapshot
// transfer to p. The chunk read itself runs on a worker goroutine, off the
// coordination goroutine, since ReadSnapshotChunk may block on I/O or
// encoding work; only the finished request/response round-trip reports
// back through the usual pubsub event.
func (s *Server) sendInstallSnapshot(p *peerRecord) {
	st := p.snapshot
	if st == nil {
		return
	}
	if !p.InFlight.CompareAndSwap(false, true) {
		return
	}

	term := s.state.getCurrentTerm()
	commitIdx := s.state.getCommitIndex()

	go func() {
		defer p.InFlight.Store(false)

		buf := make([]byte, snapshotChunkSize)
		n, err := s.sm.ReadSnapshotChunk(st.meta, st.ctxHandle, st.offset, buf)
		if err != nil {
			log.Printf("[SNAPSHOT] [SERVER-%s] read chunk for peer %s failed: %v", s.ID, p.ID, err)
			pubsub.Publish(s.pubSub, pubsub.NewEvent(InstallSnapshotResponseReceived, InstallSnapshotAckPayload{From: p.ID, ReadFailed: true}))
			return
		}
		done := n < len(buf)
		data := buf[:n]

		hdr := raftpb.NewHeader(term, s.ID, p.ID, 0, 0, commitIdx)
		hdr.Meta = s.writeRequestMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgInstallSnapshotRequest, Src: s.ID, Dst: p.ID, LogIdx: st.meta.LastIndex})
		req := &raftpb.InstallSnapshotRequest{hdr, st.meta.LastIndex, st.meta.LastTerm, st.offset, data, done}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval*5)
		defer cancel()

		resp, err := p.Client.InstallSnapshot(ctx, req)
		if err != nil {
			pubsub.Publish(s.pubSub, pubsub.NewEvent(InstallSnapshotResponseReceived, InstallSnapshotAckPayload{From: p.ID, Done: done}))
			return
		}
		if !s.validateResponseMeta(raftpb.MetaCallbackParams{MsgType: raftpb.MsgInstallSnapshotResponse, Src: resp.Src, Dst: resp.Dst}, resp.Meta) {
			pubsub.Publish(s.pubSub, pubsub.NewEvent(InstallSnapshotResponseReceived, InstallSnapshotAckPayload{From: p.ID, Done: done}))
			return
		}
		pubsub.Publish(s.pubSub, pubsub.NewEvent(InstallSnapshotResponseReceived, InstallSnapshotAckPayload{From: p.ID, Resp: *resp, Done: done}))
	}()
}

// handleInstallSnapshotRequest is the receiver side: it buffers chunks
// through the state machine and, once Done, installs the snapshot and
// fast-forwards this server's own applied/commit position to match.
func (s *Server) handleInstallSnapshotRequest(req *raftpb.InstallSnapshotRequest) *raftpb.InstallSnapshotResponse {
	currentTerm := s.state.getCurrentTerm()
	if req.Term < currentTerm {
		return &raftpb.InstallSnapshotResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false}
	}
	if req.Term > currentTerm {
		s.state.setCurrentTerm(req.Term)
		s.state.setVotedFor(nil)
		s.persistTermVote(req.Term, nil)
		currentTerm = req.Term
	}
	leader := req.Src
	s.state.setLeaderID(&leader)
	s.resetElectionTimer()

	meta := raftpb.SnapshotMeta{LastIndex: req.SnapshotLastIdx, LastTerm: req.SnapshotLastTerm}
	if err := s.sm.SaveSnapshotChunk(meta, req.Offset, req.Data, req.Done); err != nil {
		log.Printf("[SNAPSHOT] [SERVER-%s] save chunk at offset %d failed: %v", s.ID, req.Offset, err)
		return &raftpb.InstallSnapshotResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false, NextOffset: req.Offset}
	}

	if !req.Done {
		return &raftpb.InstallSnapshotResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: true, NextOffset: req.Offset + int64(len(req.Data))}
	}

	installed, err := s.sm.ApplySnapshot(meta)
	if err != nil || !installed {
		log.Printf("[SNAPSHOT] [SERVER-%s] apply snapshot %+v failed: %v", s.ID, meta, err)
		return &raftpb.InstallSnapshotResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: false}
	}

	if err := s.log.Compact(meta.LastIndex); err != nil {
		log.Printf("[SNAPSHOT] [SERVER-%s] compacting log to %d failed: %v", s.ID, meta.LastIndex, err)
	}
	s.state.setCommitIndex(meta.LastIndex)
	s.state.setLastApplied(meta.LastIndex)
	s.fireSnapshotCreationEnd(meta.LastIndex)
	pubsub.Publish(s.pubSub, pubsub.NewEvent(SnapshotTransferCompleted, meta.LastIndex))

	return &raftpb.InstallSnapshotResponse{Term: currentTerm, Src: s.ID, Dst: req.Src, Accepted: true, NextOffset: req.Offset + int64(len(req.Data))}
}

// handleInstallSnapshotResponse is the leader-side aggregator advancing an
// in-flight snapshot transfer's offset, or tearing it down once the peer
// has caught up enough to resume ordinary replication.
func (s *Server) handleInstallSnapshotResponse(payload InstallSnapshotAckPayload) {
	if s.state.getRole() != RoleLeader {
		return
	}

	s.peersMu.Lock()
	p, ok := s.peers[payload.From]
	if !ok || p.snapshot == nil {
		s.peersMu.Unlock()
		return
	}

	if payload.ReadFailed {
		ctxHandle := p.snapshot.ctxHandle
		p.snapshot = nil
		s.peersMu.Unlock()
		s.closeSnapshotContext(ctxHandle)
		return
	}

	if payload.Resp.Src == "" {
		s.peersMu.Unlock()
		return
	}

	if payload.Resp.Term > s.state.getCurrentTerm() {
		ctxHandle := p.snapshot.ctxHandle
		p.snapshot = nil
		s.peersMu.Unlock()
		s.state.setCurrentTerm(payload.Resp.Term)
		s.state.setRole(RoleFollower)
		s.state.setVotedFor(nil)
		s.persistTermVote(payload.Resp.Term, nil)
		s.stopHeartbeatTimer()
		s.closeSnapshotContext(ctxHandle)
		return
	}

	if !payload.Resp.Accepted {
		p.snapshot.offset = payload.Resp.NextOffset
		s.peersMu.Unlock()
		s.sendInstallSnapshot(p)
		return
	}

	meta := p.snapshot.meta
	if payload.Done {
		p.NextIndex = meta.LastIndex + 1
		p.MatchIndex = meta.LastIndex
		ctxHandle := p.snapshot.ctxHandle
		p.snapshot = nil
		s.peersMu.Unlock()
		s.closeSnapshotContext(ctxHandle)
		s.sendAppendEntries(p)
		return
	}

	p.snapshot.offset = payload.Resp.NextOffset
	s.peersMu.Unlock()
	s.sendInstallSnapshot(p)
}

// closeSnapshotContext releases ctx's cached buffer in the state machine,
// if it implements SnapshotContextTracker (§4.3: a finished or abandoned
// transfer must not pin memory after the last chunk is served).
func (s *Server) closeSnapshotContext(ctx raftpb.SnapshotContextHandle) {
	if tracker, ok := s.sm.(statemachine.SnapshotContextTracker); ok {
		tracker.CloseSnapshotContext(ctx)
	}
}
