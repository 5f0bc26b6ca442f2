package server

import (
	"bytes"
	"encoding/gob"
	"log"
	"time"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/raftpb"
)

// encodeClusterConfig/decodeClusterConfig wrap a ClusterConfig as a log
// entry payload. gob is used here for the same reason it is used across
// the wire codec: there is no protoc-generated type for this message (see
// DESIGN.md).
func encodeClusterConfig(cfg raftpb.ClusterConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeClusterConfig(data []byte) (raftpb.ClusterConfig, error) {
	var cfg raftpb.ClusterConfig
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
		return raftpb.ClusterConfig{}, err
	}
	return cfg, nil
}

// Bootstrap seeds the server's initial cluster configuration before
// StartServer is called. It is only valid to call once, on a fresh server
// with no persisted configuration, to stand up a new cluster (joining an
// existing one goes through AddServer on the current leader instead).
func (s *Server) Bootstrap(cfg raftpb.ClusterConfig) {
	s.state.setConfig(cfg)
	s.syncPeersWithConfig(cfg)
	_ = s.stateManager.SaveConfig(cfg)
}

// AddServer and RemoveServer are the public membership API; both hand off
// to the coordination goroutine over membershipCh and block for a result,
// honoring WithClientReqTimeout.
func (s *Server) AddServer(desc raftpb.ServerDescriptor) (raftpb.ConfigChangeStatus, error) {
	return s.membershipRequest(true, desc, "")
}

func (s *Server) RemoveServer(id ServerID) (raftpb.ConfigChangeStatus, error) {
	return s.membershipRequest(false, raftpb.ServerDescriptor{}, id)
}

func (s *Server) membershipRequest(add bool, desc raftpb.ServerDescriptor, id ServerID) (raftpb.ConfigChangeStatus, error) {
	call := &membershipCall{add: add, server: desc, id: id, resp: make(chan membershipResult, 1)}
	timeout := s.cfg.WithClientReqTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.membershipCh <- call:
	case <-timer.C:
		return raftpb.ConfigChangeTimeout, ErrTimeout
	case <-s.doneCh:
		return raftpb.ConfigChangeNotLeader, ErrShuttingDown
	}

	select {
	case res := <-call.resp:
		return res.status, res.err
	case <-timer.C:
		return raftpb.ConfigChangeTimeout, ErrTimeout
	}
}

// handleMembershipCall applies the single in-flight reconfiguration guard
// (§4.4): only one configuration change may be outstanding at a time, and
// it is committed as an ordinary log entry, not a two-phase joint entry.
func (s *Server) handleMembershipCall(call *membershipCall) {
	if s.state.getRole() != RoleLeader {
		call.resp <- membershipResult{status: raftpb.ConfigChangeNotLeader, err: ErrNotLeader}
		return
	}
	if s.state.isConfigChangeInProgress() {
		call.resp <- membershipResult{status: raftpb.ConfigChangeInProgress, err: ErrConfigChangeInProgress}
		return
	}

	cfg := s.state.getConfig()
	servers := append([]raftpb.ServerDescriptor(nil), cfg.Servers...)

	if call.add {
		if _, exists := cfg.ServerByID(call.server.ID); exists {
			call.resp <- membershipResult{status: raftpb.ConfigChangeNotLeader, err: ErrServerAlreadyExists}
			return
		}
		desc := call.server
		if s.cfg.UseNewJoinerType {
			desc.NewJoiner = true
		}
		servers = append(servers, desc)
	} else {
		idx := -1
		for i, srv := range servers {
			if srv.ID == call.id {
				idx = i
				break
			}
		}
		if idx == -1 {
			call.resp <- membershipResult{status: raftpb.ConfigChangeNotLeader, err: ErrServerNotFound}
			return
		}
		servers = append(servers[:idx], servers[idx+1:]...)
	}

	newIndex := s.log.NextSlot()
	newCfg := raftpb.ClusterConfig{LogIndex: newIndex, Servers: servers}
	data, err := encodeClusterConfig(newCfg)
	if err != nil {
		call.resp <- membershipResult{status: raftpb.ConfigChangeNotLeader, err: err}
		return
	}

	entry := &raftpb.LogEntry{Index: newIndex, Term: s.state.getCurrentTerm(), Type: raftpb.EntryConfiguration, Data: data}
	if err := s.log.Append(entry); err != nil {
		call.resp <- membershipResult{status: raftpb.ConfigChangeNotLeader, err: err}
		return
	}
	_ = s.log.Flush()

	s.state.setConfigChangeInProgress(true, newIndex)
	s.state.setConfig(newCfg)
	s.syncPeersWithConfig(newCfg)
	_ = s.stateManager.SaveConfig(newCfg)

	pubsub.Publish(s.pubSub, pubsub.NewEvent(ConfigChangeCompleted, newIndex))

	if call.add {
		s.fireNewConfigForPeer(call.server.ID, newIndex)
	} else {
		s.fireNewConfigForPeer(call.id, newIndex)
	}

	s.broadcastAppendEntries()
	call.resp <- membershipResult{status: raftpb.ConfigChangeOK}
}

// syncPeersWithConfig reconciles s.peers against the servers named in cfg:
// new members get a fresh peerRecord and an outbound RPC client, removed
// members are torn down.
func (s *Server) syncPeersWithConfig(cfg raftpb.ClusterConfig) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	want := make(map[ServerID]raftpb.ServerDescriptor, len(cfg.Servers))
	for _, desc := range cfg.Servers {
		if desc.ID == s.ID {
			continue
		}
		want[desc.ID] = desc
	}

	for id, p := range s.peers {
		if _, ok := want[id]; !ok {
			s.grpcTransport.RemovePeer(id)
			if p.snapshot != nil {
				s.closeSnapshotContext(p.snapshot.ctxHandle)
			}
			delete(s.peers, id)
		}
	}

	lastIdx := s.log.NextSlot() - 1
	for id, desc := range want {
		if p, ok := s.peers[id]; ok {
			p.Priority = desc.Priority
			continue
		}
		if err := s.grpcTransport.AddPeer(id, desc.Endpoint); err != nil {
			log.Printf("[MEMBERSHIP] [SERVER-%s] failed to connect to new peer %s at %s: %v", s.ID, id, desc.Endpoint, err)
			continue
		}
		s.peers[id] = newPeerRecord(desc, s.grpcTransport.Peer(id), lastIdx)
	}
}

// promoteCaughtUpJoiners scans the current configuration for new-joiner
// members whose replicated log has come within LogSyncStopGap of the
// leader's own log, and promotes them to full voting members (§4.4). It is
// driven from the apply loop each time commitIndex advances.
func (s *Server) promoteCaughtUpJoiners() {
	if s.state.getRole() != RoleLeader || s.state.isConfigChangeInProgress() {
		return
	}
	cfg := s.state.getConfig()

	lastIdx := s.log.NextSlot() - 1
	changed := false
	servers := append([]raftpb.ServerDescriptor(nil), cfg.Servers...)

	s.peersMu.RLock()
	for i, desc := range servers {
		if !desc.NewJoiner {
			continue
		}
		p, ok := s.peers[desc.ID]
		if !ok {
			continue
		}
		if lastIdx >= p.MatchIndex && lastIdx-p.MatchIndex <= raftpb.Index(s.cfg.LogSyncStopGap) {
			servers[i].NewJoiner = false
			changed = true
		}
	}
	s.peersMu.RUnlock()

	if !changed {
		return
	}

	newIndex := s.log.NextSlot()
	newCfg := raftpb.ClusterConfig{LogIndex: newIndex, Servers: servers}
	data, err := encodeClusterConfig(newCfg)
	if err != nil {
		return
	}
	entry := &raftpb.LogEntry{Index: newIndex, Term: s.state.getCurrentTerm(), Type: raftpb.EntryConfiguration, Data: data}
	if err := s.log.Append(entry); err != nil {
		return
	}
	_ = s.log.Flush()
	s.state.setConfig(newCfg)
	_ = s.stateManager.SaveConfig(newCfg)
	s.broadcastAppendEntries()
}
