package mocks

import (
	"sync"
	"time"

	"raftcore/internal/raft/raftpb"
)

// appliedEntry records one Commit call for later assertions.
type appliedEntry struct {
	Index raftpb.Index
	Data  []byte
}

// MockStateMachine is an in-memory statemachine.StateMachine for tests. It
// also implements statemachine.SnapshotContextTracker so callers can assert
// on open-context bookkeeping without pulling in KVStateMachine.
type MockStateMachine struct {
	mu              sync.RWMutex
	applied         []appliedEntry
	lastCommitIndex raftpb.Index
	lastSnapshot    raftpb.SnapshotMeta
	openContexts    map[raftpb.SnapshotContextHandle]time.Time

	CommitResult func(index raftpb.Index, data []byte) ([]byte, error)
	CommitError  error
}

func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{openContexts: make(map[raftpb.SnapshotContextHandle]time.Time)}
}

func (m *MockStateMachine) Commit(index raftpb.Index, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitError != nil {
		return nil, m.CommitError
	}
	m.applied = append(m.applied, appliedEntry{Index: index, Data: data})
	m.lastCommitIndex = index
	if m.CommitResult != nil {
		return m.CommitResult(index, data)
	}
	return nil, nil
}

func (m *MockStateMachine) PreCommit(index raftpb.Index, data []byte) error { return nil }
func (m *MockStateMachine) Rollback(index raftpb.Index, data []byte) error  { return nil }

func (m *MockStateMachine) SaveSnapshotChunk(snap raftpb.SnapshotMeta, offset int64, data []byte, done bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done {
		m.lastSnapshot = snap
		m.lastCommitIndex = snap.LastIndex
	}
	return nil
}

func (m *MockStateMachine) ReadSnapshotChunk(snap raftpb.SnapshotMeta, ctx raftpb.SnapshotContextHandle, offset int64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openContexts[ctx] = time.Now()
	return 0, nil
}

// CloseSnapshotContext implements statemachine.SnapshotContextTracker.
func (m *MockStateMachine) CloseSnapshotContext(ctx raftpb.SnapshotContextHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openContexts, ctx)
}

// OpenSnapshotContextCount implements statemachine.SnapshotContextTracker.
func (m *MockStateMachine) OpenSnapshotContextCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.openContexts)
}

// SweepIdleSnapshotContexts implements statemachine.SnapshotContextTracker.
func (m *MockStateMachine) SweepIdleSnapshotContexts(idleTimeout time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-idleTimeout)
	var closed int
	for ctx, at := range m.openContexts {
		if at.Before(cutoff) {
			delete(m.openContexts, ctx)
			closed++
		}
	}
	return closed
}

func (m *MockStateMachine) ApplySnapshot(snap raftpb.SnapshotMeta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSnapshot = snap
	m.lastCommitIndex = snap.LastIndex
	return true, nil
}

func (m *MockStateMachine) LastCommitIndex() raftpb.Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCommitIndex
}

func (m *MockStateMachine) LastSnapshot() raftpb.SnapshotMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSnapshot
}

// AppliedCount returns how many entries have been committed so far.
func (m *MockStateMachine) AppliedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.applied)
}

// AppliedAt returns the data committed at position i (call order, not log index).
func (m *MockStateMachine) AppliedAt(i int) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied[i].Data
}
