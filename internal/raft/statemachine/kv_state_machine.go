package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"raftcore/internal/raft/raftpb"
)

// KVStateMachine is a simple key-value store that implements StateMachine.
// Commands are expected in the form "SET key=value" or "DEL key".
type KVStateMachine struct {
	mu    sync.RWMutex
	store map[string]string
	id    string

	lastCommitIndex raftpb.Index
	lastSnapshot    raftpb.SnapshotMeta

	// snapshotWriters accumulates inbound chunks (SaveSnapshotChunk) before
	// they are decoded and installed.
	snapshotWriters map[raftpb.SnapshotContextHandle][]byte

	// snapshotReaders holds one open read context per handle, so
	// ReadSnapshotChunk can be called repeatedly across RPCs without
	// re-encoding the whole store on every chunk. Each context is closed
	// explicitly when its transfer ends or its peer is removed, and swept
	// on an idle timeout otherwise (a peer that goes silent mid-transfer
	// must not pin the encoded buffer in memory forever).
	snapshotReaders map[raftpb.SnapshotContextHandle]*snapshotReadContext
}

// snapshotReadContext is one open outbound snapshot transfer's cached,
// gob-encoded payload plus the last time a chunk was served from it.
type snapshotReadContext struct {
	data       []byte
	lastAccess time.Time
}

// NewKVStateMachine creates a new key-value state machine.
func NewKVStateMachine(serverID string) *KVStateMachine {
	return &KVStateMachine{
		store:           make(map[string]string),
		id:              serverID,
		snapshotWriters: make(map[raftpb.SnapshotContextHandle][]byte),
		snapshotReaders: make(map[raftpb.SnapshotContextHandle]*snapshotReadContext),
	}
}

// Commit applies one log entry's command and returns its string result
// (empty for SET/DEL, the stored value for GET).
func (kv *KVStateMachine) Commit(index raftpb.Index, data []byte) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	result := kv.apply(index, data)
	kv.lastCommitIndex = index
	return result, nil
}

// PreCommit is a no-op for this state machine: SET/DEL have no
// pre-commit-visible side effect worth previewing.
func (kv *KVStateMachine) PreCommit(index raftpb.Index, data []byte) error {
	return nil
}

// Rollback is a no-op: nothing was applied at PreCommit time to undo.
func (kv *KVStateMachine) Rollback(index raftpb.Index, data []byte) error {
	return nil
}

func (kv *KVStateMachine) apply(index raftpb.Index, data []byte) []byte {
	command := string(data)
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil
	}

	op := strings.ToUpper(parts[0])
	switch op {
	case "SET":
		if len(parts) < 2 {
			return nil
		}
		kvPair := strings.SplitN(parts[1], "=", 2)
		if len(kvPair) != 2 {
			return nil
		}
		kv.store[kvPair[0]] = kvPair[1]
		log.Printf("[KV-SM-%s] applied SET %s=%s (index=%d)", kv.id, kvPair[0], kvPair[1], index)
		return nil
	case "DEL":
		if len(parts) < 2 {
			return nil
		}
		delete(kv.store, parts[1])
		log.Printf("[KV-SM-%s] applied DEL %s (index=%d)", kv.id, parts[1], index)
		return nil
	case "GET":
		if len(parts) < 2 {
			return nil
		}
		return []byte(kv.store[parts[1]])
	default:
		log.Printf("[KV-SM-%s] unknown command %q (index=%d)", kv.id, command, index)
		return nil
	}
}

// kvSnapshot is the gob-encoded payload a snapshot chunk transfer carries.
type kvSnapshot struct {
	Store       map[string]string
	CommitIndex raftpb.Index
}

// SaveSnapshotChunk appends one inbound chunk into a per-handle buffer and,
// once done, decodes and installs the full snapshot.
func (kv *KVStateMachine) SaveSnapshotChunk(snap raftpb.SnapshotMeta, offset int64, data []byte, done bool) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	handle := snapshotHandleFor(snap)
	buf := kv.snapshotWriters[handle]
	if int64(len(buf)) < offset {
		return fmt.Errorf("snapshot chunk gap: have %d bytes, offset %d", len(buf), offset)
	}
	buf = append(buf[:offset], data...)
	kv.snapshotWriters[handle] = buf

	if !done {
		return nil
	}

	var decoded kvSnapshot
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&decoded); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	kv.store = decoded.Store
	kv.lastCommitIndex = decoded.CommitIndex
	kv.lastSnapshot = snap
	delete(kv.snapshotWriters, handle)
	log.Printf("[KV-SM-%s] installed snapshot at index=%d term=%d", kv.id, snap.LastIndex, snap.LastTerm)
	return nil
}

// ReadSnapshotChunk encodes the current store on first call for ctx and
// serves successive chunks from the cached buffer, tracked as an open
// context until the caller closes it or it is swept for idleness.
func (kv *KVStateMachine) ReadSnapshotChunk(snap raftpb.SnapshotMeta, ctx raftpb.SnapshotContextHandle, offset int64, buf []byte) (int, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	rc, ok := kv.snapshotReaders[ctx]
	if !ok {
		var out bytes.Buffer
		payload := kvSnapshot{Store: cloneStore(kv.store), CommitIndex: kv.lastCommitIndex}
		if err := gob.NewEncoder(&out).Encode(payload); err != nil {
			return 0, fmt.Errorf("encode snapshot: %w", err)
		}
		rc = &snapshotReadContext{data: out.Bytes()}
		kv.snapshotReaders[ctx] = rc
	}
	rc.lastAccess = time.Now()

	if offset >= int64(len(rc.data)) {
		return 0, nil
	}
	n := copy(buf, rc.data[offset:])
	return n, nil
}

// CloseSnapshotContext releases a read context's cached buffer immediately.
// Safe to call on a context that is not open (e.g. already swept).
func (kv *KVStateMachine) CloseSnapshotContext(ctx raftpb.SnapshotContextHandle) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.snapshotReaders, ctx)
}

// OpenSnapshotContextCount reports how many outbound read contexts are
// currently open.
func (kv *KVStateMachine) OpenSnapshotContextCount() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.snapshotReaders)
}

// SweepIdleSnapshotContexts closes every read context whose last access is
// older than idleTimeout and reports how many it closed.
func (kv *KVStateMachine) SweepIdleSnapshotContexts(idleTimeout time.Duration) int {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	var closed int
	for ctx, rc := range kv.snapshotReaders {
		if rc.lastAccess.Before(cutoff) {
			delete(kv.snapshotReaders, ctx)
			closed++
		}
	}
	if closed > 0 {
		log.Printf("[KV-SM-%s] swept %d idle snapshot read context(s)", kv.id, closed)
	}
	return closed
}

// ApplySnapshot reports whether a snapshot at this metadata has already been
// applied; KVStateMachine installs snapshots eagerly in SaveSnapshotChunk,
// so this only confirms the expected state.
func (kv *KVStateMachine) ApplySnapshot(snap raftpb.SnapshotMeta) (bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.lastSnapshot.LastIndex == snap.LastIndex && kv.lastSnapshot.LastTerm == snap.LastTerm, nil
}

// LastCommitIndex returns the highest index applied so far.
func (kv *KVStateMachine) LastCommitIndex() raftpb.Index {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.lastCommitIndex
}

// LastSnapshot returns metadata for the most recently installed snapshot.
func (kv *KVStateMachine) LastSnapshot() raftpb.SnapshotMeta {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.lastSnapshot
}

// Dump returns a shallow copy of the current key/value contents, for
// inspection by callers outside the replicated log (tests, CLI tooling).
func (kv *KVStateMachine) Dump() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		out[k] = v
	}
	return out
}

func snapshotHandleFor(snap raftpb.SnapshotMeta) raftpb.SnapshotContextHandle {
	return raftpb.SnapshotContextHandle(fmt.Sprintf("%d-%d", snap.LastIndex, snap.LastTerm))
}

func cloneStore(store map[string]string) map[string]string {
	out := make(map[string]string, len(store))
	for k, v := range store {
		out[k] = v
	}
	return out
}
