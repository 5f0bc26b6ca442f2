package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"

	"go.etcd.io/bbolt"

	"raftcore/internal/raft/raftpb"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	// Metadata keys
	currentTermKey   = []byte("currentTerm")
	votedForKey      = []byte("votedFor")
	clusterConfigKey = []byte("clusterConfig")
	lastDurableKey   = []byte("lastDurable")
)

// BboltStore is a BBolt-backed implementation of both LogStore and
// StateManager, adapted from the teacher's storage.BboltDb — the log and
// metadata buckets are unchanged, entries are now gob-encoded raftpb types
// instead of protobuf (see DESIGN.md), and a cluster-configuration slot and
// SystemExit have been added to round out the StateManager contract.
type BboltStore struct {
	conn *bbolt.DB
}

// NewBboltStore creates a new BBolt-backed store at path.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{conn: db}, nil
}

func encodeEntry(entry *raftpb.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("failed to encode log entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*raftpb.LogEntry, error) {
	var entry raftpb.LogEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("failed to decode log entry: %w", err)
	}
	return &entry, nil
}

// Append adds entry at the end of the log.
func (b *BboltStore) Append(entry *raftpb.LogEntry) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return bucket.Put(uint64ToBytes(entry.Index), data)
	})
}

// WriteAt overwrites the entry at index and deletes every later entry,
// resolving a log-matching conflict per §4.2.
func (b *BboltStore) WriteAt(index raftpb.Index, entry *raftpb.LogEntry) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		cursor := bucket.Cursor()
		startKey := uint64ToBytes(index)
		for k, _ := cursor.Seek(startKey); k != nil; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return bucket.Put(uint64ToBytes(entry.Index), data)
	})
}

// EntryAt retrieves the log entry at index.
func (b *BboltStore) EntryAt(index raftpb.Index) (*raftpb.LogEntry, error) {
	var entry *raftpb.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		data := bucket.Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("log entry at index %d not found", index)
		}
		var err error
		entry, err = decodeEntry(data)
		return err
	})
	return entry, err
}

// TermAt returns the term of the entry at index, 0 if index is 0.
func (b *BboltStore) TermAt(index raftpb.Index) (raftpb.Term, error) {
	if index == 0 {
		return 0, nil
	}
	entry, err := b.EntryAt(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// StartIndex returns the first index retained in the log (1 if never
// compacted and non-empty, 0 if empty).
func (b *BboltStore) StartIndex() raftpb.Index {
	var start raftpb.Index
	_ = b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		k, _ := bucket.Cursor().First()
		if k != nil {
			start = bytesToUint64(k)
		}
		return nil
	})
	return start
}

// NextSlot returns the index the next Append call will use.
func (b *BboltStore) NextSlot() raftpb.Index {
	var last raftpb.Index
	_ = b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		k, _ := bucket.Cursor().Last()
		if k != nil {
			last = bytesToUint64(k)
		}
		return nil
	})
	return last + 1
}

// LastDurableIndex returns the highest index confirmed flushed to disk.
func (b *BboltStore) LastDurableIndex() raftpb.Index {
	var idx raftpb.Index
	_ = b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		data := bucket.Get(lastDurableKey)
		if data != nil {
			idx = bytesToUint64(data)
		}
		return nil
	})
	return idx
}

// Flush records the current last index as durable. BBolt fsyncs on every
// Update transaction, so by the time Append returns the entry is already
// durable on disk; Flush exists to give callers (e.g. parallel log
// appending, §4.2) an explicit durability checkpoint independent of
// individual Append calls.
func (b *BboltStore) Flush() error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		logB := tx.Bucket(logBucket)
		k, _ := logB.Cursor().Last()
		var last raftpb.Index
		if k != nil {
			last = bytesToUint64(k)
		}
		metaB := tx.Bucket(metadataBucket)
		return metaB.Put(lastDurableKey, uint64ToBytes(last))
	})
}

// Compact discards entries at or below upToIndex.
func (b *BboltStore) Compact(upToIndex raftpb.Index) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && bytesToUint64(k) <= upToIndex; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying BBolt connection.
func (b *BboltStore) Close() error {
	return b.conn.Close()
}

// SaveState persists (currentTerm, votedFor) — flushed before any vote grant
// or term bump is observed externally (§3 "Persistent Server State").
func (b *BboltStore) SaveState(state raftpb.ServerState) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(state.CurrentTerm)); err != nil {
			return err
		}
		if state.VotedFor == nil {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(*state.VotedFor))
	})
}

// LoadState retrieves the persisted (currentTerm, votedFor).
func (b *BboltStore) LoadState() (raftpb.ServerState, error) {
	var state raftpb.ServerState
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if data := bucket.Get(currentTermKey); data != nil {
			state.CurrentTerm = bytesToUint64(data)
		}
		if data := bucket.Get(votedForKey); data != nil {
			id := raftpb.ServerID(data)
			state.VotedFor = &id
		}
		return nil
	})
	return state, err
}

// SaveConfig persists the latest cluster configuration.
func (b *BboltStore) SaveConfig(config raftpb.ClusterConfig) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(config); err != nil {
		return fmt.Errorf("failed to encode cluster config: %w", err)
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		return bucket.Put(clusterConfigKey, buf.Bytes())
	})
}

// LoadConfig retrieves the persisted cluster configuration.
func (b *BboltStore) LoadConfig() (raftpb.ClusterConfig, error) {
	var config raftpb.ClusterConfig
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		data := bucket.Get(clusterConfigKey)
		if data == nil {
			return nil
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&config)
	})
	return config, err
}

// SystemExit terminates the process. Used for the N22_unrecoverable_isolation
// escalation path (§4.1, §7); tests replace the StateManager with a stub
// rather than exercising this directly.
func (b *BboltStore) SystemExit(code int) {
	_ = b.conn.Close()
	os.Exit(code)
}

func uint64ToBytes(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
