package raftpb

// MessageKind enumerates the RPC message kinds named in spec.md §6.
type MessageKind int32

const (
	MsgRequestVoteRequest MessageKind = iota
	MsgRequestVoteResponse
	MsgPreVoteRequest
	MsgPreVoteResponse
	MsgAppendEntriesRequest
	MsgAppendEntriesResponse
	MsgInstallSnapshotRequest
	MsgInstallSnapshotResponse
	MsgCustomNotificationRequest
	MsgCustomNotificationResponse
	MsgReconnectRequest
	MsgPriorityChangeRequest
)

// Header carries the fields common to every RPC message.
type Header struct {
	Term        Term
	Src         ServerID
	Dst         ServerID
	LastLogIdx  Index
	LastLogTerm Term
	CommitIdx   Index
	// Meta is an application-attached metadata string, written by a
	// registered write callback on the send side and validated by a
	// registered read callback on the receive side (§4.6 "Callbacks",
	// mirroring nuRaft's meta_cb). Empty when no callback is registered.
	Meta string
}

// NextIdxMaxSentinel marks a pre-vote response as "strong deny": the
// requester is unknown to the responder's configuration (it has been
// removed, or never belonged).
const NextIdxMaxSentinel Index = ^Index(0)

// PreVoteRequest probes election viability without bumping the term.
type PreVoteRequest struct {
	Header
}

// PreVoteResponse carries accept/deny plus the special abandoned marker.
type PreVoteResponse struct {
	Term        Term
	Src         ServerID
	Dst         ServerID
	Accepted    bool
	NextIdxHint Index
	Meta        string
}

// RequestVoteRequest asks a peer to grant a vote for the current term.
type RequestVoteRequest struct {
	Header
	// ForceVote marks a leadership-transfer request: the receiver grants
	// it even if it already voted this term or the requester's log is not
	// up to date. The receiver applies no priority check to any vote.
	ForceVote bool
}

// RequestVoteResponse carries the vote decision.
type RequestVoteResponse struct {
	Term        Term
	Src         ServerID
	Dst         ServerID
	Accepted    bool
	NextIdxHint Index
	Meta        string
}

// AppendEntriesRequest replicates log entries (or, with Entries empty, acts
// as a heartbeat).
type AppendEntriesRequest struct {
	Header
	PrevLogIdx   Index
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit Index
}

// AppendEntriesResponse reports acceptance plus optional back-pressure and
// conflict hints.
type AppendEntriesResponse struct {
	Term Term
	Src  ServerID
	Dst  ServerID
	// Accepted is false on a term mismatch or log-matching conflict.
	Accepted bool
	// NextIdxHint, when Accepted is false, tells the leader where to
	// retry from (§4.2 "per-peer pipeline").
	NextIdxHint Index
	// LastLogIdx is the responder's log length after applying the
	// request, used by the leader to advance matchIdx.
	LastLogIdx Index
	// BatchSizeHintBytes: >0 caps the next batch payload size, 0
	// disables hinting, <0 means "do not commit beyond current index".
	BatchSizeHintBytes int64
	Meta               string
}

// InstallSnapshotRequest carries one chunk of a state machine snapshot.
type InstallSnapshotRequest struct {
	Header
	SnapshotLastIdx  Index
	SnapshotLastTerm Term
	Offset           int64
	Data             []byte
	Done             bool
}

// InstallSnapshotResponse acknowledges a snapshot chunk.
type InstallSnapshotResponse struct {
	Term     Term
	Src      ServerID
	Dst      ServerID
	Accepted bool
	// NextOffset is the offset the responder is now expecting.
	NextOffset int64
	Meta       string
}

// CustomNotificationRequest/Response let the control plane attach and
// validate per-message metadata strings on the write/read side
// respectively (§4.6 "Callbacks").
type CustomNotificationRequest struct {
	Header
	Metadata string
}

type CustomNotificationResponse struct {
	Term     Term
	Src      ServerID
	Dst      ServerID
	Accepted bool
	Meta     string
}

// ReconnectRequest asks a peer believed to have lost contact with the
// current leader to recreate its RPC client.
type ReconnectRequest struct {
	Src ServerID
	Dst ServerID
}

// PriorityChangeRequest describes a set_priority call for one target. No
// RPC carries it: the transport service has no method for it and the
// engine never sends it.
type PriorityChangeRequest struct {
	Src      ServerID
	Target   ServerID
	Priority int32
}

// MetaCallbackParams identifies one message to a registered meta_cb hook:
// which kind of message it is, who sent and is receiving it, and (where
// meaningful) the log index it concerns.
type MetaCallbackParams struct {
	MsgType MessageKind
	Src     ServerID
	Dst     ServerID
	LogIdx  Index
}

// NewHeader builds the common RPC header.
func NewHeader(term Term, src, dst ServerID, lastLogTerm Term, lastLogIdx, commitIdx Index) Header {
	return Header{
		Term:        term,
		Src:         src,
		Dst:         dst,
		LastLogIdx:  lastLogIdx,
		LastLogTerm: lastLogTerm,
		CommitIdx:   commitIdx,
	}
}

// GetTerm, GetSrc, GetDst, GetLastLogIdx, GetLastLogTerm, GetCommitIdx are
// convenience accessors so request types built on header satisfy a common
// inspection surface without exporting the embedded field name.
func (h Header) GetTerm() Term          { return h.Term }
func (h Header) GetSrc() ServerID       { return h.Src }
func (h Header) GetDst() ServerID       { return h.Dst }
func (h Header) GetLastLogIdx() Index   { return h.LastLogIdx }
func (h Header) GetLastLogTerm() Term   { return h.LastLogTerm }
func (h Header) GetCommitIdx() Index    { return h.CommitIdx }
