package server

import "raftcore/internal/raft/raftpb"

// WriteMetaFunc produces an application-defined metadata string to attach
// to an outbound message, given identifying context for it. Called once per
// message, right before send.
type WriteMetaFunc func(params raftpb.MetaCallbackParams) string

// ReadMetaFunc validates an inbound message's attached metadata. Returning
// false refuses the message: the caller drops it before it can affect any
// engine state, mirroring nuRaft's meta_cb read-side denial.
type ReadMetaFunc func(params raftpb.MetaCallbackParams, meta string) bool

// SetMetaCallbacks registers the four meta_cb hooks (§4.6): write/read for
// requests, write/read for responses. Any of the four may be nil to leave
// that hook a no-op. Safe to call before or after StartServer.
func (s *Server) SetMetaCallbacks(writeReq WriteMetaFunc, readReq ReadMetaFunc, writeResp WriteMetaFunc, readResp ReadMetaFunc) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.writeReqMeta = writeReq
	s.readReqMeta = readReq
	s.writeRespMeta = writeResp
	s.readRespMeta = readResp
}

func (s *Server) writeRequestMeta(params raftpb.MetaCallbackParams) string {
	s.metaMu.RLock()
	fn := s.writeReqMeta
	s.metaMu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn(params)
}

// validateRequestMeta reports whether an inbound request passes the
// registered read callback. No callback registered always accepts.
func (s *Server) validateRequestMeta(params raftpb.MetaCallbackParams, meta string) bool {
	s.metaMu.RLock()
	fn := s.readReqMeta
	s.metaMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn(params, meta)
}

func (s *Server) writeResponseMeta(params raftpb.MetaCallbackParams) string {
	s.metaMu.RLock()
	fn := s.writeRespMeta
	s.metaMu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn(params)
}

// validateResponseMeta reports whether an inbound response passes the
// registered read callback. No callback registered always accepts.
func (s *Server) validateResponseMeta(params raftpb.MetaCallbackParams, meta string) bool {
	s.metaMu.RLock()
	fn := s.readRespMeta
	s.metaMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn(params, meta)
}
