package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft/raftpb"
)

func TestMetaCallbacks_NoneRegisteredAlwaysAccepts(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	params := raftpb.MetaCallbackParams{MsgType: raftpb.MsgRequestVoteRequest}

	assert.True(t, s.validateRequestMeta(params, ""))
	assert.True(t, s.validateResponseMeta(params, ""))
	assert.Equal(t, "", s.writeRequestMeta(params))
	assert.Equal(t, "", s.writeResponseMeta(params))
}

func TestMetaCallbacks_WriteAndReadRoundTrip(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.SetMetaCallbacks(
		func(p raftpb.MetaCallbackParams) string { return "req-tag" },
		func(p raftpb.MetaCallbackParams, meta string) bool { return meta == "req-tag" },
		func(p raftpb.MetaCallbackParams) string { return "resp-tag" },
		func(p raftpb.MetaCallbackParams, meta string) bool { return meta == "resp-tag" },
	)

	params := raftpb.MetaCallbackParams{MsgType: raftpb.MsgRequestVoteRequest}
	assert.Equal(t, "req-tag", s.writeRequestMeta(params))
	assert.True(t, s.validateRequestMeta(params, "req-tag"))
	assert.False(t, s.validateRequestMeta(params, "wrong-tag"))

	assert.Equal(t, "resp-tag", s.writeResponseMeta(params))
	assert.True(t, s.validateResponseMeta(params, "resp-tag"))
	assert.False(t, s.validateResponseMeta(params, "wrong-tag"))
}

func TestRequestVote_RefusedByReadMetaCallbackNeverReachesCoordinator(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.SetMetaCallbacks(nil, func(p raftpb.MetaCallbackParams, meta string) bool { return false }, nil, nil)

	req := &raftpb.RequestVoteRequest{raftpb.NewHeader(1, "candidate-1", s.ID, 0, 0, 0), false}
	resp, err := s.RequestVote(context.Background(), req)

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrMetaRejected)
	// s.requestVoteCh has no consumer in this unwired server; the call
	// returning at all proves it never reached the channel send.
}

func TestRequestVote_AcceptedByReadMetaCallbackReachesChannel(t *testing.T) {
	s := newUnwiredServer(t, DefaultConfig())
	s.SetMetaCallbacks(nil, func(p raftpb.MetaCallbackParams, meta string) bool { return true }, nil, nil)

	req := &raftpb.RequestVoteRequest{raftpb.NewHeader(1, "candidate-1", s.ID, 0, 0, 0), false}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, err := s.RequestVote(ctx, req)
		assert.ErrorIs(t, err, context.Canceled)
		close(done)
	}()

	call := <-s.requestVoteCh
	require.NotNil(t, call)
	cancel()
	<-done
}
