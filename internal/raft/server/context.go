package server

import (
	"context"

	"raftcore/internal"
	"raftcore/internal/raft/raftpb"
)

var (
	serverCurrTerm = internal.NewCtxKey[raftpb.Term]("currTerm")
	serverID       = internal.NewCtxKey[ServerID]("serverID")
	serverAddr     = internal.NewCtxKey[string]("serverAddr")
)

func SetServerCurrTerm(ctx context.Context, currTerm raftpb.Term) context.Context {
	return internal.SetCtxKey(ctx, serverCurrTerm, currTerm)
}

func GetServerCurrTerm(ctx context.Context) (raftpb.Term, bool) {
	return internal.GetCtxKey(ctx, serverCurrTerm)
}

func SetServerID(ctx context.Context, id ServerID) context.Context {
	return internal.SetCtxKey(ctx, serverID, id)
}

func GetServerID(ctx context.Context) (ServerID, bool) {
	return internal.GetCtxKey(ctx, serverID)
}

func SetServerAddr(ctx context.Context, addr string) context.Context {
	return internal.SetCtxKey(ctx, serverAddr, addr)
}

func GetServerAddr(ctx context.Context) (string, bool) {
	return internal.GetCtxKey(ctx, serverAddr)
}
