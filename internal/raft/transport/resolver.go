package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"raftcore/internal/raft/raftpb"
)

// idRegistry is a simple in-process registry mapping a ServerID to its
// current network address, so gRPC connections can be dialed by ID
// (surviving address changes across reconnects/joins) instead of a fixed
// address. Adapted from the teacher's grpc_raft_resolver.go.
type idRegistry struct {
	mu       sync.RWMutex
	records  map[raftpb.ServerID]string
	watchers map[raftpb.ServerID]map[*raftResolver]struct{}
}

var globalIDRegistry = &idRegistry{
	records:  make(map[raftpb.ServerID]string),
	watchers: make(map[raftpb.ServerID]map[*raftResolver]struct{}),
}

// RegisterPeerAddr sets/updates the address for id and notifies any
// resolvers currently watching it.
func RegisterPeerAddr(id raftpb.ServerID, addr string) {
	globalIDRegistry.mu.Lock()
	globalIDRegistry.records[id] = addr
	watchers := globalIDRegistry.watchers[id]
	globalIDRegistry.mu.Unlock()

	for w := range watchers {
		w.pushCurrent()
	}
}

const raftScheme = "raft"

type raftBuilder struct{}

func (raftBuilder) Scheme() string { return raftScheme }

func (raftBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := raftpb.ServerID(target.Endpoint())
	if id == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			id = raftpb.ServerID(p)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("raft resolver: empty target endpoint: %+v", target)
	}

	r := &raftResolver{id: id, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type raftResolver struct {
	id raftpb.ServerID
	cc resolver.ClientConn
}

func (r *raftResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *raftResolver) Close() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	if set, ok := globalIDRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalIDRegistry.watchers, r.id)
		}
	}
}

func (r *raftResolver) subscribe() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	set := globalIDRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*raftResolver]struct{})
		globalIDRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *raftResolver) pushCurrent() {
	globalIDRegistry.mu.RLock()
	addr, ok := globalIDRegistry.records[r.id]
	globalIDRegistry.mu.RUnlock()

	if !ok || addr == "" {
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}

	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}

func init() {
	resolver.Register(raftBuilder{})
}
