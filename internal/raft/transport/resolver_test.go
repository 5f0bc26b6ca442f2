package transport

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"

	"raftcore/internal/raft/raftpb"
)

func resetRegistry() {
	globalIDRegistry.mu.Lock()
	globalIDRegistry.records = make(map[raftpb.ServerID]string)
	globalIDRegistry.watchers = make(map[raftpb.ServerID]map[*raftResolver]struct{})
	globalIDRegistry.mu.Unlock()
}

func TestRaftBuilder_Scheme(t *testing.T) {
	builder := raftBuilder{}
	assert.Equal(t, "raft", builder.Scheme())
}

func TestRegisterPeerAddr(t *testing.T) {
	resetRegistry()

	t.Run("registers peer address", func(t *testing.T) {
		id := raftpb.ServerID("test-server-1")
		addr := "localhost:5001"

		RegisterPeerAddr(id, addr)

		globalIDRegistry.mu.RLock()
		got, ok := globalIDRegistry.records[id]
		globalIDRegistry.mu.RUnlock()

		assert.True(t, ok)
		assert.Equal(t, addr, got)
	})

	t.Run("updates existing peer address", func(t *testing.T) {
		id := raftpb.ServerID("test-server-2")

		RegisterPeerAddr(id, "localhost:5002")
		RegisterPeerAddr(id, "localhost:5003")

		globalIDRegistry.mu.RLock()
		got := globalIDRegistry.records[id]
		globalIDRegistry.mu.RUnlock()

		assert.Equal(t, "localhost:5003", got)
	})
}

func TestRaftResolver_Build(t *testing.T) {
	resetRegistry()
	builder := raftBuilder{}

	t.Run("builds resolver with endpoint in target", func(t *testing.T) {
		target := resolver.Target{URL: url.URL{Scheme: "raft", Path: "/test-server-1"}}
		cc := &mockClientConn{}

		res, err := builder.Build(target, cc, resolver.BuildOptions{})
		assert.NoError(t, err)
		assert.NotNil(t, res)
		res.Close()
	})

	t.Run("returns error for empty endpoint", func(t *testing.T) {
		target := resolver.Target{URL: url.URL{Scheme: "raft", Path: ""}}
		cc := &mockClientConn{}

		_, err := builder.Build(target, cc, resolver.BuildOptions{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "empty target endpoint")
	})
}

func TestRaftResolver_ResolveNow(t *testing.T) {
	resetRegistry()

	id := raftpb.ServerID("resolve-test")
	RegisterPeerAddr(id, "localhost:6001")

	builder := raftBuilder{}
	target := resolver.Target{URL: url.URL{Scheme: "raft", Path: "/" + string(id)}}

	cc := &mockClientConn{}
	res, err := builder.Build(target, cc, resolver.BuildOptions{})
	assert.NoError(t, err)

	res.ResolveNow(resolver.ResolveNowOptions{})

	assert.Len(t, cc.states, 2)
	res.Close()
}

func TestRaftResolver_Close(t *testing.T) {
	resetRegistry()

	id := raftpb.ServerID("close-test")
	RegisterPeerAddr(id, "localhost:7001")

	builder := raftBuilder{}
	target := resolver.Target{URL: url.URL{Scheme: "raft", Path: "/" + string(id)}}

	cc := &mockClientConn{}
	res, err := builder.Build(target, cc, resolver.BuildOptions{})
	assert.NoError(t, err)

	globalIDRegistry.mu.RLock()
	watchers := globalIDRegistry.watchers[id]
	globalIDRegistry.mu.RUnlock()
	assert.Len(t, watchers, 1)

	res.Close()

	globalIDRegistry.mu.RLock()
	watchers = globalIDRegistry.watchers[id]
	globalIDRegistry.mu.RUnlock()
	assert.Len(t, watchers, 0)
}

func TestRaftResolver_PushCurrent(t *testing.T) {
	resetRegistry()

	t.Run("pushes address when available", func(t *testing.T) {
		id := raftpb.ServerID("push-test-1")
		addr := "localhost:8001"
		RegisterPeerAddr(id, addr)

		builder := raftBuilder{}
		target := resolver.Target{URL: url.URL{Scheme: "raft", Path: "/" + string(id)}}

		cc := &mockClientConn{}
		res, err := builder.Build(target, cc, resolver.BuildOptions{})
		assert.NoError(t, err)
		defer res.Close()

		assert.NotEmpty(t, cc.states)
		lastState := cc.states[len(cc.states)-1]
		assert.Len(t, lastState.Addresses, 1)
		assert.Equal(t, addr, lastState.Addresses[0].Addr)
	})

	t.Run("pushes empty when address not available", func(t *testing.T) {
		id := raftpb.ServerID("push-test-2")

		builder := raftBuilder{}
		target := resolver.Target{URL: url.URL{Scheme: "raft", Path: "/" + string(id)}}

		cc := &mockClientConn{}
		res, err := builder.Build(target, cc, resolver.BuildOptions{})
		assert.NoError(t, err)
		defer res.Close()

		assert.NotEmpty(t, cc.states)
		lastState := cc.states[len(cc.states)-1]
		assert.Len(t, lastState.Addresses, 0)
	})
}

func TestRaftResolver_UpdateOnRegister(t *testing.T) {
	resetRegistry()

	id := raftpb.ServerID("update-test")

	builder := raftBuilder{}
	target := resolver.Target{URL: url.URL{Scheme: "raft", Path: "/" + string(id)}}

	cc := &mockClientConn{}
	res, err := builder.Build(target, cc, resolver.BuildOptions{})
	assert.NoError(t, err)
	defer res.Close()

	initialStates := len(cc.states)

	RegisterPeerAddr(id, "localhost:9001")

	assert.Greater(t, len(cc.states), initialStates)
}

type mockClientConn struct {
	states []resolver.State
}

func (m *mockClientConn) UpdateState(s resolver.State) error {
	m.states = append(m.states, s)
	return nil
}

func (m *mockClientConn) ReportError(err error) {}

func (m *mockClientConn) NewAddress(addresses []resolver.Address) {}

func (m *mockClientConn) NewServiceConfig(serviceConfig string) {}

func (m *mockClientConn) ParseServiceConfig(serviceConfigJSON string) *serviceconfig.ParseResult {
	return &serviceconfig.ParseResult{}
}
