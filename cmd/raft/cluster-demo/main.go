// Command cluster-demo stands up a small in-process cluster over real
// gRPC connections (each member still listens on its own localhost port)
// and walks through leader election, log replication, a membership
// change, and a leadership transfer, printing progress the way the
// original per-binary demos did.
package main

import (
	"fmt"
	"os"
	"time"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/raftpb"
	"raftcore/internal/raft/server"
	"raftcore/internal/raft/statemachine"
	"raftcore/internal/raft/storage"
)

const basePort = 51000

func main() {
	fmt.Println("========================================")
	fmt.Println("Raft cluster demo")
	fmt.Println("========================================")

	dataDir, err := os.MkdirTemp("", "raftcore-cluster-demo-*")
	if err != nil {
		fmt.Printf("failed to create temp data dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dataDir)

	nodes := bootstrapCluster(dataDir, 3)
	defer func() {
		for _, n := range nodes {
			n.srv.ForceShutdown()
			n.store.Close()
		}
	}()

	fmt.Println("\nwaiting for a leader to be elected...")
	leader := awaitLeader(nodes, 5*time.Second)
	if leader == nil {
		fmt.Println("no leader elected, aborting")
		os.Exit(1)
	}
	fmt.Printf("leader elected: %s (term %d)\n", leader.srv.ID, leader.srv.CurrentTerm())

	fmt.Println("\nsubmitting commands to the leader...")
	for _, cmd := range []string{"SET name=Alice", "SET city=Sofia", "SET language=Go"} {
		idx, err := leader.srv.Submit([]byte(cmd))
		if err != nil {
			fmt.Printf("  submit %q failed: %v\n", cmd, err)
			continue
		}
		fmt.Printf("  %q committed at index %d\n", cmd, idx)
	}

	fmt.Println("\nwaiting for followers to catch up...")
	time.Sleep(300 * time.Millisecond)
	for _, n := range nodes {
		sm := n.sm
		fmt.Printf("  %s: lastApplied=%d store=%v\n", n.srv.ID, sm.LastCommitIndex(), sm.Dump())
	}

	fmt.Println("\nadding a fourth member to the cluster...")
	joiner := newNode(dataDir, "node-4", basePort+3)
	if status, err := leader.srv.AddServer(raftpb.ServerDescriptor{ID: joiner.srv.ID, Endpoint: joiner.addr, Priority: 1}); err != nil {
		fmt.Printf("  AddServer failed: %v (status=%v)\n", err, status)
	} else {
		fmt.Printf("  node-4 added, status=%v\n", status)
	}
	nodes = append(nodes, joiner)
	defer func() {
		joiner.srv.ForceShutdown()
		joiner.store.Close()
	}()

	fmt.Println("\ntransferring leadership away from the current leader...")
	var successor *node
	for _, n := range nodes {
		if n.srv.ID != leader.srv.ID {
			successor = n
			break
		}
	}
	if successor != nil {
		if err := leader.srv.TransferLeadership(successor.srv.ID); err != nil {
			fmt.Printf("  transfer failed: %v\n", err)
		} else {
			fmt.Printf("  leadership transferred toward %s\n", successor.srv.ID)
		}
	}

	time.Sleep(300 * time.Millisecond)
	fmt.Println("\nfinal roles:")
	for _, n := range nodes {
		fmt.Printf("  %s: role=%s term=%d\n", n.srv.ID, n.srv.Role(), n.srv.CurrentTerm())
	}

	report := leader.metrics.GetReport(len(nodes))
	report.PrintReport()
	reportPath := fmt.Sprintf("%s/leader-report.json", dataDir)
	if err := report.SaveJSON(reportPath); err != nil {
		fmt.Printf("\nfailed to save metrics report: %v\n", err)
	} else {
		fmt.Printf("\nmetrics report written to %s\n", reportPath)
	}

	fmt.Println("\ndemo complete")
}

type node struct {
	srv     *server.Server
	store   *storage.BboltStore
	sm      *statemachine.KVStateMachine
	metrics *metrics.Metrics
	addr    string
}

func newNode(dataDir, id string, port int) *node {
	dbPath := fmt.Sprintf("%s/%s.db", dataDir, id)
	store, err := storage.NewBboltStore(dbPath)
	if err != nil {
		fmt.Printf("failed to open storage for %s: %v\n", id, err)
		os.Exit(1)
	}

	cfg := server.DefaultConfig()
	cfg.ElectionTimeoutLower = 150 * time.Millisecond
	cfg.ElectionTimeoutUpper = 300 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond

	pubSub := pubsub.NewPubSub()
	sm := statemachine.NewKVStateMachine(id)
	nodeMetrics := metrics.NewMetrics()
	srv := server.NewServer(cfg, store, store, sm, nodeMetrics, pubSub)
	srv.ID = server.ServerID(id)

	addr := fmt.Sprintf("localhost:%d", port)
	go func() {
		if err := srv.StartServer(port); err != nil {
			fmt.Printf("[%s] server exited: %v\n", id, err)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	return &node{srv: srv, store: store, sm: sm, metrics: nodeMetrics, addr: addr}
}

func bootstrapCluster(dataDir string, n int) []*node {
	nodes := make([]*node, n)
	descs := make([]raftpb.ServerDescriptor, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node-%d", i+1)
		nodes[i] = newNode(dataDir, id, basePort+i)
		descs[i] = raftpb.ServerDescriptor{ID: nodes[i].srv.ID, Endpoint: nodes[i].addr, Priority: 1}
	}
	cfg := raftpb.ClusterConfig{Servers: descs}
	for _, n := range nodes {
		n.srv.Bootstrap(cfg)
	}
	return nodes
}

func awaitLeader(nodes []*node, timeout time.Duration) *node {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.srv.Role() == server.RoleLeader {
				return n
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}
