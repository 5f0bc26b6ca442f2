// Command single-server runs one node of a statically-configured Raft
// cluster: every process is started with the full peer list up front and
// bootstraps the same ClusterConfig, rather than joining by RPC (§4.4 of
// SPEC_FULL.md: AddServer/RemoveServer are a library-level control-plane
// API driven by the coordination goroutine, not a client-facing RPC).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/raftpb"
	"raftcore/internal/raft/server"
	"raftcore/internal/raft/statemachine"
	"raftcore/internal/raft/storage"
)

func main() {
	id := flag.String("id", "", "this server's ID (must also appear in -peers)")
	port := flag.Int("port", 50051, "port to listen on")
	peersFlag := flag.String("peers", "", "comma-separated id=host:port pairs for every cluster member, including this one")
	dataDir := flag.String("data-dir", "./data", "directory for this server's BBolt database")
	flag.Parse()

	if *id == "" {
		log.Fatal("missing required -id flag")
	}
	descs, err := parsePeers(*peersFlag)
	if err != nil {
		log.Fatalf("invalid -peers: %v", err)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}
	dbPath := filepath.Join(*dataDir, fmt.Sprintf("%s.db", *id))
	store, err := storage.NewBboltStore(dbPath)
	if err != nil {
		log.Fatalf("failed to open storage at %s: %v", dbPath, err)
	}

	cfg := server.DefaultConfig()
	pubSub := pubsub.NewPubSub()
	sm := statemachine.NewKVStateMachine(*id)
	srv := server.NewServer(cfg, store, store, sm, metrics.NewMetrics(), pubSub)
	srv.ID = server.ServerID(*id)

	srv.Bootstrap(raftpb.ClusterConfig{Servers: descs})

	log.Printf("[%s] bootstrapped with %d-member configuration, listening on port %d", srv.ID, len(descs), *port)

	go func() {
		if err := srv.StartServer(*port); err != nil {
			log.Fatalf("server exited: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("[%s] shutting down", srv.ID)
	srv.GracefulShutdown()
	store.Close()
}

// parsePeers turns "a=host:1,b=host:2" into ServerDescriptors; priority
// defaults equally for every member since nothing on the command line
// distinguishes them.
func parsePeers(raw string) ([]raftpb.ServerDescriptor, error) {
	if raw == "" {
		return nil, fmt.Errorf("at least one peer (including self) is required")
	}
	var descs []raftpb.ServerDescriptor
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("malformed peer entry %q, want id=host:port", part)
		}
		descs = append(descs, raftpb.ServerDescriptor{ID: raftpb.ServerID(kv[0]), Endpoint: kv[1], Priority: 1})
	}
	return descs, nil
}
