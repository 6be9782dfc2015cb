// Command dare-node runs one member of a DARE cluster: it wires together
// the gRPC datagram transport, the TCP-emulated RMA transport, a pluggable
// state machine backend, and the replication core in package server, the
// same assembly job the teacher's cmd/kv does for its own Raft server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/server"
	"github.com/mpoke/dare-go/sm"
	"github.com/mpoke/dare-go/sm/fsadapter"
	"github.com/mpoke/dare-go/sm/kvs"
	"github.com/mpoke/dare-go/sm/null"
	"github.com/mpoke/dare-go/transport"
	"github.com/mpoke/dare-go/transport/grpcdg"
	"github.com/mpoke/dare-go/transport/rma"
)

func main() {
	var (
		id        = flag.String("id", "", "this server's id, must match one entry in -peers")
		peersFlag = flag.String("peers", "", "comma-separated peer list: index:id:datagram_addr:rma_addr[;...]")
		smKind    = flag.String("sm", "kvs", "state machine backend: null, kvs, or fs")
		fsDir     = flag.String("fs-dir", "", "backing directory for -sm=fs")
		logSize   = flag.Uint64("log-size", 64<<20, "replicated log buffer size in bytes")
	)
	flag.Parse()

	if *id == "" || *peersFlag == "" {
		fmt.Fprintln(os.Stderr, "dare-node: -id and -peers are required")
		os.Exit(2)
	}

	peers, rmaAddrs, err := parsePeers(*peersFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dare-node: %v\n", err)
		os.Exit(2)
	}

	self, ok := findSelf(peers, *id)
	if !ok {
		fmt.Fprintf(os.Stderr, "dare-node: id %q not present in -peers\n", *id)
		os.Exit(2)
	}

	stateMachine, err := buildStateMachine(*smKind, *fsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dare-node: %v\n", err)
		os.Exit(2)
	}

	log, _ := zap.NewProduction()
	sugar := log.Sugar()

	// runID tags every log line for this process's lifetime, the same way
	// the teacher stamps each in-flight RPC with a generated object ID —
	// generalized here to one ID per process run rather than per RPC,
	// since DARE's RPCs are already correlated by (term, SSN).
	runID := uuid.New().String()
	sugar = sugar.With("run_id", runID)
	sugar.Infow("starting dare-node", "id", self.ID, "index", self.Index)

	dg, err := grpcdg.New(self.Endpoint, sugar, func() transport.PeerID { return transport.PeerID(self.Index) })
	if err != nil {
		fmt.Fprintf(os.Stderr, "dare-node: datagram transport: %v\n", err)
		os.Exit(1)
	}

	rmaAddr := rmaAddrs[self.Index]
	rt, err := rma.New(rmaAddr, sugar)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dare-node: rma transport: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(server.ServerCoreOptions{
		ID:           self.ID,
		Index:        self.Index,
		LogSize:      *logSize,
		StateMachine: stateMachine,
		Datagram:     dg,
		RMA:          rt,
		Peers:        peers,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dare-node: %v\n", err)
		os.Exit(1)
	}

	for _, p := range peers {
		if p.ID == self.ID {
			continue
		}
		if err := dg.Connect(p); err != nil {
			sugar.Warnw("dare-node: could not connect datagram channel to peer", "peer", p.ID, "error", err)
		}
		if err := rt.Connect(transport.PeerID(p.Index), rmaAddrs[p.Index]); err != nil {
			sugar.Warnw("dare-node: could not connect rma channel to peer", "peer", p.ID, "error", err)
		}
	}

	go awaitTerminalSignal(srv)

	if err := srv.Serve(); err != nil && err != context.Canceled {
		sugar.Errorw("dare-node: server exited with error", "error", err)
		os.Exit(1)
	}
}

func buildStateMachine(kind, fsDir string) (sm.StateMachine, error) {
	switch kind {
	case "null":
		return null.New(), nil
	case "kvs":
		return kvs.New(), nil
	case "fs":
		if fsDir == "" {
			return nil, fmt.Errorf("-sm=fs requires -fs-dir")
		}
		return fsadapter.New(fsDir), nil
	default:
		return nil, fmt.Errorf("unknown -sm kind %q", kind)
	}
}

// parsePeers decodes "index:id:datagram_addr:rma_addr" entries separated
// by ';', where each address is a host:port pair. The datagram and RMA
// channels are distinct TCP listeners, so each peer carries both addresses
// rather than deriving one from the other.
func parsePeers(spec string) ([]pb.Peer, map[uint8]string, error) {
	var peers []pb.Peer
	rmaAddrs := map[uint8]string{}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ":")
		if len(fields) != 6 {
			return nil, nil, fmt.Errorf("malformed peer entry %q, want index:id:datagram_addr:rma_addr", entry)
		}
		idx, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed peer index %q: %w", fields[0], err)
		}
		peers = append(peers, pb.Peer{Index: uint8(idx), ID: fields[1], Endpoint: fields[2] + ":" + fields[3]})
		rmaAddrs[uint8(idx)] = fields[4] + ":" + fields[5]
	}
	return peers, rmaAddrs, nil
}

func findSelf(peers []pb.Peer, id string) (pb.Peer, bool) {
	for _, p := range peers {
		if p.ID == id {
			return p, true
		}
	}
	return pb.Peer{}, false
}

// awaitTerminalSignal shuts the server down cleanly on SIGINT/SIGTERM,
// the same terminal-signal handling the teacher's signal.go provides,
// adapted to call this package's Server.Shutdown instead.
func awaitTerminalSignal(srv *server.Server) {
	ch := terminalSignalCh()
	<-ch
	srv.Shutdown(nil)
	// Give in-flight RPCs a moment to drain before the process exits.
	time.Sleep(50 * time.Millisecond)
}
