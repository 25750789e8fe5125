// Command corenode runs one member of a replicated core cluster: a Raft
// actor over a replicated key-value store, reachable from its peers over
// the session/frame wire protocol (spec §1 "Purpose & Scope").
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/core/locator"
	"github.com/flowmesh/core/raft"
	"github.com/flowmesh/core/session"
)

func main() {
	configPath := flag.String("config", "corenode.toml", "path to node TOML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "corenode:", err)
		os.Exit(1)
	}

	instanceID := uuid.New().String()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "corenode",
		Level: hclog.LevelFromString(cfg.LogLevel),
	}).With("instance", instanceID)

	if err := setupMetrics(cfg.NodeID); err != nil {
		logger.Error("metrics setup failed", "error", err)
	}

	selfID := raft.PeerID(cfg.NodeID)
	peerIDs := make([]raft.PeerID, 0, len(cfg.Peers))
	staticEndpoints := make(map[string][]locator.Endpoint, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerIDs = append(peerIDs, raft.PeerID(p.ID))
		staticEndpoints[p.ID] = []locator.Endpoint{{IP: p.Host, Port: p.Port}}
	}
	locClient := &locator.Static{Endpoints: staticEndpoints}

	clients := make(map[raft.PeerID]*raft.RemotePeerClient, len(peerIDs))
	for _, p := range peerIDs {
		clients[p] = raft.NewRemotePeerClient(string(p), locClient, raft.TCPDialer, logger, cfg.Raft.reconnectInterval())
	}
	transport := newPeerTransport(clients)

	machine := NewKVStateMachine()

	opts := raft.Options{
		ElectionTimeout:   cfg.Raft.electionTimeout(),
		HeartbeatTimeout:  cfg.Raft.heartbeatTimeout(),
		MessageSize:       cfg.Raft.MessageSize,
		SnapshotThreshold: cfg.Raft.SnapshotThreshold,
		Logger:            logger,
	}
	actor := raft.New(selfID, peerIDs, machine, transport, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("listen failed", "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", cfg.Listen, "node_id", cfg.NodeID)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		actor.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		acceptLoop(groupCtx, ln, actor, logger)
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		_ = ln.Close()
	}()

	_ = group.Wait()
}

// acceptLoop accepts inbound peer connections and installs the Raft wire
// dispatch (rpc.go's Dispatch) as each one's session prototype.
func acceptLoop(ctx context.Context, ln net.Listener, actor *raft.Actor, logger hclog.Logger) {
	dispatch := raft.NewDispatch(actor)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Warn("accept failed", "error", err)
			return
		}

		sess := session.New(conn, dispatch, session.Config{Logger: logger, Metric: metricsSink{}})
		go func() {
			if err := sess.Run(ctx); err != nil {
				logger.Debug("peer session ended", "error", err)
			}
		}()
	}
}
