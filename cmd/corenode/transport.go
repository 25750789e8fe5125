package main

import (
	"context"

	"github.com/flowmesh/core/errcode"
	"github.com/flowmesh/core/raft"
)

// peerTransport fans a single raft.Transport call out to the
// RemotePeerClient bound to the addressed peer. Each client owns its own
// lazily-connected session, so a slow/partitioned peer never blocks calls
// to the others.
type peerTransport struct {
	clients map[raft.PeerID]*raft.RemotePeerClient
}

func newPeerTransport(clients map[raft.PeerID]*raft.RemotePeerClient) *peerTransport {
	return &peerTransport{clients: clients}
}

func (t *peerTransport) client(peer raft.PeerID) (*raft.RemotePeerClient, error) {
	c, ok := t.clients[peer]
	if !ok {
		return nil, errcode.New(errcode.Locator, errcode.ServiceNotAvailable, "no client configured for peer "+string(peer))
	}
	return c, nil
}

func (t *peerTransport) RequestVote(ctx context.Context, peer raft.PeerID, req raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	c, err := t.client(peer)
	if err != nil {
		return raft.RequestVoteReply{}, err
	}
	return c.RequestVote(ctx, peer, req)
}

func (t *peerTransport) AppendEntries(ctx context.Context, peer raft.PeerID, req raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	c, err := t.client(peer)
	if err != nil {
		return raft.AppendEntriesReply{}, err
	}
	return c.AppendEntries(ctx, peer, req)
}

func (t *peerTransport) InstallSnapshot(ctx context.Context, peer raft.PeerID, req raft.InstallSnapshotArgs) (raft.InstallSnapshotReply, error) {
	c, err := t.client(peer)
	if err != nil {
		return raft.InstallSnapshotReply{}, err
	}
	return c.InstallSnapshot(ctx, peer, req)
}
