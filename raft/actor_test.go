package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/errcode"
)

// fakeTransport routes RPCs directly between in-process Actors, standing
// in for RemotePeerClient/network I/O so these tests exercise only the
// consensus state machine (spec §8 "Raft safety" scenarios).
type fakeTransport struct {
	mu      sync.RWMutex
	actors  map[PeerID]*Actor
	cutOff  map[PeerID]bool // peers whose RPCs, in either direction, fail as if partitioned away
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{actors: make(map[PeerID]*Actor), cutOff: make(map[PeerID]bool)}
}

func (f *fakeTransport) register(id PeerID, a *Actor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors[id] = a
}

func (f *fakeTransport) partition(id PeerID, cut bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutOff[id] = cut
}

func (f *fakeTransport) target(from, to PeerID) (*Actor, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.cutOff[from] || f.cutOff[to] {
		return nil, false
	}
	a, ok := f.actors[to]
	return a, ok
}

func (f *fakeTransport) RequestVote(_ context.Context, peer PeerID, req RequestVoteArgs) (RequestVoteReply, error) {
	a, ok := f.target(req.CandidateID, peer)
	if !ok {
		return RequestVoteReply{}, errTestUnreachable
	}
	return a.HandleRequestVote(req), nil
}

func (f *fakeTransport) AppendEntries(_ context.Context, peer PeerID, req AppendEntriesArgs) (AppendEntriesReply, error) {
	a, ok := f.target(req.LeaderID, peer)
	if !ok {
		return AppendEntriesReply{}, errTestUnreachable
	}
	return a.HandleAppendEntries(req), nil
}

func (f *fakeTransport) InstallSnapshot(_ context.Context, peer PeerID, req InstallSnapshotArgs) (InstallSnapshotReply, error) {
	a, ok := f.target(req.LeaderID, peer)
	if !ok {
		return InstallSnapshotReply{}, errTestUnreachable
	}
	return a.HandleInstallSnapshot(req), nil
}

var errTestUnreachable = &sentinelErr{"peer unreachable"}

// memStateMachine is a trivial append-only state machine for tests.
type memStateMachine struct {
	mu      sync.Mutex
	applied [][]byte
}

func (m *memStateMachine) Apply(command []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, command)
	return command, nil
}

func (m *memStateMachine) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []byte{byte(len(m.applied))}, nil
}

func (m *memStateMachine) Restore([]byte, uint64, uint64) error { return nil }

func (m *memStateMachine) appliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func testOptions() Options {
	return Options{
		ElectionTimeout:   20 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Millisecond,
		MessageSize:       16,
		SnapshotThreshold: 1000,
	}
}

func newTestCluster(t *testing.T, ids []PeerID) (*fakeTransport, map[PeerID]*Actor, map[PeerID]*memStateMachine) {
	t.Helper()
	transport := newFakeTransport()
	actors := make(map[PeerID]*Actor, len(ids))
	machines := make(map[PeerID]*memStateMachine, len(ids))

	for _, id := range ids {
		peers := make([]PeerID, 0, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		m := &memStateMachine{}
		a := New(id, peers, m, transport, testOptions())
		actors[id] = a
		machines[id] = m
		transport.register(id, a)
	}
	return transport, actors, machines
}

func waitForLeader(t *testing.T, actors map[PeerID]*Actor, timeout time.Duration) *Actor {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, a := range actors {
			if a.RoleState() == Leader {
				return a
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no leader elected before deadline")
	return nil
}

func TestElectionConvergesToSingleLeader(t *testing.T) {
	ids := []PeerID{"a", "b", "c"}
	_, actors, _ := newTestCluster(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, a := range actors {
		go a.Run(ctx)
	}

	leader := waitForLeader(t, actors, 2*time.Second)

	leaders := 0
	term := leader.CurrentTerm()
	for _, a := range actors {
		if a.RoleState() == Leader {
			leaders++
		}
		require.Equal(t, term, a.CurrentTerm(), "all peers should converge on the leader's term")
	}
	require.Equal(t, 1, leaders)
}

func TestCommandCommitsAndApplies(t *testing.T) {
	ids := []PeerID{"a", "b", "c"}
	_, actors, machines := newTestCluster(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, a := range actors {
		go a.Run(ctx)
	}

	leader := waitForLeader(t, actors, 2*time.Second)

	var result []byte
	var callErr error
	done := make(chan struct{})
	leader.Call([]byte("set x=1"), func(r []byte, err error) {
		result, callErr = r, err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never completed")
	}

	require.NoError(t, callErr)
	require.Equal(t, []byte("set x=1"), result)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if machines[leader.self].appliedCount() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, machines[leader.self].appliedCount())
}

func TestNonLeaderRejectsCallWithLeaderHint(t *testing.T) {
	ids := []PeerID{"a", "b", "c"}
	_, actors, _ := newTestCluster(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, a := range actors {
		go a.Run(ctx)
	}

	leader := waitForLeader(t, actors, 2*time.Second)

	var follower *Actor
	for _, a := range actors {
		if a != leader {
			follower = a
			break
		}
	}
	require.NotNil(t, follower)

	// The follower learns the leader from its first AppendEntries.
	var hint PeerID
	var hinted bool
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hint, hinted = follower.LeaderHint(); hinted {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, hinted, "follower should learn the leader before the call")

	done := make(chan struct{})
	var callErr error
	follower.Call([]byte("x"), func(_ []byte, err error) {
		callErr = err
		close(done)
	})
	<-done
	require.Error(t, callErr)
	var ce *errcode.Error
	require.ErrorAs(t, callErr, &ce)
	require.Equal(t, errcode.NotLeader, ce.Code)
	require.Equal(t, string(hint), ce.Hint)
}

func TestStaleLeaderStepsDownOnHigherTerm(t *testing.T) {
	ids := []PeerID{"a", "b", "c"}
	transport, actors, _ := newTestCluster(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, a := range actors {
		go a.Run(ctx)
	}

	leader := waitForLeader(t, actors, 2*time.Second)
	originalTerm := leader.CurrentTerm()

	// Partition the leader away, forcing the remaining two to elect a new
	// leader at a higher term, then reconnect it.
	transport.partition(leader.self, true)

	var newLeader *Actor
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, a := range actors {
			if a != leader && a.RoleState() == Leader && a.CurrentTerm() > originalTerm {
				newLeader = a
			}
		}
		if newLeader != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, newLeader, "remaining peers should elect a new leader at a higher term")

	transport.partition(leader.self, false)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leader.RoleState() == Follower && leader.CurrentTerm() >= newLeader.CurrentTerm() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, Follower, leader.RoleState())
	require.GreaterOrEqual(t, leader.CurrentTerm(), newLeader.CurrentTerm())
}
