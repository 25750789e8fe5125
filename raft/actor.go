// Package raft implements the single-partition replicated log and
// state-machine runner: leader election, log replication, snapshot
// install, and commit-driven application (spec §4.6). The actor is itself
// a dispatch implementation (see Dispatch in rpc.go) that additionally
// runs two background cooperative tasks, the applier and the replicator.
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flowmesh/core/errcode"
)

// Role is one of the three consensus roles (spec §3 "Raft actor state").
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// PeerID identifies a cluster member.
type PeerID string

// StateMachine is the deterministic function that consumes committed
// commands and produces results and snapshots (spec glossary).
type StateMachine interface {
	Apply(command []byte) (result []byte, err error)
	Snapshot() ([]byte, error)
	Restore(snapshot []byte, index, term uint64) error
}

// Transport issues the three Raft RPCs to a named peer. RemotePeerClient
// implements this over the session/frame stack (remote.go); tests use an
// in-memory fake.
type Transport interface {
	RequestVote(ctx context.Context, peer PeerID, req RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, peer PeerID, req AppendEntriesArgs) (AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, peer PeerID, req InstallSnapshotArgs) (InstallSnapshotReply, error)
}

// Options configures timing and batch sizes (spec §5 "Resource budgets").
type Options struct {
	ElectionTimeout   time.Duration
	HeartbeatTimeout  time.Duration
	MessageSize       int
	SnapshotThreshold uint64
	Logger            hclog.Logger
}

func (o *Options) setDefaults() {
	if o.ElectionTimeout == 0 {
		o.ElectionTimeout = 150 * time.Millisecond
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 50 * time.Millisecond
	}
	if o.MessageSize == 0 {
		o.MessageSize = 64
	}
	if o.SnapshotThreshold == 0 {
		o.SnapshotThreshold = 1000
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

// pendingSnapshot is a state-machine snapshot taken ahead of the log's
// actual truncation point (spec §4.6 "Applier").
type pendingSnapshot struct {
	index, term uint64
	data        []byte
}

// Actor is the consensus role/state/runner for a single replicated state
// machine (spec glossary). Run drives timers, the applier and the
// replicator from one goroutine; the Handle* RPC methods, Call, and the
// RPC reply handlers mutate state directly on the goroutine that invokes
// them. All of these serialize through mu; mutations are not funneled
// through Run.
type Actor struct {
	mu sync.Mutex

	self  PeerID
	peers map[PeerID]*RemotePeer

	role        Role
	currentTerm uint64
	votedFor    *PeerID

	log     *Log
	machine StateMachine

	commitIndex uint64
	lastApplied uint64
	leaderHint  *PeerID

	pending *pendingSnapshot

	transport Transport
	opts      Options
	log_      hclog.Logger // logger; named log_ to not shadow the Log field's usual name

	rng *rand.Rand

	electionDeadline time.Time
	notifyCh         chan struct{} // wakes run() on any externally-triggered event
	applyCh          chan struct{}
	replicateCh      chan struct{}
	stopCh           chan struct{}
	stopped          bool
}

// New creates an actor for peer id among the given peer set, with a fresh
// empty in-memory Log. New takes no log argument, so another log
// implementation cannot be supplied.
func New(self PeerID, peerIDs []PeerID, machine StateMachine, transport Transport, opts Options) *Actor {
	opts.setDefaults()

	a := &Actor{
		self:      self,
		peers:     make(map[PeerID]*RemotePeer, len(peerIDs)),
		role:      Follower,
		log:       NewLog(),
		machine:   machine,
		transport: transport,
		opts:      opts,
		log_:      opts.Logger.Named("raft"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(hashPeer(self)))),
		notifyCh:  make(chan struct{}, 1),
		applyCh:   make(chan struct{}, 1),
		replicateCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, p := range peerIDs {
		a.peers[p] = &RemotePeer{ID: p}
	}

	// Bootstrap: a fresh log already has its snapshot boundary at index
	// 0/term 0, so commit_index/last_applied start at a valid zero value.
	// No Nop entry is pushed. SetSnapshot ignores an index that is not above
	// the current boundary, so this call leaves the log and its (empty)
	// snapshot bytes unchanged.
	if a.log.LastIndex() == 0 {
		snap, err := a.machine.Snapshot()
		if err == nil {
			a.log.SetSnapshot(0, 0, snap)
		}
	}

	return a
}

// Run drives the actor's single reactor until ctx is cancelled. It must be
// invoked from exactly one goroutine.
func (a *Actor) Run(ctx context.Context) {
	a.resetElectionDeadline()

	ticker := time.NewTicker(a.opts.HeartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.tick()
		case <-a.notifyCh:
			// state mutated externally (e.g. a vote/append reply); loop
			// around to re-check timers/commit state.
		case <-a.applyCh:
			a.runApplier()
		case <-a.replicateCh:
			a.runReplicator()
		}
	}
}

func (a *Actor) shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	close(a.stopCh)
}

func (a *Actor) tick() {
	a.mu.Lock()
	role := a.role
	expired := time.Now().After(a.electionDeadline)
	a.mu.Unlock()

	switch role {
	case Follower, Candidate:
		if expired {
			a.startElection()
		}
	case Leader:
		a.kickReplicate()
	}
}

func (a *Actor) resetElectionDeadline() {
	a.mu.Lock()
	a.resetElectionDeadlineLocked()
	a.mu.Unlock()
}

// resetElectionDeadlineLocked draws a fresh deadline uniformly from
// [election_timeout, 2*election_timeout], per spec §4.6 "Election", to
// avoid synchronized contention between peers. Caller must hold a.mu.
func (a *Actor) resetElectionDeadlineLocked() {
	d := a.opts.ElectionTimeout + time.Duration(a.rng.Int63n(int64(a.opts.ElectionTimeout)))
	a.electionDeadline = time.Now().Add(d)
}

func (a *Actor) notify() {
	select {
	case a.notifyCh <- struct{}{}:
	default:
	}
}

func (a *Actor) kickApply() {
	select {
	case a.applyCh <- struct{}{}:
	default:
	}
}

func (a *Actor) kickReplicate() {
	select {
	case a.replicateCh <- struct{}{}:
	default:
	}
}

// stepDown transitions to Follower on observing a higher term, clearing
// leader-only state and failing uncommitted entries (spec §4.6 role table,
// row "Observe term > current_term" and "Discover higher term ... Leader").
// Caller must hold a.mu.
func (a *Actor) stepDownLocked(term uint64) {
	wasLeader := a.role == Leader
	a.currentTerm = term
	a.votedFor = nil
	a.role = Follower
	a.leaderHint = nil

	if wasLeader {
		uncommitted := a.log.Slice(a.commitIndex+1, a.log.LastIndex()+1)
		for _, e := range uncommitted {
			e.Notify(nil, errcode.New(errcode.Raft, errcode.UnknownResult, "leadership lost before commit"))
		}
	}
}

// LeaderHint reports the last known leader, for client redirects.
func (a *Actor) LeaderHint() (PeerID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leaderHint == nil {
		return "", false
	}
	return *a.leaderHint, true
}

// CurrentTerm, Role, CommitIndex, LastApplied expose read-only actor state
// for observability and tests.
func (a *Actor) CurrentTerm() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTerm
}

func (a *Actor) RoleState() Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

func (a *Actor) CommitIndex() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commitIndex
}

func (a *Actor) LastApplied() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastApplied
}

// Call is the client call path (spec §4.6 "Client call path"): pushes a
// command entry if this actor is the leader, synchronously fails with
// NotLeader otherwise.
func (a *Actor) Call(command []byte, cont Continuation) {
	a.mu.Lock()
	if a.role != Leader {
		hint := a.leaderHint
		a.mu.Unlock()
		if hint == nil {
			cont(nil, errcode.New(errcode.Raft, errcode.NotLeader, "not leader"))
			return
		}
		cont(nil, errcode.NewWithHint(errcode.Raft, errcode.NotLeader, fmt.Sprintf("not leader, try %s", *hint), string(*hint)))
		return
	}
	term := a.currentTerm
	e := a.log.Push(term, Command(command))
	e.Bind(cont)
	a.mu.Unlock()

	a.kickReplicate()
}

func hashPeer(p PeerID) int {
	h := 0
	for _, c := range []byte(p) {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
