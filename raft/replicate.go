package raft

import (
	"context"

	"github.com/flowmesh/core/errcode"
)

// RemotePeer tracks a leader's replication state for one cluster member
// (spec §3 "Remote peer"). NextIndex/MatchIndex drive the append-entries
// vs install-snapshot decision in runReplicator; InFlight prevents two
// concurrent RPCs to the same peer from racing each other's replies.
type RemotePeer struct {
	ID         PeerID
	NextIndex  uint64
	MatchIndex uint64
	InFlight   bool
}

// AppendEntriesArgs is the leader's replication/heartbeat RPC.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     PeerID
	PrevIndex    uint64
	PrevTerm     uint64
	Entries      []*Entry
	LeaderCommit uint64
}

// AppendEntriesReply is a follower's response.
type AppendEntriesReply struct {
	Term    uint64
	Success bool
}

// InstallSnapshotArgs transfers a state-machine snapshot and the log
// prefix it replaces, used when a follower has fallen behind the
// leader's snapshot boundary.
type InstallSnapshotArgs struct {
	Term          uint64
	LeaderID      PeerID
	SnapshotIndex uint64
	SnapshotTerm  uint64
	Data          []byte
	LeaderCommit  uint64
}

// InstallSnapshotReply is a follower's response.
type InstallSnapshotReply struct {
	Term    uint64
	Success bool
}

// runReplicator is the leader's per-tick replication pass: for every peer
// not already waiting on a reply, send either an install-snapshot (the
// peer has fallen behind the log's retained prefix) or an append-entries
// batch of up to MessageSize entries (spec §4.6 "Leader side per peer").
func (a *Actor) runReplicator() {
	a.mu.Lock()
	if a.role != Leader {
		a.mu.Unlock()
		return
	}
	term := a.currentTerm
	leaderCommit := a.commitIndex
	snapIndex := a.log.SnapshotIndex()
	snapTerm := a.log.SnapshotTerm()
	snapshot := a.log.Snapshot()

	type job struct {
		peer *RemotePeer
		ae   *AppendEntriesArgs
		is   *InstallSnapshotArgs
	}
	var jobs []job

	for _, p := range a.peers {
		if p.InFlight {
			continue
		}
		if p.NextIndex <= snapIndex {
			p.InFlight = true
			jobs = append(jobs, job{peer: p, is: &InstallSnapshotArgs{
				Term:          term,
				LeaderID:      a.self,
				SnapshotIndex: snapIndex,
				SnapshotTerm:  snapTerm,
				Data:          snapshot,
				LeaderCommit:  leaderCommit,
			}})
			continue
		}
		prevIndex := p.NextIndex - 1
		prevTerm, _ := a.log.TermAt(prevIndex)
		entries := a.log.Slice(p.NextIndex, p.NextIndex+uint64(a.opts.MessageSize))
		p.InFlight = true
		jobs = append(jobs, job{peer: p, ae: &AppendEntriesArgs{
			Term:         term,
			LeaderID:     a.self,
			PrevIndex:    prevIndex,
			PrevTerm:     prevTerm,
			Entries:      entries,
			LeaderCommit: leaderCommit,
		}})
	}
	a.mu.Unlock()

	for _, j := range jobs {
		j := j
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.opts.HeartbeatTimeout*4)
			defer cancel()

			if j.is != nil {
				reply, err := a.transport.InstallSnapshot(ctx, j.peer.ID, *j.is)
				a.handleInstallSnapshotReply(j.peer, *j.is, reply, err)
				return
			}
			reply, err := a.transport.AppendEntries(ctx, j.peer.ID, *j.ae)
			a.handleAppendEntriesReply(j.peer, *j.ae, reply, err)
		}()
	}
}

func (a *Actor) handleAppendEntriesReply(peer *RemotePeer, req AppendEntriesArgs, reply AppendEntriesReply, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	peer.InFlight = false

	if err != nil {
		return
	}
	if reply.Term > a.currentTerm {
		a.stepDownLocked(reply.Term)
		a.notify()
		return
	}
	if a.role != Leader || req.Term != a.currentTerm {
		return
	}

	if reply.Success {
		peer.MatchIndex = req.PrevIndex + uint64(len(req.Entries))
		peer.NextIndex = peer.MatchIndex + 1
		a.advanceCommitLocked()
		return
	}

	// Fast-ish backoff: decrement one index per rejection. The spec leaves
	// the exact backoff strategy open; this is the simplest correct one.
	if peer.NextIndex > 1 {
		peer.NextIndex--
	}
}

func (a *Actor) handleInstallSnapshotReply(peer *RemotePeer, req InstallSnapshotArgs, reply InstallSnapshotReply, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	peer.InFlight = false

	if err != nil {
		return
	}
	if reply.Term > a.currentTerm {
		a.stepDownLocked(reply.Term)
		a.notify()
		return
	}
	if !reply.Success {
		return
	}
	peer.MatchIndex = req.SnapshotIndex
	peer.NextIndex = req.SnapshotIndex + 1
	a.advanceCommitLocked()
}

// advanceCommitLocked recomputes commit_index as the median of match
// indices (including the leader's own last-log-index as its own match),
// gated to entries replicated during the current term (spec §4.6 "Commit
// rule", the Raft safety argument against committing a previous leader's
// uncommitted entry by count alone). Caller must hold a.mu.
func (a *Actor) advanceCommitLocked() {
	matches := make([]uint64, 0, len(a.peers)+1)
	matches = append(matches, a.log.LastIndex())
	for _, p := range a.peers {
		matches = append(matches, p.MatchIndex)
	}
	sortUint64s(matches)

	medianIdx := matches[(len(matches)-1)/2]
	if medianIdx <= a.commitIndex {
		return
	}
	term, ok := a.log.TermAt(medianIdx)
	if !ok || term != a.currentTerm {
		return
	}
	a.commitIndex = medianIdx
	a.kickApply()
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// HandleAppendEntries is the follower/candidate receiver side (spec §4.6
// steps 1-6): reject stale terms, verify the previous-entry match point
// (accounting for the snapshot boundary), truncate any conflicting
// suffix, append the new entries, and advance commit_index.
func (a *Actor) HandleAppendEntries(req AppendEntriesArgs) AppendEntriesReply {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Term < a.currentTerm {
		return AppendEntriesReply{Term: a.currentTerm, Success: false}
	}
	if req.Term > a.currentTerm {
		a.stepDownLocked(req.Term)
	} else if a.role == Candidate {
		// Same-term leader: give up the candidacy but keep this term's vote.
		a.role = Follower
	}
	leader := req.LeaderID
	a.leaderHint = &leader
	a.resetElectionDeadlineLocked()

	snapIndex := a.log.SnapshotIndex()
	if req.PrevIndex < snapIndex {
		// Leader is sending from before our snapshot boundary; treat the
		// overlapping prefix as matched and only append what's new.
		skip := snapIndex - req.PrevIndex
		if skip > uint64(len(req.Entries)) {
			skip = uint64(len(req.Entries))
		}
		req.Entries = req.Entries[skip:]
		req.PrevIndex = snapIndex
		req.PrevTerm = a.log.SnapshotTerm()
	}

	if req.PrevIndex > snapIndex {
		term, ok := a.log.TermAt(req.PrevIndex)
		if !ok || term != req.PrevTerm {
			return AppendEntriesReply{Term: a.currentTerm, Success: false}
		}
	} else if req.PrevIndex == snapIndex && req.PrevTerm != a.log.SnapshotTerm() {
		return AppendEntriesReply{Term: a.currentTerm, Success: false}
	}

	next := req.PrevIndex + 1
	for i, e := range req.Entries {
		idx := next + uint64(i)
		if existingTerm, ok := a.log.TermAt(idx); ok {
			if existingTerm == e.Term {
				continue
			}
			a.log.Truncate(idx, errcode.New(errcode.Raft, errcode.UnknownResult, "entry superseded by leader"))
		}
		a.log.PushEntry(&Entry{Term: e.Term, Index: idx, Value: e.Value})
	}

	if req.LeaderCommit > a.commitIndex {
		last := a.log.LastIndex()
		if req.LeaderCommit < last {
			a.commitIndex = req.LeaderCommit
		} else {
			a.commitIndex = last
		}
		a.kickApply()
	}

	return AppendEntriesReply{Term: a.currentTerm, Success: true}
}

// HandleInstallSnapshot replaces local state with a leader-sent snapshot
// when this follower has fallen too far behind the leader's retained log
// prefix (spec §4.6 "Snapshot install").
func (a *Actor) HandleInstallSnapshot(req InstallSnapshotArgs) InstallSnapshotReply {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Term < a.currentTerm {
		return InstallSnapshotReply{Term: a.currentTerm, Success: false}
	}
	if req.Term > a.currentTerm {
		a.stepDownLocked(req.Term)
	} else if a.role == Candidate {
		a.role = Follower
	}
	leader := req.LeaderID
	a.leaderHint = &leader
	a.resetElectionDeadlineLocked()

	if req.SnapshotIndex <= a.log.SnapshotIndex() {
		return InstallSnapshotReply{Term: a.currentTerm, Success: true}
	}

	if err := a.machine.Restore(req.Data, req.SnapshotIndex, req.SnapshotTerm); err != nil {
		return InstallSnapshotReply{Term: a.currentTerm, Success: false}
	}
	a.log.SetSnapshot(req.SnapshotIndex, req.SnapshotTerm, req.Data)
	a.lastApplied = req.SnapshotIndex
	if a.commitIndex < req.SnapshotIndex {
		a.commitIndex = req.SnapshotIndex
	}

	return InstallSnapshotReply{Term: a.currentTerm, Success: true}
}
