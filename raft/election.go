package raft

import "context"

// RequestVoteArgs is the candidate's vote request.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  PeerID
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is a peer's response.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// startElection increments the term, votes for self, and fans out
// RequestVote to every peer (spec §4.6 "Election").
func (a *Actor) startElection() {
	a.mu.Lock()
	a.currentTerm++
	term := a.currentTerm
	self := a.self
	a.votedFor = &self
	a.role = Candidate
	lastIndex := a.log.LastIndex()
	lastTerm := a.log.LastTerm()
	peerIDs := make([]PeerID, 0, len(a.peers))
	for id := range a.peers {
		peerIDs = append(peerIDs, id)
	}
	a.mu.Unlock()

	a.resetElectionDeadline()
	a.log_.Info("starting election", "term", term)

	votes := 1 // vote for self
	clusterSize := len(peerIDs) + 1 // self + peers
	majority := clusterSize/2 + 1

	for _, id := range peerIDs {
		id := id
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.opts.ElectionTimeout)
			defer cancel()
			reply, err := a.transport.RequestVote(ctx, id, RequestVoteArgs{
				Term:         term,
				CandidateID:  a.self,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}
			a.handleRequestVoteReply(term, reply, &votes, majority)
		}()
	}
}

func (a *Actor) handleRequestVoteReply(electionTerm uint64, reply RequestVoteReply, votes *int, majority int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if reply.Term > a.currentTerm {
		a.stepDownLocked(reply.Term)
		a.notify()
		return
	}
	if a.role != Candidate || a.currentTerm != electionTerm || !reply.VoteGranted {
		return
	}

	*votes++
	if *votes >= majority && a.role == Candidate {
		a.becomeLeaderLocked()
	}
}

// becomeLeaderLocked transitions Candidate -> Leader on a majority of
// votes: stop the election timer, reset all peers' tracking, and append a
// Nop entry to make prior-term entries committable (spec §4.6). Caller must
// hold a.mu.
func (a *Actor) becomeLeaderLocked() {
	a.role = Leader
	self := a.self
	a.leaderHint = &self

	last := a.log.LastIndex() + 1
	for _, p := range a.peers {
		p.NextIndex = last
		p.MatchIndex = 0
		p.InFlight = false
	}

	e := a.log.Push(a.currentTerm, Nop())
	_ = e

	a.log_.Info("became leader", "term", a.currentTerm)
	go a.kickReplicate()
}

// HandleRequestVote is the receiver side of RequestVote: a peer votes yes
// iff it has not yet voted this term and the candidate's log is at least as
// up to date as its own (spec §4.6).
func (a *Actor) HandleRequestVote(req RequestVoteArgs) RequestVoteReply {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Term > a.currentTerm {
		a.stepDownLocked(req.Term)
	}
	if req.Term < a.currentTerm {
		return RequestVoteReply{Term: a.currentTerm, VoteGranted: false}
	}

	alreadyVoted := a.votedFor != nil && *a.votedFor != req.CandidateID
	upToDate := req.LastLogTerm > a.log.LastTerm() ||
		(req.LastLogTerm == a.log.LastTerm() && req.LastLogIndex >= a.log.LastIndex())

	if !alreadyVoted && upToDate {
		cand := req.CandidateID
		a.votedFor = &cand
		a.resetElectionDeadlineLocked()
		return RequestVoteReply{Term: a.currentTerm, VoteGranted: true}
	}
	return RequestVoteReply{Term: a.currentTerm, VoteGranted: false}
}
