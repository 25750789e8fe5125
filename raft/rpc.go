package raft

import (
	"github.com/flowmesh/core/dispatch"
	"github.com/flowmesh/core/errcode"
	"github.com/flowmesh/core/header"
	"github.com/flowmesh/core/trace"
)

// Wire message ids for the three Raft RPCs, the root of the prototype a
// Raft node's session installs for peer connections.
const (
	msgRequestVote     uint64 = 0
	msgAppendEntries   uint64 = 1
	msgInstallSnapshot uint64 = 2
	msgReply           uint64 = 3
)

// Graph is the dispatch graph a Raft node's session speaks with its peers:
// the three RPCs in one direction, a single reply slot in the other. A
// call is one request frame followed by exactly one reply frame on the
// same (forked) channel, the same request/response idiom spec scenario 1
// uses for echo_slot/chunk/choke.
var Graph = &dispatch.Graph{
	Name: "raft",
	Slots: map[uint64]dispatch.Slot{
		msgRequestVote:     {Name: "request_vote", Kind: dispatch.KindTerminal},
		msgAppendEntries:   {Name: "append_entries", Kind: dispatch.KindTerminal},
		msgInstallSnapshot: {Name: "install_snapshot", Kind: dispatch.KindTerminal},
	},
}

// Dispatch is the server side of the Raft wire protocol: installed as the
// prototype of a session accepted from a peer, it decodes one RPC,
// invokes the local Actor, and replies on the same channel.
type Dispatch struct {
	actor *Actor
}

// NewDispatch returns the peer-facing server dispatch for actor.
func NewDispatch(actor *Actor) *Dispatch {
	return &Dispatch{actor: actor}
}

func (d *Dispatch) Process(msgID uint64, args []interface{}, _ []header.Header, _ trace.Scope, up dispatch.Sender) (dispatch.Transition, error) {
	switch msgID {
	case msgRequestVote:
		req, err := decodeRequestVote(args)
		if err != nil {
			return dispatch.Transition{}, err
		}
		reply := d.actor.HandleRequestVote(req)
		if err := up.Send(msgReply, encodeRequestVoteReply(reply), nil); err != nil {
			return dispatch.Transition{}, err
		}
		return dispatch.Terminal(), nil

	case msgAppendEntries:
		req, err := decodeAppendEntries(args)
		if err != nil {
			return dispatch.Transition{}, err
		}
		reply := d.actor.HandleAppendEntries(req)
		if err := up.Send(msgReply, encodeAppendEntriesReply(reply), nil); err != nil {
			return dispatch.Transition{}, err
		}
		return dispatch.Terminal(), nil

	case msgInstallSnapshot:
		req, err := decodeInstallSnapshot(args)
		if err != nil {
			return dispatch.Transition{}, err
		}
		reply := d.actor.HandleInstallSnapshot(req)
		if err := up.Send(msgReply, encodeInstallSnapshotReply(reply), nil); err != nil {
			return dispatch.Transition{}, err
		}
		return dispatch.Terminal(), nil
	}
	return dispatch.Transition{}, errcode.New(errcode.Dispatch, errcode.SlotNotFound, "raft: unknown message id")
}

func (d *Dispatch) Discard(error)         {}
func (d *Dispatch) Root() *dispatch.Graph { return Graph }
func (d *Dispatch) Name() string          { return "raft" }

// --- wire (de)serialization, flat arg tuples matching the wire arg array ---

func decodeRequestVote(args []interface{}) (RequestVoteArgs, error) {
	if len(args) != 4 {
		return RequestVoteArgs{}, errcode.New(errcode.Dispatch, errcode.InvalidArgument, "request_vote: bad arity")
	}
	return RequestVoteArgs{
		Term:         mustUint64(args[0]),
		CandidateID:  PeerID(mustString(args[1])),
		LastLogIndex: mustUint64(args[2]),
		LastLogTerm:  mustUint64(args[3]),
	}, nil
}

func encodeRequestVoteReply(r RequestVoteReply) []interface{} {
	return []interface{}{r.Term, r.VoteGranted}
}

func encodeRequestVoteArgs(r RequestVoteArgs) []interface{} {
	return []interface{}{r.Term, string(r.CandidateID), r.LastLogIndex, r.LastLogTerm}
}

func decodeRequestVoteReply(args []interface{}) (RequestVoteReply, error) {
	if len(args) != 2 {
		return RequestVoteReply{}, errcode.New(errcode.Dispatch, errcode.InvalidArgument, "request_vote reply: bad arity")
	}
	granted, _ := args[1].(bool)
	return RequestVoteReply{Term: mustUint64(args[0]), VoteGranted: granted}, nil
}

func decodeAppendEntries(args []interface{}) (AppendEntriesArgs, error) {
	if len(args) != 6 {
		return AppendEntriesArgs{}, errcode.New(errcode.Dispatch, errcode.InvalidArgument, "append_entries: bad arity")
	}
	rawEntries, _ := args[4].([]interface{})
	entries := make([]*Entry, 0, len(rawEntries))
	for _, re := range rawEntries {
		tuple, _ := re.([]interface{})
		if len(tuple) != 3 {
			continue
		}
		entries = append(entries, &Entry{
			Term:  mustUint64(tuple[0]),
			Index: mustUint64(tuple[1]),
			Value: decodeValue(tuple[2]),
		})
	}
	return AppendEntriesArgs{
		Term:         mustUint64(args[0]),
		LeaderID:     PeerID(mustString(args[1])),
		PrevIndex:    mustUint64(args[2]),
		PrevTerm:     mustUint64(args[3]),
		Entries:      entries,
		LeaderCommit: mustUint64(args[5]),
	}, nil
}

func encodeAppendEntriesReply(r AppendEntriesReply) []interface{} {
	return []interface{}{r.Term, r.Success}
}

func encodeAppendEntriesArgs(r AppendEntriesArgs) []interface{} {
	return []interface{}{r.Term, string(r.LeaderID), r.PrevIndex, r.PrevTerm, encodeEntries(r.Entries), r.LeaderCommit}
}

func decodeAppendEntriesReply(args []interface{}) (AppendEntriesReply, error) {
	if len(args) != 2 {
		return AppendEntriesReply{}, errcode.New(errcode.Dispatch, errcode.InvalidArgument, "append_entries reply: bad arity")
	}
	success, _ := args[1].(bool)
	return AppendEntriesReply{Term: mustUint64(args[0]), Success: success}, nil
}

func decodeInstallSnapshot(args []interface{}) (InstallSnapshotArgs, error) {
	if len(args) != 6 {
		return InstallSnapshotArgs{}, errcode.New(errcode.Dispatch, errcode.InvalidArgument, "install_snapshot: bad arity")
	}
	data, _ := args[4].([]byte)
	return InstallSnapshotArgs{
		Term:          mustUint64(args[0]),
		LeaderID:      PeerID(mustString(args[1])),
		SnapshotIndex: mustUint64(args[2]),
		SnapshotTerm:  mustUint64(args[3]),
		Data:          data,
		LeaderCommit:  mustUint64(args[5]),
	}, nil
}

func encodeInstallSnapshotReply(r InstallSnapshotReply) []interface{} {
	return []interface{}{r.Term, r.Success}
}

func encodeInstallSnapshotArgs(r InstallSnapshotArgs) []interface{} {
	return []interface{}{r.Term, string(r.LeaderID), r.SnapshotIndex, r.SnapshotTerm, r.Data, r.LeaderCommit}
}

func decodeInstallSnapshotReply(args []interface{}) (InstallSnapshotReply, error) {
	if len(args) != 2 {
		return InstallSnapshotReply{}, errcode.New(errcode.Dispatch, errcode.InvalidArgument, "install_snapshot reply: bad arity")
	}
	success, _ := args[1].(bool)
	return InstallSnapshotReply{Term: mustUint64(args[0]), Success: success}, nil
}

func decodeValue(v interface{}) Value {
	tuple, ok := v.([]interface{})
	if !ok || len(tuple) != 2 {
		return Nop()
	}
	isNop, _ := tuple[0].(bool)
	cmd, _ := tuple[1].([]byte)
	if isNop {
		return Nop()
	}
	return Command(cmd)
}

func encodeValue(v Value) []interface{} {
	return []interface{}{v.IsNop, v.Command}
}

func encodeEntries(entries []*Entry) []interface{} {
	out := make([]interface{}, len(entries))
	for i, e := range entries {
		out[i] = []interface{}{e.Term, e.Index, encodeValue(e.Value)}
	}
	return out
}

func mustUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case int:
		return uint64(n)
	}
	return 0
}

func mustString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}
