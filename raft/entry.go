package raft

// Value is the tagged payload of one log entry: either a no-op (pushed by
// a new leader to make prior-term entries committable) or an application
// command (spec §3 "Raft log").
type Value struct {
	IsNop   bool
	Command []byte
}

// Nop returns the no-op value.
func Nop() Value { return Value{IsNop: true} }

// Command wraps an opaque, already-serialized application command.
func Command(c []byte) Value { return Value{Command: c} }

// Continuation is the bound user-completion handler delivered exactly once,
// either with the state machine's result (on apply) or an error (on
// truncation or loss of leadership for an uncommitted entry). Go has no
// analogue of the C++ source's per-Event template instantiation
// (cocaine/detail/raft/entry.hpp); a plain closure plays the same role and
// is the idiomatic Go substitute.
type Continuation func(result []byte, err error)

// Entry is one slot of the replicated log.
type Entry struct {
	Term  uint64
	Index uint64
	Value Value

	cont Continuation
}

// Bind attaches cb as this entry's completion continuation. Only the
// leader that created the entry ever binds one; followers replicate entries
// with no continuation attached.
func (e *Entry) Bind(cb Continuation) {
	e.cont = cb
}

// Notify delivers result/err to the bound continuation exactly once, then
// clears it. A no-op if nothing is bound (e.g. on a follower, or if already
// notified).
func (e *Entry) Notify(result []byte, err error) {
	if e.cont == nil {
		return
	}
	cb := e.cont
	e.cont = nil
	cb(result, err)
}
