// Package dispatch describes the protocol state machine a channel runs:
// an immutable graph of allowed message ids per state, and the Dispatch
// capability set that interprets incoming frames against that graph.
package dispatch

import (
	"github.com/flowmesh/core/header"
	"github.com/flowmesh/core/trace"
)

// Kind classifies a message's successor state: recurrent (the dispatch
// stays installed), terminal (the channel closes on this side), or
// transition (the dispatch described by Next takes over).
type Kind int

const (
	KindRecurrent Kind = iota
	KindTerminal
	KindTransition
)

// Slot describes one message id's shape and successor state within a
// dispatch's graph. It is pure data: no behavior lives here.
type Slot struct {
	Name string
	Kind Kind
	// Next is the dispatch installed on Switch; nil for Recurrent/Terminal.
	Next *Graph
}

// Graph is the immutable description of allowed message ids for one
// dispatch, keyed by message id.
type Graph struct {
	Name  string
	Slots map[uint64]Slot
}

// Sender is the minimal capability a Dispatch needs to reply: serialize a
// typed message onto the channel it was invoked on. session.Upstream
// satisfies this.
type Sender interface {
	Send(msgID uint64, args []interface{}, headers []header.Header) error
}

// Transition is the outcome of one Dispatch.Process call.
type Transition struct {
	kind int
	next Dispatch
}

const (
	transRecur = iota
	transSwitch
	transTerminal
)

// Recur keeps the current dispatch installed for future frames on the
// channel.
func Recur() Transition { return Transition{kind: transRecur} }

// Switch installs next as the dispatch for future frames on the channel.
func Switch(next Dispatch) Transition { return Transition{kind: transSwitch, next: next} }

// Terminal closes the channel on this side; no dispatch remains attached.
func Terminal() Transition { return Transition{kind: transTerminal} }

// IsRecur, IsSwitch, IsTerminal, and Next let the session interpret a
// Transition without exposing its internal tag.
func (t Transition) IsRecur() bool    { return t.kind == transRecur }
func (t Transition) IsSwitch() bool   { return t.kind == transSwitch }
func (t Transition) IsTerminal() bool { return t.kind == transTerminal }
func (t Transition) Next() Dispatch   { return t.next }

// Dispatch is the polymorphic capability set every protocol state
// implements: interpret one incoming message, accept a discard
// notification, and describe itself. Modeled as an interface (a small
// trait set) rather than a class hierarchy, per the "inheritance-heavy
// codebase" design note: dispatch variants are tagged Transition values,
// not subclasses.
type Dispatch interface {
	// Process interprets one incoming message (id, args, headers) against
	// this dispatch's graph and returns the resulting Transition. scope is
	// the trace context restored from the frame's tracing headers, if any
	// were present; its zero value means no trace was attached.
	Process(msgID uint64, args []interface{}, headers []header.Header, scope trace.Scope, up Sender) (Transition, error)
	// Discard notifies the dispatch that its channel is gone, with the
	// reason (nil for a clean local close). Called at most once.
	Discard(err error)
	// Root is this dispatch's graph, consulted by the session to decide
	// whether an id belongs to the user prototype or a reserved control id.
	Root() *Graph
	// Name identifies the dispatch for logs and metrics.
	Name() string
}
