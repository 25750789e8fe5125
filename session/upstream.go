package session

import (
	"github.com/flowmesh/core/header"
	"github.com/flowmesh/core/trace"
)

// Upstream is the write-side handle on a channel: it forwards typed
// messages to the peer by emitting frames on its owning session. An
// upstream does not know or enforce dispatch graph state; the dispatch it
// belongs to does (spec §3).
type Upstream struct {
	session   *Session
	channelID uint64

	// scope is the trace context of the frame currently being processed on
	// this channel, if any; set by the session's pull loop immediately
	// before each Dispatch.Process call, so a reply sent from within that
	// call inherits it (spec §4.3 step 4). Channels never driven by an
	// inbound frame (e.g. a locally Fork'd client channel) keep the zero
	// Scope. Only ever written by the single pull-loop goroutine.
	scope trace.Scope
}

// Send emits a frame with this upstream's channel id and the given message
// id, args, and headers on the owning session. The three reserved tracing
// headers are always attached fresh from the current trace context,
// overriding any of the same name passed in headers. Returns NotConnected
// if the session has been detached.
func (u *Upstream) Send(msgID uint64, args []interface{}, headers []header.Header) error {
	return u.session.send(u.channelID, msgID, args, headers, u.scope)
}

// ChannelID reports the channel this upstream writes to.
func (u *Upstream) ChannelID() uint64 {
	return u.channelID
}
