// Package trace carries the wire tracing triple (trace_id, span_id,
// parent_id) through a dispatch invocation, mirroring the scope the
// teacher domain restores around every slot call.
package trace

import (
	"context"
	"encoding/binary"

	"github.com/flowmesh/core/header"
)

// Scope is the trace context extracted from (or generated for) one frame.
type Scope struct {
	TraceID  uint64
	SpanID   uint64
	ParentID uint64
	Verbose  bool
}

type scopeKey struct{}

// WithScope returns a context carrying scope, restorable via FromContext.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the current scope, if any was restored.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Extract builds a Scope from a frame's headers, per spec §4.4: only when
// all three tracing headers are present does a scope exist.
func Extract(headers []header.Header) (Scope, bool) {
	var trace, span, parent *uint64
	var verbose bool

	for _, h := range headers {
		switch string(h.Name) {
		case header.TraceID:
			v := decodeUint64(h.Value)
			trace = &v
		case header.SpanID:
			v := decodeUint64(h.Value)
			span = &v
		case header.ParentID:
			v := decodeUint64(h.Value)
			parent = &v
		case traceBitName:
			verbose = len(h.Value) == 1 && h.Value[0] == '1'
		}
	}

	if trace == nil || span == nil || parent == nil {
		return Scope{}, false
	}
	return Scope{TraceID: *trace, SpanID: *span, ParentID: *parent, Verbose: verbose}, true
}

// traceBitName is an optional, non-reserved header carrying Scope.Verbose
// alongside the three mandatory tracing headers; unlike those three it has
// no static table slot, so its name is sent as a literal until the header
// has entered the dynamic table.
const traceBitName = "trace_bit"

// Headers renders the scope as the three reserved tracing headers, each an
// 8-byte big-endian unsigned integer, followed by a trace_bit header ("0"
// or "1" for Verbose), for inclusion on an outgoing frame.
// The encoder unconditionally emits these, overriding any user-supplied
// header of the same name.
func Headers(s Scope) []header.Header {
	bit := byte('0')
	if s.Verbose {
		bit = '1'
	}
	return []header.Header{
		{Name: []byte(header.TraceID), Value: encodeUint64(s.TraceID)},
		{Name: []byte(header.SpanID), Value: encodeUint64(s.SpanID)},
		{Name: []byte(header.ParentID), Value: encodeUint64(s.ParentID)},
		{Name: []byte(traceBitName), Value: []byte{bit}},
	}
}

// Override returns headers with any existing trace_id/span_id/parent_id/
// trace_bit entries stripped and replaced by s's current values, per spec
// §4.4 ("the encoder unconditionally emits the current trace context,
// overriding any user-supplied tracing headers"). Non-tracing headers pass
// through unchanged.
func Override(headers []header.Header, s Scope) []header.Header {
	out := make([]header.Header, 0, len(headers)+4)
	for _, h := range headers {
		switch string(h.Name) {
		case header.TraceID, header.SpanID, header.ParentID, traceBitName:
			continue
		default:
			out = append(out, h)
		}
	}
	return append(out, Headers(s)...)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
