package session

import (
	"fmt"

	"github.com/flowmesh/core/dispatch"
	"github.com/flowmesh/core/errcode"
	"github.com/flowmesh/core/header"
	"github.com/flowmesh/core/trace"
)

// Control message ids, relative to the reserved id space that starts
// immediately above the user prototype's root (spec §4.4).
const (
	controlPing   uint64 = 0
	controlRevoke uint64 = 1
)

var controlGraph = &dispatch.Graph{
	Name: "control",
	Slots: map[uint64]dispatch.Slot{
		controlPing:   {Name: "ping", Kind: dispatch.KindRecurrent},
		controlRevoke: {Name: "revoke", Kind: dispatch.KindRecurrent},
	},
}

// controlDispatch handles the small reserved set of control messages: ping
// (no-op, used as a liveness probe) and peer-initiated channel revoke.
type controlDispatch struct {
	sess *Session
	base uint64
}

func newControlDispatch(sess *Session, base uint64) *controlDispatch {
	return &controlDispatch{sess: sess, base: base}
}

func (c *controlDispatch) Process(msgID uint64, args []interface{}, _ []header.Header, _ trace.Scope, _ dispatch.Sender) (dispatch.Transition, error) {
	rel := msgID - c.base
	switch rel {
	case controlPing:
		return dispatch.Recur(), nil
	case controlRevoke:
		id, ec, err := decodeRevokeArgs(args)
		if err != nil {
			return dispatch.Transition{}, err
		}
		c.sess.revoke(id, ec)
		return dispatch.Recur(), nil
	default:
		return dispatch.Transition{}, errcode.New(errcode.Dispatch, errcode.SlotNotFound, fmt.Sprintf("control: unknown message id %d", msgID))
	}
}

func (c *controlDispatch) Discard(error)      {}
func (c *controlDispatch) Root() *dispatch.Graph { return controlGraph }
func (c *controlDispatch) Name() string       { return "control" }

func decodeRevokeArgs(args []interface{}) (uint64, error, error) {
	if len(args) != 2 {
		return 0, nil, errcode.New(errcode.Dispatch, errcode.InvalidArgument, "revoke: expected (channel_id, error_code)")
	}
	id, ok := toUint64(args[0])
	if !ok {
		return 0, nil, errcode.New(errcode.Dispatch, errcode.InvalidArgument, "revoke: channel_id not an integer")
	}
	var ec error
	if pair, ok := args[1].([]interface{}); ok && len(pair) == 2 {
		cat, _ := toUint64(pair[0])
		code, _ := toUint64(pair[1])
		ec = errcode.New(errcode.Category(cat), errcode.Code(int32(code)), "peer revoke")
	}
	return id, ec, nil
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	}
	return 0, false
}

// encodeErrorCode renders a categorical error as the 2-element
// (category_id, value) tuple the wire expects for revoke (spec §6).
func encodeErrorCode(err error) []interface{} {
	if err == nil {
		return []interface{}{uint64(errcode.System), int64(0)}
	}
	if ce, ok := err.(*errcode.Error); ok {
		return []interface{}{uint64(ce.Category), int64(ce.Code)}
	}
	return []interface{}{uint64(errcode.Unknown), int64(0xFF)}
}
