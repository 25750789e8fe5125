// Package frame implements the wire framing codec: a self-describing
// binary encoding of the 3- or 4-element RPC frame tuple, with header
// entries compressed against a stateful per-direction header.Table.
package frame

import (
	"bytes"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/flowmesh/core/header"
)

// Sentinel decode errors, per spec §4.1.
var (
	// ErrNeedMore means buf is a strict prefix of a valid frame; the caller
	// must read more bytes and retry decoding from the start of buf.
	ErrNeedMore = errors.New("frame: need more bytes")
	// ErrParse means the bytes are not a structurally valid element tree,
	// regardless of how many more bytes might follow.
	ErrParse = errors.New("frame: parse error")
	// ErrFrameFormat means a syntactically valid element tree did not have
	// the shape required of a frame (wrong arity or element kinds).
	ErrFrameFormat = errors.New("frame: malformed frame shape")
)

// Frame is the decoded form of a wire message.
type Frame struct {
	Span    uint64
	Type    uint64
	Args    []interface{}
	Headers []header.Header
}

// headerEntry is the 3-element literal form of a compressed header:
// [store bool, name_repr (index uint64 | raw []byte), value []byte].
type headerEntry struct {
	Store bool
	Name  interface{}
	Value []byte
}

// Decode attempts to parse one frame from the head of buf. It returns the
// frame and the number of bytes consumed from buf. If buf holds a strict
// prefix of a valid frame, it returns ErrNeedMore and the caller must
// retry once more bytes are available.
func Decode(buf []byte, table *header.Table) (Frame, int, error) {
	r := bytes.NewReader(buf)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Frame{}, 0, classifyErr(err)
	}
	if n < 3 || n > 4 {
		return Frame{}, 0, ErrFrameFormat
	}

	span, err := dec.DecodeUint64()
	if err != nil {
		return Frame{}, 0, classifyErr(err)
	}
	typ, err := dec.DecodeUint64()
	if err != nil {
		return Frame{}, 0, classifyErr(err)
	}

	argsLen, err := dec.DecodeArrayLen()
	if err != nil {
		return Frame{}, 0, classifyErr(err)
	}
	args := make([]interface{}, argsLen)
	for i := 0; i < argsLen; i++ {
		v, err := dec.DecodeInterface()
		if err != nil {
			return Frame{}, 0, classifyErr(err)
		}
		args[i] = v
	}

	var headers []header.Header
	if n == 4 {
		hdrLen, err := dec.DecodeArrayLen()
		if err != nil {
			return Frame{}, 0, classifyErr(err)
		}
		headers = make([]header.Header, 0, hdrLen)
		for i := 0; i < hdrLen; i++ {
			h, err := decodeHeaderEntry(dec, table)
			if err != nil {
				return Frame{}, 0, err
			}
			headers = append(headers, h)
		}
	}

	consumed := len(buf) - r.Len()
	return Frame{Span: span, Type: typ, Args: args, Headers: headers}, consumed, nil
}

func decodeHeaderEntry(dec *msgpack.Decoder, table *header.Table) (header.Header, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return header.Header{}, classifyErr(err)
	}

	if isIntegerCode(code) {
		idx, err := dec.DecodeUint64()
		if err != nil {
			return header.Header{}, classifyErr(err)
		}
		if idx == 0 {
			return header.Header{}, ErrFrameFormat
		}
		h, lookupErr := table.Lookup(idx)
		if lookupErr != nil {
			return header.Header{}, ErrFrameFormat
		}
		return h, nil
	}

	arrLen, err := dec.DecodeArrayLen()
	if err != nil {
		return header.Header{}, classifyErr(err)
	}
	if arrLen != 3 {
		return header.Header{}, ErrFrameFormat
	}

	store, err := dec.DecodeBool()
	if err != nil {
		return header.Header{}, classifyErr(err)
	}

	nameCode, err := dec.PeekCode()
	if err != nil {
		return header.Header{}, classifyErr(err)
	}

	var name []byte
	if isIntegerCode(nameCode) {
		idx, err := dec.DecodeUint64()
		if err != nil {
			return header.Header{}, classifyErr(err)
		}
		if idx == 0 {
			return header.Header{}, ErrFrameFormat
		}
		existing, lookupErr := table.Lookup(idx)
		if lookupErr != nil {
			return header.Header{}, ErrFrameFormat
		}
		name = existing.Name
	} else {
		raw, err := dec.DecodeBytes()
		if err != nil {
			return header.Header{}, classifyErr(err)
		}
		name = raw
	}

	value, err := dec.DecodeBytes()
	if err != nil {
		return header.Header{}, classifyErr(err)
	}

	h := header.Header{Name: name, Value: value}
	if store {
		table.Push(h)
	}
	return h, nil
}

// isIntegerCode reports whether code introduces any msgpack integer
// encoding: a fixed-width index (used for table references) or one of the
// small positive fixnums a tiny table could still address.
func isIntegerCode(code byte) bool {
	if msgpcode.IsFixedNum(code) {
		return true
	}
	switch code {
	case msgpcode.Uint8, msgpcode.Uint16, msgpcode.Uint32, msgpcode.Uint64,
		msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return false
}

func classifyErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrNeedMore
	}
	return ErrParse
}
