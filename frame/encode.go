package frame

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowmesh/core/header"
)

// Encode serializes f into a single self-contained wire buffer, compressing
// f.Headers against table. Encoding is single-shot per frame; the returned
// buffer's backing array grows by doubling as the encoder writes to it.
func Encode(f Frame, table *header.Table) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 64))
	enc := msgpack.NewEncoder(buf)

	arity := 3
	if len(f.Headers) > 0 {
		arity = 4
	}
	if err := enc.EncodeArrayLen(arity); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint64(f.Span); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint64(f.Type); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(f.Args)); err != nil {
		return nil, err
	}
	for _, a := range f.Args {
		if err := enc.Encode(a); err != nil {
			return nil, err
		}
	}
	if arity == 4 {
		if err := enc.EncodeArrayLen(len(f.Headers)); err != nil {
			return nil, err
		}
		for _, h := range f.Headers {
			if err := encodeHeaderEntry(enc, table, h); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// encodeHeaderEntry emits either a single table-index integer, when the
// exact (name, value) pair is already present, or a 3-element literal
// [store, name_repr, value] and inserts the header into table afterwards.
func encodeHeaderEntry(enc *msgpack.Encoder, table *header.Table, h header.Header) error {
	if idx, ok := table.FindExact(h); ok {
		return enc.EncodeUint64(idx)
	}

	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeBool(true); err != nil {
		return err
	}

	if idx, ok := table.FindName(h); ok {
		if err := enc.EncodeUint64(idx); err != nil {
			return err
		}
	} else {
		if err := enc.EncodeBytes(h.Name); err != nil {
			return err
		}
	}
	if err := enc.EncodeBytes(h.Value); err != nil {
		return err
	}

	table.Push(h)
	return nil
}
