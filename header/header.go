// Package header implements the per-direction, per-connection header
// compression table used by the frame codec: a fixed static table (83
// entries, mirroring HTTP/2's static table for 1-61 with three tracing
// headers appended at 80-82) plus a bounded, FIFO-evicted dynamic table.
package header

import "fmt"

// Header is a (name, value) pair of opaque byte strings. Headers returned by
// Lookup alias storage owned by the table; callers that need to retain a
// Header past the next Push should copy it.
type Header struct {
	Name  []byte
	Value []byte
}

// Reserved tracing header names (spec §3).
const (
	TraceID  = "trace_id"
	SpanID   = "span_id"
	ParentID = "parent_id"
)

// MaxDataCapacity bounds the dynamic table's accounted size in bytes.
const MaxDataCapacity = 4096

// entryOverhead is the per-entry accounting overhead charged on top of the
// raw name+value length, matching HTTP/2's HPACK accounting rule.
const entryOverhead = 32

func entrySize(h Header) int {
	return len(h.Name) + len(h.Value) + entryOverhead
}

func s(v string) []byte { return []byte(v) }

// staticTable mirrors HTTP/2's static table (RFC 7541 Appendix A) at
// indices 1-61, leaves 62-79 reserved for future protocol growth, and
// appends the three tracing headers at 80-82. Index 0 is never valid.
var staticTable = buildStatic()

func buildStatic() []Header {
	// index 0 is a sentinel, never returned by Lookup.
	t := make([]Header, 83)
	httpStatic := []Header{
		{s(":authority"), s("")},
		{s(":method"), s("GET")},
		{s(":method"), s("POST")},
		{s(":path"), s("/")},
		{s(":path"), s("/index.html")},
		{s(":scheme"), s("http")},
		{s(":scheme"), s("https")},
		{s(":status"), s("200")},
		{s(":status"), s("204")},
		{s(":status"), s("206")},
		{s(":status"), s("304")},
		{s(":status"), s("400")},
		{s(":status"), s("404")},
		{s(":status"), s("500")},
		{s("accept-charset"), s("")},
		{s("accept-encoding"), s("gzip, deflate")},
		{s("accept-language"), s("")},
		{s("accept-ranges"), s("")},
		{s("accept"), s("")},
		{s("access-control-allow-origin"), s("")},
		{s("age"), s("")},
		{s("allow"), s("")},
		{s("authorization"), s("")},
		{s("cache-control"), s("")},
		{s("content-disposition"), s("")},
		{s("content-encoding"), s("")},
		{s("content-language"), s("")},
		{s("content-length"), s("")},
		{s("content-location"), s("")},
		{s("content-range"), s("")},
		{s("content-type"), s("")},
		{s("cookie"), s("")},
		{s("date"), s("")},
		{s("etag"), s("")},
		{s("expect"), s("")},
		{s("expires"), s("")},
		{s("from"), s("")},
		{s("host"), s("")},
		{s("if-match"), s("")},
		{s("if-modified-since"), s("")},
		{s("if-none-match"), s("")},
		{s("if-range"), s("")},
		{s("if-unmodified-since"), s("")},
		{s("last-modified"), s("")},
		{s("link"), s("")},
		{s("location"), s("")},
		{s("max-forwards"), s("")},
		{s("proxy-authenticate"), s("")},
		{s("proxy-authorization"), s("")},
		{s("range"), s("")},
		{s("referer"), s("")},
		{s("refresh"), s("")},
		{s("retry-after"), s("")},
		{s("server"), s("")},
		{s("set-cookie"), s("")},
		{s("strict-transport-security"), s("")},
		{s("transfer-encoding"), s("")},
		{s("user-agent"), s("")},
		{s("vary"), s("")},
		{s("via"), s("")},
		{s("www-authenticate"), s("")},
	}
	for i, h := range httpStatic {
		t[i+1] = h
	}
	// 62-79 reserved: left as empty placeholders, never matched by
	// FindExact/FindName and never returned by Lookup callers expect to match.
	t[80] = Header{s(TraceID), nil}
	t[81] = Header{s(SpanID), nil}
	t[82] = Header{s(ParentID), nil}
	return t
}

// Table is a per-direction header compression dictionary: a fixed static
// part plus a bounded dynamic part. Not safe for concurrent use; callers
// (the session's chamber) serialize access.
type Table struct {
	dyn     []Header // newest first
	dynSize int
}

// New returns an empty table, static entries only.
func New() *Table {
	return &Table{}
}

// Size is the number of valid indices in the combined table.
func (t *Table) Size() int {
	return len(staticTable) - 1 + len(t.dyn)
}

// DataSize is the accounted byte size of the dynamic table.
func (t *Table) DataSize() int {
	return t.dynSize
}

// Lookup returns the header at combined 1-based index idx. Index 0, and any
// index beyond Size(), are errors.
func (t *Table) Lookup(idx uint64) (Header, error) {
	if idx == 0 {
		return Header{}, fmt.Errorf("header: index 0 is never valid")
	}
	nStatic := uint64(len(staticTable) - 1)
	if idx <= nStatic {
		return staticTable[idx], nil
	}
	dynIdx := idx - nStatic - 1
	if dynIdx >= uint64(len(t.dyn)) {
		return Header{}, fmt.Errorf("header: index %d beyond table size %d", idx, t.Size())
	}
	return t.dyn[dynIdx], nil
}

// FindExact returns the 1-based index of a header whose name and value both
// match, searching static then dynamic entries. If the name matches more
// than one position, any is an acceptable return.
func (t *Table) FindExact(h Header) (uint64, bool) {
	for i := 1; i < len(staticTable); i++ {
		if staticHeaderEqual(staticTable[i], h) {
			return uint64(i), true
		}
	}
	base := uint64(len(staticTable) - 1)
	for i, d := range t.dyn {
		if bytesEqual(d.Name, h.Name) && bytesEqual(d.Value, h.Value) {
			return base + uint64(i) + 1, true
		}
	}
	return 0, false
}

// FindName returns the 1-based index of a header whose name matches,
// ignoring value, searching static then dynamic entries.
func (t *Table) FindName(h Header) (uint64, bool) {
	for i := 1; i < len(staticTable); i++ {
		if bytesEqual(staticTable[i].Name, h.Name) {
			return uint64(i), true
		}
	}
	base := uint64(len(staticTable) - 1)
	for i, d := range t.dyn {
		if bytesEqual(d.Name, h.Name) {
			return base + uint64(i) + 1, true
		}
	}
	return 0, false
}

// Push inserts a header into the dynamic table, evicting the oldest entries
// (FIFO from the tail) until it fits within MaxDataCapacity. A header whose
// size alone exceeds capacity is dropped, leaving the dynamic table empty.
func (t *Table) Push(h Header) {
	cp := Header{Name: cloneBytes(h.Name), Value: cloneBytes(h.Value)}
	sz := entrySize(cp)

	if sz > MaxDataCapacity {
		t.dyn = nil
		t.dynSize = 0
		return
	}

	for t.dynSize+sz > MaxDataCapacity && len(t.dyn) > 0 {
		last := t.dyn[len(t.dyn)-1]
		t.dynSize -= entrySize(last)
		t.dyn = t.dyn[:len(t.dyn)-1]
	}

	t.dyn = append([]Header{cp}, t.dyn...)
	t.dynSize += sz
}

func staticHeaderEqual(a, b Header) bool {
	return bytesEqual(a.Name, b.Name) && bytesEqual(a.Value, b.Value)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
