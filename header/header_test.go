package header_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/header"
)

func TestIndexZeroIsNeverValid(t *testing.T) {
	tbl := header.New()
	_, err := tbl.Lookup(0)
	require.Error(t, err)
}

func TestStaticIndicesStable(t *testing.T) {
	tbl := header.New()

	h, err := tbl.Lookup(80)
	require.NoError(t, err)
	require.Equal(t, header.TraceID, string(h.Name))

	h, err = tbl.Lookup(82)
	require.NoError(t, err)
	require.Equal(t, header.ParentID, string(h.Name))
}

func TestPushOversizeHeaderEmptiesTable(t *testing.T) {
	tbl := header.New()
	tbl.Push(header.Header{Name: []byte("x"), Value: bytes.Repeat([]byte("a"), header.MaxDataCapacity)})
	require.Equal(t, 0, tbl.DataSize())
}

// Scenario 3: a 3000-byte insertion followed by a 2000-byte insertion
// evicts the first; only the second remains and static indices are
// unaffected.
func TestEvictionScenario(t *testing.T) {
	tbl := header.New()

	first := header.Header{Name: []byte("k1"), Value: bytes.Repeat([]byte("a"), 3000-2-32)}
	require.Equal(t, 3000, len("k1")+len(first.Value)+32)
	tbl.Push(first)
	require.Equal(t, 3000, tbl.DataSize())

	second := header.Header{Name: []byte("k2"), Value: bytes.Repeat([]byte("b"), 2000-2-32)}
	tbl.Push(second)

	require.Equal(t, 2000, tbl.DataSize())

	idx, ok := tbl.FindExact(second)
	require.True(t, ok)
	got, err := tbl.Lookup(idx)
	require.NoError(t, err)
	require.Equal(t, second.Value, got.Value)

	_, ok = tbl.FindExact(first)
	require.False(t, ok)

	h, err := tbl.Lookup(81)
	require.NoError(t, err)
	require.Equal(t, header.SpanID, string(h.Name))
}

func TestDataSizeNeverExceedsCapacity(t *testing.T) {
	tbl := header.New()
	for i := 0; i < 50; i++ {
		tbl.Push(header.Header{Name: []byte("name"), Value: bytes.Repeat([]byte("v"), 100)})
		require.LessOrEqual(t, tbl.DataSize(), header.MaxDataCapacity)
	}
}

func TestFindNameMatchesEitherPosition(t *testing.T) {
	tbl := header.New()
	tbl.Push(header.Header{Name: []byte("x-custom"), Value: []byte("1")})
	tbl.Push(header.Header{Name: []byte("x-custom"), Value: []byte("2")})

	idx, ok := tbl.FindName(header.Header{Name: []byte("x-custom")})
	require.True(t, ok)
	h, err := tbl.Lookup(idx)
	require.NoError(t, err)
	require.Equal(t, "x-custom", string(h.Name))
}
