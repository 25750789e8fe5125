package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogPushAssignsSequentialIndices(t *testing.T) {
	l := NewLog()
	e1 := l.Push(1, Command([]byte("a")))
	e2 := l.Push(1, Command([]byte("b")))
	require.Equal(t, uint64(1), e1.Index)
	require.Equal(t, uint64(2), e2.Index)
	require.Equal(t, uint64(2), l.LastIndex())
	require.Equal(t, uint64(1), l.LastTerm())
}

func TestLogTruncateNotifiesDroppedEntries(t *testing.T) {
	l := NewLog()
	var gotErr error
	e1 := l.Push(1, Command([]byte("a")))
	e1.Bind(func(_ []byte, err error) { gotErr = err })
	l.Push(1, Command([]byte("b")))
	l.Push(1, Command([]byte("c")))

	sentinel := require.New(t)
	l.Truncate(1, errTestTruncated)
	sentinel.Equal(uint64(0), l.LastIndex())
	sentinel.ErrorIs(gotErr, errTestTruncated)
}

func TestLogSetSnapshotDropsPrefix(t *testing.T) {
	l := NewLog()
	l.Push(1, Command([]byte("a")))
	l.Push(1, Command([]byte("b")))
	l.Push(2, Command([]byte("c")))

	l.SetSnapshot(2, 1, []byte("snap"))

	require.Equal(t, uint64(2), l.SnapshotIndex())
	require.Equal(t, uint64(1), l.SnapshotTerm())
	require.Equal(t, uint64(3), l.LastIndex())

	term, ok := l.TermAt(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), term)

	_, ok = l.TermAt(1)
	require.False(t, ok, "entry below the snapshot boundary must no longer be addressable")
}

func TestLogSliceIsHalfOpenAndClamped(t *testing.T) {
	l := NewLog()
	l.Push(1, Command([]byte("a")))
	l.Push(1, Command([]byte("b")))
	l.Push(1, Command([]byte("c")))

	got := l.Slice(2, 100)
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[0].Index)
	require.Equal(t, uint64(3), got[1].Index)
}

var errTestTruncated = &sentinelErr{"truncated"}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }
