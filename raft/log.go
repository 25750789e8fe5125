package raft

import "sync"

// Log is a strictly increasing, snapshot-prefixed sequence of entries
// (spec §3 "Raft log"). entries[0], if present, is at index
// snapshotIndex+1; index arithmetic throughout mirrors the "dummy index"
// convention the from-scratch student implementations in this corpus use
// (e.g. yusong-yan-MultiRaft's raftLog.dummyIndex) but keyed off an actual
// snapshot boundary instead of a placeholder sentinel entry.
//
// Log is a concrete in-memory type; there is no Log interface, and the
// actor always uses this implementation.
type Log struct {
	mu sync.RWMutex

	snapshotIndex uint64
	snapshotTerm  uint64
	snapshot      []byte

	entries []*Entry
}

// NewLog returns an empty log with no snapshot.
func NewLog() *Log {
	return &Log{}
}

// LastIndex is the end of the log (spec §3).
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *Log) lastIndexLocked() uint64 {
	return l.snapshotIndex + uint64(len(l.entries))
}

// LastTerm is the term of the entry at LastIndex, or the snapshot term if
// the log holds no entries past the snapshot.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return l.snapshotTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// SnapshotIndex and SnapshotTerm report the log's snapshot boundary.
func (l *Log) SnapshotIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotIndex
}

func (l *Log) SnapshotTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotTerm
}

// Snapshot returns the current state snapshot bytes, if any.
func (l *Log) Snapshot() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Push appends a new entry at term with value, assigning it the next
// index, and returns it (so the caller can Bind a continuation).
func (l *Log) Push(term uint64, value Value) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &Entry{Term: term, Index: l.lastIndexLocked() + 1, Value: value}
	l.entries = append(l.entries, e)
	return e
}

// PushEntry appends an already-built entry (used by followers replicating
// a leader's entry verbatim).
func (l *Log) PushEntry(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// TermAt returns the term of the entry at index, consulting the snapshot
// boundary when index coincides with it.
func (l *Log) TermAt(index uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == l.snapshotIndex {
		return l.snapshotTerm, true
	}
	if index <= l.snapshotIndex || index > l.lastIndexLocked() {
		return 0, false
	}
	return l.entries[index-l.snapshotIndex-1].Term, true
}

// At returns the entry at index, if it is within [snapshotIndex+1, lastIndex].
func (l *Log) At(index uint64) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index <= l.snapshotIndex || index > l.lastIndexLocked() {
		return nil, false
	}
	return l.entries[index-l.snapshotIndex-1], true
}

// Slice returns entries in [low, high) (half-open), clamped to what the log
// holds past the snapshot.
func (l *Log) Slice(low, high uint64) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if low <= l.snapshotIndex {
		low = l.snapshotIndex + 1
	}
	if high > l.lastIndexLocked()+1 {
		high = l.lastIndexLocked() + 1
	}
	if low >= high {
		return nil
	}
	start := low - l.snapshotIndex - 1
	end := high - l.snapshotIndex - 1
	out := make([]*Entry, end-start)
	copy(out, l.entries[start:end])
	return out
}

// Truncate drops all entries with index >= index, notifying their bound
// continuations with err (spec: "their bound continuations are invoked
// exactly once ... with a cancellation error ... on truncation").
func (l *Log) Truncate(index uint64, err error) {
	l.mu.Lock()
	if index <= l.snapshotIndex {
		dropped := l.entries
		l.entries = nil
		l.mu.Unlock()
		notifyAll(dropped, err)
		return
	}
	if index > l.lastIndexLocked() {
		l.mu.Unlock()
		return
	}
	cut := index - l.snapshotIndex - 1
	dropped := l.entries[cut:]
	l.entries = l.entries[:cut]
	l.mu.Unlock()
	notifyAll(dropped, err)
}

// SetSnapshot replaces the log prefix [snapshotIndex+1, index] with a
// snapshot, dropping those entries (they are already reflected in the
// snapshot and never replayed again).
func (l *Log) SetSnapshot(index, term uint64, snapshot []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.snapshotIndex {
		return
	}
	if index >= l.lastIndexLocked() {
		l.entries = nil
	} else {
		cut := index - l.snapshotIndex
		l.entries = l.entries[cut:]
	}
	l.snapshotIndex = index
	l.snapshotTerm = term
	l.snapshot = snapshot
}

func notifyAll(entries []*Entry, err error) {
	for _, e := range entries {
		e.Notify(nil, err)
	}
}
