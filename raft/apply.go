package raft

// runApplier drains committed-but-unapplied entries to the state machine
// in batches of up to MessageSize, delivering each entry's bound
// Continuation exactly once, then periodically asks the state machine for
// a fresh snapshot so the log can be trimmed (spec §4.6 "Applier",
// §5 "Resource budgets" for the batch bound).
func (a *Actor) runApplier() {
	a.mu.Lock()
	if a.lastApplied >= a.commitIndex {
		a.mu.Unlock()
		return
	}
	low := a.lastApplied + 1
	high := a.commitIndex + 1
	if high-low > uint64(a.opts.MessageSize) {
		high = low + uint64(a.opts.MessageSize)
	}
	batch := a.log.Slice(low, high)
	snapshotThreshold := a.opts.SnapshotThreshold
	snapIndex := a.log.SnapshotIndex()
	a.mu.Unlock()

	for _, e := range batch {
		var result []byte
		var err error
		if e.Value.IsNop {
			result, err = nil, nil
		} else {
			result, err = a.machine.Apply(e.Value.Command)
		}

		a.mu.Lock()
		if e.Index > a.lastApplied {
			a.lastApplied = e.Index
		}
		a.mu.Unlock()

		e.Notify(result, err)
	}

	a.mu.Lock()
	applied := a.lastApplied
	pending := a.pending
	a.mu.Unlock()

	// Snapshotting is two-phase: once the log has grown far enough past the
	// last retained snapshot boundary, take a snapshot and hold it as
	// pending rather than truncating immediately. Only once the log has
	// grown a further snapshotThreshold/2 beyond the pending snapshot's
	// index do we actually install it (SetSnapshot, which lets Log trim the
	// prefix), giving trailing followers a grace window before they'd be
	// forced into an install-snapshot RPC (spec §4.6 "Applier").
	switch {
	case pending != nil:
		if applied >= pending.index+snapshotThreshold/2 {
			a.log.SetSnapshot(pending.index, pending.term, pending.data)
			a.mu.Lock()
			a.pending = nil
			a.mu.Unlock()
		}
	case snapshotThreshold > 0 && applied >= snapIndex+snapshotThreshold:
		snap, err := a.machine.Snapshot()
		if err != nil {
			a.log_.Warn("snapshot failed", "error", err)
			break
		}
		term, ok := a.log.TermAt(applied)
		if !ok {
			break
		}
		a.mu.Lock()
		a.pending = &pendingSnapshot{index: applied, term: term, data: snap}
		a.mu.Unlock()
	}

	a.mu.Lock()
	more := a.lastApplied < a.commitIndex
	a.mu.Unlock()
	if more {
		a.kickApply()
	}
}
