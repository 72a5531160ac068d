package storage

import (
	"fmt"

	"github.com/virajbhartiya/raftcore/pkg/raft"
)

// mirror is the in-memory copy of a log that serves every read. Backends
// update it only after the matching durable write succeeded.
type mirror struct {
	entries []raft.LogEntry // entries[i].Index == i+1
}

func (m *mirror) lastIndex() raft.LogIndex {
	return raft.LogIndex(len(m.entries))
}

func (m *mirror) lastTerm() raft.Term {
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Term
}

func (m *mirror) entryAt(index raft.LogIndex) (raft.LogEntry, bool) {
	if index == 0 || index > m.lastIndex() {
		return raft.LogEntry{}, false
	}
	return m.entries[index-1], true
}

func (m *mirror) termAt(index raft.LogIndex) (raft.Term, bool) {
	if index == 0 {
		return 0, true
	}
	e, ok := m.entryAt(index)
	return e.Term, ok
}

func (m *mirror) slice(lo, hi raft.LogIndex) []raft.LogEntry {
	if lo < 1 {
		lo = 1
	}
	if last := m.lastIndex(); hi > last+1 {
		hi = last + 1
	}
	if lo >= hi {
		return nil
	}
	out := make([]raft.LogEntry, hi-lo)
	copy(out, m.entries[lo-1:hi-1])
	return out
}

// check verifies entries continue the log without gaps.
func (m *mirror) check(entries []raft.LogEntry) error {
	next := m.lastIndex() + 1
	term := m.lastTerm()
	for _, e := range entries {
		if e.Index != next {
			return fmt.Errorf("storage: append index %d, want %d", e.Index, next)
		}
		if e.Term < term {
			return fmt.Errorf("storage: append term %d at %d below previous term %d", e.Term, e.Index, term)
		}
		next++
		term = e.Term
	}
	return nil
}

func (m *mirror) append(entries []raft.LogEntry) {
	m.entries = append(m.entries, entries...)
}

func (m *mirror) truncate(index raft.LogIndex) {
	if index < 1 {
		index = 1
	}
	if index <= m.lastIndex() {
		m.entries = m.entries[:index-1]
	}
}
