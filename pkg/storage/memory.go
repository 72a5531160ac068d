package storage

import (
	"errors"
	"sync"

	"github.com/virajbhartiya/raftcore/pkg/raft"
)

// ErrInjected is the default fault returned by MemoryLog.Fail.
var ErrInjected = errors.New("storage: injected fault")

// MemoryLog is a volatile PersistentLog for tests and throwaway nodes. Its
// contents survive a Consensus restart as long as the MemoryLog value does.
type MemoryLog struct {
	mu       sync.Mutex
	m        mirror
	term     raft.Term
	votedFor raft.ServerID
	fault    error
	closed   bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Fail makes every subsequent write return err (ErrInjected if nil) until
// Heal is called.
func (l *MemoryLog) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	l.fault = err
}

func (l *MemoryLog) Heal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fault = nil
}

func (l *MemoryLog) writable() error {
	if l.closed {
		return ErrClosed
	}
	return l.fault
}

func (l *MemoryLog) Append(entries []raft.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	if err := l.m.check(entries); err != nil {
		return err
	}
	l.m.append(entries)
	return nil
}

func (l *MemoryLog) EntryAt(index raft.LogIndex) (raft.LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.entryAt(index)
}

func (l *MemoryLog) TermAt(index raft.LogIndex) (raft.Term, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.termAt(index)
}

func (l *MemoryLog) Entries(lo, hi raft.LogIndex) []raft.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.slice(lo, hi)
}

func (l *MemoryLog) LastIndex() raft.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.lastIndex()
}

func (l *MemoryLog) LastTerm() raft.Term {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.lastTerm()
}

func (l *MemoryLog) TruncateFrom(index raft.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	l.m.truncate(index)
	return nil
}

func (l *MemoryLog) PersistVote(term raft.Term, votedFor raft.ServerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	l.term, l.votedFor = term, votedFor
	return nil
}

func (l *MemoryLog) LoadVote() (raft.Term, raft.ServerID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.term, l.votedFor, nil
}

// Close marks the log closed. Reopen makes it writable again, simulating a
// process restart over the same durable state.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *MemoryLog) Reopen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = false
}
