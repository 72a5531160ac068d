package raft

// PersistentLog is the durable store behind Consensus. Writes must be durable
// before they return; reads never touch the disk and cannot fail. Write
// failures should be returned as storage errors (see NewStorageError).
type PersistentLog interface {
	// Append persists entries after the current last entry. Entries must be
	// contiguous and continue LastIndex.
	Append(entries []LogEntry) error
	EntryAt(index LogIndex) (LogEntry, bool)
	// TermAt reports the term at index. TermAt(0) is (0, true).
	TermAt(index LogIndex) (Term, bool)
	// Entries returns entries in [lo, hi), clipped to the log.
	Entries(lo, hi LogIndex) []LogEntry
	LastIndex() LogIndex
	LastTerm() Term
	// TruncateFrom discards every entry at or after index.
	TruncateFrom(index LogIndex) error
	PersistVote(term Term, votedFor ServerID) error
	LoadVote() (Term, ServerID, error)
	Close() error
}

// StateMachine executes committed commands. Apply is called exactly once per
// committed index, in index order. A returned error is an application error
// reported to the client; an *Error of KindStorage is fatal instead.
//
// appliedIndex is not persisted: after a restart Consensus replays committed
// entries from index 1, so the StateMachine handed to New must start empty.
type StateMachine interface {
	Apply(command []byte) ([]byte, error)
}

